package rules

import "sync"

// RuleSet is an insertion-ordered set of rules, safe for concurrent use
type RuleSet struct {
	mu    sync.Mutex
	items []IRule
	index map[IRule]struct{}
}

// NewRuleSet creates an empty set
func NewRuleSet() *RuleSet {
	return &RuleSet{index: make(map[IRule]struct{})}
}

// Add inserts rule; false if it was already present
func (s *RuleSet) Add(rule IRule) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[rule]; ok {
		return false
	}
	s.index[rule] = struct{}{}
	s.items = append(s.items, rule)
	return true
}

// Remove deletes rule; false if it was absent
func (s *RuleSet) Remove(rule IRule) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[rule]; !ok {
		return false
	}
	delete(s.index, rule)
	for i, r := range s.items {
		if r == rule {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	return true
}

func (s *RuleSet) Contains(rule IRule) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[rule]
	return ok
}

func (s *RuleSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Snapshot returns the rules in insertion order
func (s *RuleSet) Snapshot() []IRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]IRule, len(s.items))
	copy(out, s.items)
	return out
}

// TakeAll empties the set and returns its former content
func (s *RuleSet) TakeAll() []IRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.items
	s.items = nil
	s.index = make(map[IRule]struct{})
	return out
}
