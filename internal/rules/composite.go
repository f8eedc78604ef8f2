package rules

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"market_rules/internal/core"
	"market_rules/pkg/logging"
	"market_rules/pkg/telemetry"

	apperrors "market_rules/pkg/errors"
)

// passThrough is the container of a composite's inner rules. Queries are
// answered by the container the composite is attached to; suspension and
// attachment of further rules are not supported.
type passThrough struct {
	owner IRule
	rules *RuleSet
}

func newPassThrough(owner IRule) *passThrough {
	return &passThrough{owner: owner, rules: NewRuleSet()}
}

func (p *passThrough) parent() IContainer { return p.owner.Container() }

func (p *passThrough) Name() string {
	if c := p.parent(); c != nil {
		return c.Name()
	}
	return p.owner.Name()
}

func (p *passThrough) Logger() core.ILogger {
	if c := p.parent(); c != nil {
		return c.Logger()
	}
	return nil
}

func (p *passThrough) LogLevel() logging.Level {
	if level := p.owner.LogLevel(); level != logging.InheritLevel {
		return level
	}
	if c := p.parent(); c != nil {
		return c.LogLevel()
	}
	return logging.InheritLevel
}

func (p *passThrough) CurrentTime() time.Time {
	if c := p.parent(); c != nil {
		return c.CurrentTime()
	}
	return time.Now()
}

func (p *passThrough) ProcessState() ProcessState {
	if c := p.parent(); c != nil {
		return c.ProcessState()
	}
	return Started
}

func (p *passThrough) IsRulesSuspended() bool {
	c := p.parent()
	return c != nil && c.IsRulesSuspended()
}

func (p *passThrough) SuspendRules() error      { return apperrors.ErrNotSupported }
func (p *passThrough) ResumeRules() error       { return apperrors.ErrNotSupported }
func (p *passThrough) AddRule(rule IRule) error { return apperrors.ErrNotSupported }
func (p *passThrough) Rules() []IRule           { return p.rules.Snapshot() }

func (p *passThrough) RemoveRule(rule IRule) bool {
	if rule == nil || !p.rules.Contains(rule) {
		return false
	}
	return removeOrDefer(p, rule, telemetry.RemovalExplicit)
}

func (p *passThrough) attach(rule IRule) error {
	if err := rule.SetContainer(p); err != nil {
		return err
	}
	p.rules.Add(rule)
	return nil
}

// ActivateRule runs an inner rule's process. Inner activations are dropped
// while the composite or its container is suspended.
func (p *passThrough) ActivateRule(rule IRule, process func() (bool, error)) error {
	if !p.rules.Contains(rule) || !rule.IsReady() || p.owner.IsSuspended() || p.IsRulesSuspended() {
		return nil
	}
	if !rule.tryBegin() {
		return nil
	}

	retire, err := runProcess(rule, process, func(r IRule) { p.removeReserved(r, telemetry.RemovalRetired) })
	if err != nil {
		retire = false
	}
	if rule.endActivation(retire) {
		p.removeReserved(rule, telemetry.RemovalRetired)
	}
	return err
}

func (p *passThrough) removeReserved(rule IRule, reason string) bool {
	if !p.rules.Contains(rule) {
		rule.release()
		return false
	}
	rule.Dispose()
	p.rules.Remove(rule)
	AddRuleLog(p, logging.DebugLevel, rule, "inner rule removed", "reason", reason)
	return true
}

func (p *passThrough) String() string { return p.owner.Name() }

func (p *passThrough) disposeAll() {
	for _, r := range p.rules.TakeAll() {
		r.Dispose()
	}
}

func joinRuleNames(rules []IRule, sep string) string {
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name())
	}
	return strings.Join(names, sep)
}

func checkInner(rules []IRule) error {
	if len(rules) == 0 {
		return apperrors.ErrNoRules
	}
	for _, r := range rules {
		if r == nil {
			return apperrors.ErrNilRule
		}
		if r.Container() != nil {
			return apperrors.ErrAlreadyAttached
		}
	}
	return nil
}

// Or activates when any inner rule activates, with that rule's argument.
// It activates at most once; afterwards every inner rule is disposed.
func Or(inner ...IRule) (*Rule[any], error) {
	return newOr(inner, func(v any) any { return v })
}

// OrOf is Or for rules of one argument type
func OrOf[T any](inner ...*Rule[T]) (*Rule[T], error) {
	erased := make([]IRule, len(inner))
	for i, r := range inner {
		if r == nil {
			return nil, apperrors.ErrNilRule
		}
		erased[i] = r
	}
	return newOr(erased, func(v any) T {
		t, _ := v.(T)
		return t
	})
}

func newOr[T any](inner []IRule, conv func(any) T) (*Rule[T], error) {
	if err := checkInner(inner); err != nil {
		return nil, err
	}

	comp := New[T](nil, WithName(joinRuleNames(inner, " OR ")))
	comp.Once()
	pt := newPassThrough(comp)

	var fired atomic.Bool
	comp.finish = fired.Load
	comp.OnDispose(pt.disposeAll)

	for _, r := range inner {
		if err := pt.attach(r); err != nil {
			pt.disposeAll()
			return nil, err
		}
		r.bindAny(func(v any) error {
			if fired.Load() {
				return nil
			}
			return comp.activateGuarded(conv(v), &fired)
		})
	}
	return comp, nil
}

// And activates once every inner rule has activated at least once. The
// argument holds the first argument of each inner rule in activation order.
func And(inner ...IRule) (*Rule[[]any], error) {
	return newAnd(inner, func(v any) any { return v })
}

// AndOf is And for rules of one argument type
func AndOf[T any](inner ...*Rule[T]) (*Rule[[]T], error) {
	erased := make([]IRule, len(inner))
	for i, r := range inner {
		if r == nil {
			return nil, apperrors.ErrNilRule
		}
		erased[i] = r
	}
	return newAnd(erased, func(v any) T {
		t, _ := v.(T)
		return t
	})
}

func newAnd[T any](inner []IRule, conv func(any) T) (*Rule[[]T], error) {
	if err := checkInner(inner); err != nil {
		return nil, err
	}

	comp := New[[]T](nil, WithName(joinRuleNames(inner, " AND ")))
	comp.Once()
	pt := newPassThrough(comp)

	var (
		mu      sync.Mutex
		pending = make(map[IRule]struct{}, len(inner))
		args    = make([]T, 0, len(inner))
		fired   atomic.Bool
	)
	for _, r := range inner {
		pending[r] = struct{}{}
	}
	comp.finish = fired.Load
	comp.OnDispose(pt.disposeAll)

	for _, r := range inner {
		if err := pt.attach(r); err != nil {
			pt.disposeAll()
			return nil, err
		}
		r.bindAny(func(v any) error {
			mu.Lock()
			if _, ok := pending[r]; ok {
				delete(pending, r)
				args = append(args, conv(v))
			}
			ready := len(pending) == 0
			snapshot := make([]T, len(args))
			copy(snapshot, args)
			mu.Unlock()

			if !ready || fired.Load() {
				return nil
			}
			return comp.activateGuarded(snapshot, &fired)
		})
	}
	return comp, nil
}

// activateGuarded activates a one-shot composite. fired flips inside the
// container's guard, so a dropped activation (suspended, busy) does not
// consume the single shot.
func (r *Rule[T]) activateGuarded(arg T, fired *atomic.Bool) error {
	c := r.Container()
	if c == nil || !r.IsReady() || r.IsSuspended() {
		return nil
	}
	return c.ActivateRule(r, func() (bool, error) {
		if !fired.CompareAndSwap(false, true) {
			return true, nil
		}
		retire, err := r.process(arg)
		if err != nil {
			fired.Store(false)
		}
		return retire, err
	})
}
