package rules

import (
	"errors"
	"sync/atomic"

	"market_rules/pkg/logging"
	"market_rules/pkg/telemetry"

	apperrors "market_rules/pkg/errors"
)

type containerHolder struct{ c IContainer }

var defaultContainer atomic.Pointer[containerHolder]

// SetDefault installs the container used by Apply. Pass nil to clear it.
func SetDefault(c IContainer) {
	if c == nil {
		defaultContainer.Store(nil)
		return
	}
	defaultContainer.Store(&containerHolder{c: c})
}

// Default returns the container installed by SetDefault, or nil
func Default() IContainer {
	if h := defaultContainer.Load(); h != nil {
		return h.c
	}
	return nil
}

// Apply attaches rule to the default container
func Apply[R IRule](rule R) (R, error) {
	c := Default()
	if c == nil {
		return rule, apperrors.ErrNoDefaultContainer
	}
	return ApplyTo(c, rule)
}

// ApplyTo attaches rule to c. A rule refused by a stopped container is disposed.
func ApplyTo[R IRule](c IContainer, rule R) (R, error) {
	if c == nil {
		return rule, apperrors.ErrNilContainer
	}
	if IRule(rule) == nil {
		return rule, apperrors.ErrNilRule
	}
	if err := c.AddRule(rule); err != nil {
		if errors.Is(err, apperrors.ErrContainerStopped) {
			rule.Dispose()
		}
		return rule, err
	}
	return rule, nil
}

// Exclusive links two rules so that completion of either removes the other
func Exclusive(a, b IRule) error {
	if a == nil || b == nil {
		return apperrors.ErrNilRule
	}
	if a == b {
		return apperrors.ErrSameRule
	}
	a.ExclusiveRules().Add(b)
	b.ExclusiveRules().Add(a)
	return nil
}

// TryRemoveRule removes rule from its container if it is idle and, when
// checkCanFinish is set, its finish condition holds. It never interrupts a
// running action.
func TryRemoveRule(rule IRule, checkCanFinish bool) bool {
	if rule == nil {
		return false
	}
	removed := tryRemove(rule, checkCanFinish, telemetry.RemovalExplicit)
	if removed {
		AddRuleLog(rule.Container(), logging.DebugLevel, rule, "rule removed on request")
	}
	return removed
}

// TryRemoveWithExclusive is TryRemoveRule followed by removal of the rule's
// exclusive partners. It returns the partners that were removed.
func TryRemoveWithExclusive(rule IRule, checkCanFinish bool) (bool, []IRule) {
	if !TryRemoveRule(rule, checkCanFinish) {
		return false, nil
	}
	return true, cascadeExclusive(rule)
}

// SuspendRules runs action with c suspended. The suspension is released even if action panics.
func SuspendRules(c IContainer, action func()) error {
	if c == nil {
		return apperrors.ErrNilContainer
	}
	if err := c.SuspendRules(); err != nil {
		return err
	}
	defer func() { _ = c.ResumeRules() }()
	action()
	return nil
}

// AddRuleLog writes a rule-scoped log line through c. It is a no-op for a
// detached rule or when the effective level filters msgLevel out.
func AddRuleLog(c IContainer, msgLevel logging.Level, rule IRule, msg string, fields ...interface{}) {
	if c == nil {
		return
	}
	logger := c.Logger()
	if logger == nil {
		return
	}

	level := logging.InheritLevel
	if rule != nil {
		level = rule.LogLevel()
	}
	if level == logging.InheritLevel {
		level = c.LogLevel()
	}
	if level == logging.InheritLevel {
		level = logging.InfoLevel
	}
	if !level.Enabled(msgLevel) {
		return
	}

	if rule != nil {
		// rendered by the encoder, only for records that pass the level check
		fields = append([]interface{}{"rule", rule}, fields...)
	}
	logging.Log(logger, msgLevel, msg, fields...)
}
