// Package marketrule builds rules bound to trading subjects: orders,
// portfolios, positions, securities, order books, candles and market time.
//
// Every factory validates its input, subscribes immediately and returns a
// detached rule; attach it with rules.Apply or rules.ApplyTo. Disposing the
// rule releases its subscriptions.
package marketrule

import (
	"market_rules/internal/core"
	"market_rules/internal/rules"

	apperrors "market_rules/pkg/errors"

	"github.com/shopspring/decimal"
)

type binding[T any] func(r *rules.Rule[T]) error

// newRule creates a rule and applies its bindings; on failure every
// subscription already made is released
func newRule[T any](token any, name string, finish func() bool, binds ...binding[T]) (*rules.Rule[T], error) {
	r := rules.New[T](token, rules.WithName(name), rules.WithFinishCondition(finish))
	for _, b := range binds {
		if err := b(r); err != nil {
			r.Dispose()
			return nil, err
		}
	}
	return r, nil
}

// on activates the rule with match's result for every payload of ev that matches
func on[P, T any](src core.IEventSource, ev core.Event[P], match func(P) (T, bool)) binding[T] {
	return onRetiring(src, ev, match, nil)
}

// onRetiring works like on and then, in the same handler, removes the idle rule
// from its container once finished holds. A failed action keeps the rule.
func onRetiring[P, T any](src core.IEventSource, ev core.Event[P], match func(P) (T, bool), finished func() bool) binding[T] {
	return func(r *rules.Rule[T]) error {
		unsub, err := core.Subscribe(src, ev, func(p P) error {
			if v, ok := match(p); ok {
				if err := r.Activate(v); err != nil {
					return err
				}
			}
			retireIfFinished(r, finished)
			return nil
		})
		if err != nil {
			return err
		}
		r.OnDispose(unsub)
		return nil
	}
}

// retireOn removes the idle rule once finished holds after a payload of ev.
// Only for events the rule never activates on; otherwise use onRetiring.
func retireOn[P, T any](src core.IEventSource, ev core.Event[P], finished func() bool) binding[T] {
	return func(r *rules.Rule[T]) error {
		unsub, err := core.Subscribe(src, ev, func(P) error {
			retireIfFinished(r, finished)
			return nil
		})
		if err != nil {
			return err
		}
		r.OnDispose(unsub)
		return nil
	}
}

func retireIfFinished[T any](r *rules.Rule[T], finished func() bool) {
	if finished != nil && finished() && r.Container() != nil {
		rules.TryRemoveRule(r, true)
	}
}

// threshold resolves u into a level. Relative units are applied once to the
// reference value, up selects the direction.
func threshold(u core.Unit, ref func() (decimal.Decimal, bool), up bool) (decimal.Decimal, error) {
	if !u.Value.IsPositive() {
		return decimal.Zero, apperrors.ErrInvalidOffset
	}
	if !u.IsRelative() {
		return u.Value, nil
	}
	cur, ok := ref()
	if !ok {
		return decimal.Zero, apperrors.ErrNoReferenceValue
	}
	return u.Shift(cur, up), nil
}

func crossed(v, level decimal.Decimal, up bool) bool {
	if up {
		return v.GreaterThan(level)
	}
	return v.LessThan(level)
}

func direction(up bool) string {
	if up {
		return "above"
	}
	return "below"
}

func always[T any](v T) (T, bool) { return v, true }
