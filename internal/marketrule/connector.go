package marketrule

import (
	"fmt"
	"time"

	"market_rules/internal/core"
	"market_rules/internal/rules"
	"market_rules/internal/timer"

	apperrors "market_rules/pkg/errors"
)

// WhenIntervalElapsed fires with the market time every interval
func WhenIntervalElapsed(src core.IEventSource, interval time.Duration) (*rules.Rule[time.Time], error) {
	if src == nil {
		return nil, apperrors.ErrNilSource
	}
	if interval <= 0 {
		return nil, apperrors.ErrInvalidInterval
	}
	r, err := newRule[time.Time](src, fmt.Sprintf("every %s", interval), nil)
	if err != nil {
		return nil, err
	}
	tm, err := timer.New(src, func() error { return r.Activate(src.CurrentTime()) })
	if err != nil {
		r.Dispose()
		return nil, err
	}
	r.OnDispose(tm.Dispose)
	if err := tm.Interval(interval); err != nil {
		r.Dispose()
		return nil, err
	}
	if err := tm.Start(); err != nil {
		r.Dispose()
		return nil, err
	}
	return r, nil
}

// WhenNewMyTrades fires with every batch of own trades
func WhenNewMyTrades(src core.IEventSource) (*rules.Rule[[]*core.MyTrade], error) {
	if src == nil {
		return nil, apperrors.ErrNilSource
	}
	return newRule(src, "new my trades", nil, on(src, core.NewMyTrades, always[[]*core.MyTrade]))
}

// WhenNewOrders fires with every newly registered order, regular or conditional
func WhenNewOrders(src core.IEventSource) (*rules.Rule[*core.Order], error) {
	if src == nil {
		return nil, apperrors.ErrNilSource
	}
	return newRule(src, "new orders", nil,
		on(src, core.NewOrders, always[*core.Order]),
		on(src, core.NewStopOrders, always[*core.Order]),
	)
}
