package marketrule

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"market_rules/internal/core"
	"market_rules/internal/rules"
	"market_rules/internal/timer"

	apperrors "market_rules/pkg/errors"

	"github.com/shopspring/decimal"
)

func checkSecurity(src core.IEventSource, security *core.Security) error {
	if src == nil {
		return apperrors.ErrNilSource
	}
	if security == nil {
		return apperrors.ErrNilToken
	}
	return nil
}

// WhenSecurityChanged fires when security, or a member of the basket, changes
func WhenSecurityChanged(src core.IEventSource, security *core.Security) (*rules.Rule[*core.Security], error) {
	return WhenSecurityChangedWhere(src, security, func(*core.Security) bool { return true })
}

// WhenSecurityChangedWhere is WhenSecurityChanged filtered by pred
func WhenSecurityChangedWhere(src core.IEventSource, security *core.Security, pred func(*core.Security) bool) (*rules.Rule[*core.Security], error) {
	if err := checkSecurity(src, security); err != nil {
		return nil, err
	}
	if pred == nil {
		return nil, apperrors.ErrNilPredicate
	}
	return newRule(security, fmt.Sprintf("security %s changed", security), nil,
		on(src, core.SecuritiesChanged, func(s *core.Security) (*core.Security, bool) {
			return s, security.Contains(s) && pred(s)
		}),
	)
}

// WhenSecurityNewTrades fires with the public trades of security
func WhenSecurityNewTrades(src core.IEventSource, security *core.Security) (*rules.Rule[[]*core.Trade], error) {
	if err := checkSecurity(src, security); err != nil {
		return nil, err
	}
	return newRule(security, fmt.Sprintf("security %s new trades", security), nil,
		on(src, core.NewTrades, func(trades []*core.Trade) ([]*core.Trade, bool) {
			var own []*core.Trade
			for _, t := range trades {
				if security.Contains(t.Security) {
					own = append(own, t)
				}
			}
			return own, len(own) > 0
		}),
	)
}

// WhenMarketDepthChanged fires with the order book of security on every update
func WhenMarketDepthChanged(src core.IEventSource, security *core.Security) (*rules.Rule[*core.MarketDepth], error) {
	if err := checkSecurity(src, security); err != nil {
		return nil, err
	}
	return newRule(security, fmt.Sprintf("security %s depth changed", security), nil,
		on(src, core.MarketDepthsChanged, func(depths []*core.MarketDepth) (*core.MarketDepth, bool) {
			for _, d := range depths {
				if d.Security == security {
					return d, true
				}
			}
			return nil, false
		}),
	)
}

// WhenBasketMarketDepthsChanged fires with the changed books of the basket members
func WhenBasketMarketDepthsChanged(src core.IEventSource, basket *core.Security) (*rules.Rule[[]*core.MarketDepth], error) {
	if err := checkSecurity(src, basket); err != nil {
		return nil, err
	}
	return newRule(basket, fmt.Sprintf("basket %s depths changed", basket), nil,
		on(src, core.MarketDepthsChanged, func(depths []*core.MarketDepth) ([]*core.MarketDepth, bool) {
			var own []*core.MarketDepth
			for _, d := range depths {
				if basket.Contains(d.Security) {
					own = append(own, d)
				}
			}
			return own, len(own) > 0
		}),
	)
}

// WhenBestBidPriceMore fires with the best bid once it is above the level given by unit
func WhenBestBidPriceMore(src core.IConnector, security *core.Security, unit core.Unit) (*rules.Rule[decimal.Decimal], error) {
	return level1Rule(src, security, core.BestBidPrice, unit, true)
}

// WhenBestBidPriceLess fires with the best bid once it is below the level given by unit
func WhenBestBidPriceLess(src core.IConnector, security *core.Security, unit core.Unit) (*rules.Rule[decimal.Decimal], error) {
	return level1Rule(src, security, core.BestBidPrice, unit, false)
}

// WhenBestAskPriceMore fires with the best ask once it is above the level given by unit
func WhenBestAskPriceMore(src core.IConnector, security *core.Security, unit core.Unit) (*rules.Rule[decimal.Decimal], error) {
	return level1Rule(src, security, core.BestAskPrice, unit, true)
}

// WhenBestAskPriceLess fires with the best ask once it is below the level given by unit
func WhenBestAskPriceLess(src core.IConnector, security *core.Security, unit core.Unit) (*rules.Rule[decimal.Decimal], error) {
	return level1Rule(src, security, core.BestAskPrice, unit, false)
}

// WhenLastTradePriceMore fires with the last trade price once it is above the
// level given by unit. Both security changes and new trades are watched.
func WhenLastTradePriceMore(src core.IConnector, security *core.Security, unit core.Unit) (*rules.Rule[decimal.Decimal], error) {
	return level1Rule(src, security, core.LastTradePrice, unit, true)
}

// WhenLastTradePriceLess is the downward counterpart of WhenLastTradePriceMore
func WhenLastTradePriceLess(src core.IConnector, security *core.Security, unit core.Unit) (*rules.Rule[decimal.Decimal], error) {
	return level1Rule(src, security, core.LastTradePrice, unit, false)
}

func level1Rule(src core.IConnector, security *core.Security, field core.Level1Field, unit core.Unit, up bool) (*rules.Rule[decimal.Decimal], error) {
	if src == nil {
		return nil, apperrors.ErrNilSource
	}
	if security == nil {
		return nil, apperrors.ErrNilToken
	}
	level, err := threshold(unit, func() (decimal.Decimal, bool) {
		return src.GetSecurityValue(security, field)
	}, up)
	if err != nil {
		return nil, err
	}

	binds := []binding[decimal.Decimal]{
		on(src, core.SecuritiesChanged, func(s *core.Security) (decimal.Decimal, bool) {
			if !security.Contains(s) {
				return decimal.Zero, false
			}
			v, ok := src.GetSecurityValue(s, field)
			return v, ok && crossed(v, level, up)
		}),
	}
	if field == core.LastTradePrice {
		binds = append(binds, on(src, core.NewTrades, func(trades []*core.Trade) (decimal.Decimal, bool) {
			for i := len(trades) - 1; i >= 0; i-- {
				if t := trades[i]; security.Contains(t.Security) {
					return t.Price, crossed(t.Price, level, up)
				}
			}
			return decimal.Zero, false
		}))
	}
	return newRule(security, fmt.Sprintf("security %s %s %s %s", security, field, direction(up), level), nil, binds...)
}

// WhenTimeCome fires at each of the given market times, in order, with the
// instant it was scheduled for. Instants not after the source's current time
// are skipped; with none left the rule never fires. The rule finishes after
// the last instant.
func WhenTimeCome(src core.IEventSource, times ...time.Time) (*rules.Rule[time.Time], error) {
	if src == nil {
		return nil, apperrors.ErrNilSource
	}
	now := src.CurrentTime()
	var pending []time.Time
	for _, t := range times {
		if t.After(now) {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return newRule[time.Time](src, "time come (all instants passed)", func() bool { return true })
	}
	slices.SortFunc(pending, func(a, b time.Time) int { return a.Compare(b) })
	pending = slices.CompactFunc(pending, time.Time.Equal)

	var (
		mu  sync.Mutex
		idx int
	)
	done := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return idx >= len(pending)
	}

	r, err := newRule[time.Time](src, fmt.Sprintf("time come %s", pending[0].Format(time.RFC3339)), done)
	if err != nil {
		return nil, err
	}

	var tm *timer.MarketTimer
	tm, err = timer.New(src, func() error {
		mu.Lock()
		if idx >= len(pending) {
			mu.Unlock()
			return nil
		}
		due := pending[idx]
		idx++
		last := idx >= len(pending)
		var wait time.Duration
		if !last {
			// the source may have jumped past several instants
			wait = max(pending[idx].Sub(src.CurrentTime()), time.Nanosecond)
		}
		mu.Unlock()

		if last {
			tm.Stop()
		} else if err := tm.Interval(wait); err != nil {
			return err
		} else if err := tm.Start(); err != nil {
			return err
		}
		return r.Activate(due)
	})
	if err != nil {
		r.Dispose()
		return nil, err
	}
	r.OnDispose(tm.Dispose)

	if err := tm.Interval(pending[0].Sub(now)); err != nil {
		r.Dispose()
		return nil, err
	}
	if err := tm.Start(); err != nil {
		r.Dispose()
		return nil, err
	}
	return r, nil
}
