package marketrule

import (
	"fmt"
	"sync"
	"time"

	"market_rules/internal/core"
	"market_rules/internal/rules"
	"market_rules/internal/timer"

	apperrors "market_rules/pkg/errors"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// onCandle activates the rule for matching candles. When finished is set the
// idle rule leaves its container, in the same handler, once it holds.
func onCandle[T any](mgr core.ICandleManager, match func(*core.Candle) (T, bool), finished func() bool) binding[T] {
	return func(r *rules.Rule[T]) error {
		unsub, err := mgr.SubscribeProcessing(func(_ *core.CandleSeries, c *core.Candle) error {
			if v, ok := match(c); ok {
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

func checkSeries(mgr core.ICandleManager, series *core.CandleSeries) error {
	if mgr == nil {
		return apperrors.ErrNilSource
	}
	if series == nil {
		return apperrors.ErrNilToken
	}
	return nil
}

func checkCandle(mgr core.ICandleManager, candle *core.Candle) error {
	if mgr == nil {
		return apperrors.ErrNilSource
	}
	if candle == nil || candle.Series == nil {
		return apperrors.ErrNilToken
	}
	return nil
}

func seriesRule(mgr core.ICandleManager, series *core.CandleSeries, name string, match func(*core.Candle) bool) (*rules.Rule[*core.Candle], error) {
	if err := checkSeries(mgr, series); err != nil {
		return nil, err
	}
	return newRule(series, name, nil,
		onCandle(mgr, func(c *core.Candle) (*core.Candle, bool) {
			return c, c.Series == series && match(c)
		}, nil),
	)
}

// WhenCandlesStarted fires with each new candle of series on its first update
func WhenCandlesStarted(mgr core.ICandleManager, series *core.CandleSeries) (*rules.Rule[*core.Candle], error) {
	var (
		mu   sync.Mutex
		last *core.Candle
	)
	return seriesRule(mgr, series, fmt.Sprintf("%s candles started", series), func(c *core.Candle) bool {
		if c.State != core.CandleActive {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if c == last {
			return false
		}
		last = c
		return true
	})
}

// WhenCandlesChanged fires on every update of an active candle of series
func WhenCandlesChanged(mgr core.ICandleManager, series *core.CandleSeries) (*rules.Rule[*core.Candle], error) {
	return WhenCandlesChangedWhere(mgr, series, func(*core.Candle) bool { return true })
}

// WhenCandlesChangedWhere is WhenCandlesChanged filtered by pred
func WhenCandlesChangedWhere(mgr core.ICandleManager, series *core.CandleSeries, pred func(*core.Candle) bool) (*rules.Rule[*core.Candle], error) {
	if pred == nil {
		return nil, apperrors.ErrNilPredicate
	}
	return seriesRule(mgr, series, fmt.Sprintf("%s candles changed", series), func(c *core.Candle) bool {
		return c.State == core.CandleActive && pred(c)
	})
}

// WhenCandlesFinished fires with every finished candle of series
func WhenCandlesFinished(mgr core.ICandleManager, series *core.CandleSeries) (*rules.Rule[*core.Candle], error) {
	return seriesRule(mgr, series, fmt.Sprintf("%s candles finished", series), func(c *core.Candle) bool {
		return c.State == core.CandleFinished
	})
}

// WhenCandles fires on every update of series, active or finished
func WhenCandles(mgr core.ICandleManager, series *core.CandleSeries) (*rules.Rule[*core.Candle], error) {
	return seriesRule(mgr, series, fmt.Sprintf("%s candles", series), func(*core.Candle) bool { return true })
}

// WhenCurrentCandleTotalVolumeMore fires when the active candle of series
// trades more than the volume given by unit. A relative unit is taken from the
// candle being formed at construction.
func WhenCurrentCandleTotalVolumeMore(mgr core.ICandleManager, series *core.CandleSeries, unit core.Unit) (*rules.Rule[*core.Candle], error) {
	if err := checkSeries(mgr, series); err != nil {
		return nil, err
	}
	level, err := threshold(unit, func() (decimal.Decimal, bool) {
		c := mgr.CurrentCandle(series)
		if c == nil {
			return decimal.Zero, false
		}
		return c.TotalVolume, true
	}, true)
	if err != nil {
		return nil, err
	}
	return seriesRule(mgr, series, fmt.Sprintf("%s current volume above %s", series, level), func(c *core.Candle) bool {
		return c.State == core.CandleActive && c.TotalVolume.GreaterThan(level)
	})
}

func candleRule(mgr core.ICandleManager, candle *core.Candle, name string, match func(*core.Candle) bool) (*rules.Rule[*core.Candle], error) {
	if err := checkCandle(mgr, candle); err != nil {
		return nil, err
	}
	finished := func() bool { return candle.State == core.CandleFinished }
	return newRule(candle, name, finished,
		onCandle(mgr, func(c *core.Candle) (*core.Candle, bool) {
			return c, c == candle && match(c)
		}, finished),
	)
}

// WhenCandleChanged fires on every update of candle until it finishes
func WhenCandleChanged(mgr core.ICandleManager, candle *core.Candle) (*rules.Rule[*core.Candle], error) {
	return candleRule(mgr, candle, fmt.Sprintf("%s changed", candle), func(c *core.Candle) bool {
		return c.State == core.CandleActive
	})
}

// WhenCandleFinished fires once when candle is finished
func WhenCandleFinished(mgr core.ICandleManager, candle *core.Candle) (*rules.Rule[*core.Candle], error) {
	r, err := candleRule(mgr, candle, fmt.Sprintf("%s finished", candle), func(c *core.Candle) bool {
		return c.State == core.CandleFinished
	})
	if err != nil {
		return nil, err
	}
	return r.Once(), nil
}

// WhenClosePriceMore fires when the close price of candle rises above the level
func WhenClosePriceMore(mgr core.ICandleManager, candle *core.Candle, unit core.Unit) (*rules.Rule[*core.Candle], error) {
	return closePriceRule(mgr, candle, unit, true)
}

// WhenClosePriceLess fires when the close price of candle drops below the level
func WhenClosePriceLess(mgr core.ICandleManager, candle *core.Candle, unit core.Unit) (*rules.Rule[*core.Candle], error) {
	return closePriceRule(mgr, candle, unit, false)
}

func closePriceRule(mgr core.ICandleManager, candle *core.Candle, unit core.Unit, up bool) (*rules.Rule[*core.Candle], error) {
	if err := checkCandle(mgr, candle); err != nil {
		return nil, err
	}
	level, err := threshold(unit, func() (decimal.Decimal, bool) { return candle.ClosePrice, true }, up)
	if err != nil {
		return nil, err
	}
	return candleRule(mgr, candle, fmt.Sprintf("%s close %s %s", candle, direction(up), level), func(c *core.Candle) bool {
		return c.State == core.CandleActive && crossed(c.ClosePrice, level, up)
	})
}

// WhenTotalVolumeMore fires when candle trades more than the volume given by unit
func WhenTotalVolumeMore(mgr core.ICandleManager, candle *core.Candle, unit core.Unit) (*rules.Rule[*core.Candle], error) {
	if err := checkCandle(mgr, candle); err != nil {
		return nil, err
	}
	level, err := threshold(unit, func() (decimal.Decimal, bool) { return candle.TotalVolume, true }, true)
	if err != nil {
		return nil, err
	}
	return candleRule(mgr, candle, fmt.Sprintf("%s volume above %s", candle, level), func(c *core.Candle) bool {
		return c.State == core.CandleActive && c.TotalVolume.GreaterThan(level)
	})
}

// partialCheck returns the completion test of a candle reaching percent of
// its series' size. Time-frame series have no such test and return nil.
func partialCheck(series *core.CandleSeries, percent decimal.Decimal) (func(*core.Candle) bool, error) {
	p := percent.Div(hundred)
	switch series.Kind {
	case core.CandleTick:
		need := p.Mul(decimal.NewFromInt(int64(series.TradeCount)))
		return func(c *core.Candle) bool {
			return decimal.NewFromInt(int64(c.TradeCount)).GreaterThanOrEqual(need)
		}, nil
	case core.CandleRange:
		need := p.Mul(series.PriceRange)
		return func(c *core.Candle) bool {
			return c.HighPrice.Sub(c.LowPrice).GreaterThanOrEqual(need)
		}, nil
	case core.CandleVolume:
		need := p.Mul(series.Volume)
		return func(c *core.Candle) bool {
			return c.TotalVolume.GreaterThanOrEqual(need)
		}, nil
	case core.CandleTimeFrame:
		return nil, nil
	default:
		return nil, apperrors.ErrUnsupportedCandle
	}
}

// firstPartialWait is the market time until a candle opened at open reaches
// percent of the time frame tf
func firstPartialWait(open, now time.Time, tf time.Duration, percent decimal.Decimal) time.Duration {
	offset := time.Duration(percent.Div(hundred).Mul(decimal.NewFromInt(int64(tf))).IntPart())
	diff := open.Add(offset).Sub(now)
	switch {
	case diff == 0:
		return tf
	case diff > 0:
		return diff
	default:
		// already past: wait for the same point of the next candle
		return max(tf+diff, time.Nanosecond)
	}
}

func checkPercent(percent decimal.Decimal) error {
	if !percent.IsPositive() {
		return apperrors.ErrInvalidPercent
	}
	return nil
}

// WhenPartiallyFinished fires once when candle reaches percent (0..100] of its
// size: trade count, price range or volume, depending on the series kind. For
// time-frame candles the point is measured in market time of src.
func WhenPartiallyFinished(mgr core.ICandleManager, src core.IEventSource, candle *core.Candle, percent decimal.Decimal) (*rules.Rule[*core.Candle], error) {
	if err := checkCandle(mgr, candle); err != nil {
		return nil, err
	}
	if err := checkPercent(percent); err != nil {
		return nil, err
	}
	check, err := partialCheck(candle.Series, percent)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s %s%% finished", candle, percent)

	if check != nil {
		r, err := candleRule(mgr, candle, name, func(c *core.Candle) bool {
			return c.State == core.CandleActive && check(c)
		})
		if err != nil {
			return nil, err
		}
		return r.Once(), nil
	}

	if src == nil {
		return nil, apperrors.ErrNilSource
	}
	r, err := newRule[*core.Candle](candle, name, func() bool { return candle.State == core.CandleFinished })
	if err != nil {
		return nil, err
	}
	var tm *timer.MarketTimer
	tm, err = timer.New(src, func() error {
		tm.Stop()
		return r.Activate(candle)
	})
	if err != nil {
		r.Dispose()
		return nil, err
	}
	r.OnDispose(tm.Dispose)

	open, _ := candle.Bounds()
	wait := firstPartialWait(open, src.CurrentTime(), candle.Series.TimeFrame, percent)
	if err := tm.Interval(wait); err != nil {
		r.Dispose()
		return nil, err
	}
	if err := tm.Start(); err != nil {
		r.Dispose()
		return nil, err
	}
	return r.Once(), nil
}

// WhenPartiallyFinishedCandles fires for every candle of series that reaches
// percent of its size, at most once per candle. Time-frame series fire every
// time frame with the candle being formed.
func WhenPartiallyFinishedCandles(mgr core.ICandleManager, src core.IEventSource, series *core.CandleSeries, percent decimal.Decimal) (*rules.Rule[*core.Candle], error) {
	if err := checkSeries(mgr, series); err != nil {
		return nil, err
	}
	if err := checkPercent(percent); err != nil {
		return nil, err
	}
	check, err := partialCheck(series, percent)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s %s%% finished", series, percent)

	if check != nil {
		var (
			mu    sync.Mutex
			fired *core.Candle
		)
		return seriesRule(mgr, series, name, func(c *core.Candle) bool {
			if c.State != core.CandleActive || !check(c) {
				return false
			}
			mu.Lock()
			defer mu.Unlock()
			if c == fired {
				return false
			}
			fired = c
			return true
		})
	}

	if src == nil {
		return nil, apperrors.ErrNilSource
	}
	r, err := newRule[*core.Candle](series, name, nil)
	if err != nil {
		return nil, err
	}
	var tm *timer.MarketTimer
	tm, err = timer.New(src, func() error {
		if err := tm.Interval(series.TimeFrame); err != nil {
			return err
		}
		if err := tm.Start(); err != nil {
			return err
		}
		if c := mgr.CurrentCandle(series); c != nil {
			return r.Activate(c)
		}
		return nil
	})
	if err != nil {
		r.Dispose()
		return nil, err
	}
	r.OnDispose(tm.Dispose)

	now := src.CurrentTime()
	open := now.Truncate(series.TimeFrame)
	if c := mgr.CurrentCandle(series); c != nil {
		open, _ = c.Bounds()
	}
	if err := tm.Interval(firstPartialWait(open, now, series.TimeFrame, percent)); err != nil {
		r.Dispose()
		return nil, err
	}
	if err := tm.Start(); err != nil {
		r.Dispose()
		return nil, err
	}
	return r, nil
}
