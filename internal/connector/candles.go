package connector

import (
	"errors"
	"slices"
	"sync"
	"time"

	"market_rules/internal/core"

	"github.com/shopspring/decimal"
)

// CandleManager builds candles of registered series from the trades of an
// event source and implements core.ICandleManager.
type CandleManager struct {
	src    core.IEventSource
	logger core.ILogger

	mu          sync.Mutex
	series      []*core.CandleSeries
	current     map[*core.CandleSeries]*core.Candle
	handlers    []handlerEntry
	nextHandler int
	unsubs      []func()
}

// NewCandleManager subscribes to trades and market time of src
func NewCandleManager(src core.IEventSource, logger core.ILogger) (*CandleManager, error) {
	m := &CandleManager{
		src:     src,
		logger:  logger.WithField("component", "candle_manager"),
		current: make(map[*core.CandleSeries]*core.Candle),
	}

	unsubTrades, err := core.Subscribe(src, core.NewTrades, m.onTrades)
	if err != nil {
		return nil, err
	}
	unsubTime, err := core.Subscribe(src, core.TimeChanged, m.onTime)
	if err != nil {
		unsubTrades()
		return nil, err
	}
	m.unsubs = []func(){unsubTrades, unsubTime}
	return m, nil
}

// Register starts building candles for series
func (m *CandleManager) Register(series *core.CandleSeries) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.series, series) {
		m.series = append(m.series, series)
	}
}

// SubscribeProcessing implements core.ICandleManager
func (m *CandleManager) SubscribeProcessing(handler func(*core.CandleSeries, *core.Candle) error) (func(), error) {
	m.mu.Lock()
	id := m.nextHandler
	m.nextHandler++
	m.handlers = append(m.handlers, handlerEntry{id: id, fn: func(v any) error {
		c := v.(*core.Candle)
		return handler(c.Series, c)
	}})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.handlers = slices.DeleteFunc(m.handlers, func(h handlerEntry) bool { return h.id == id })
		})
	}, nil
}

// CurrentCandle implements core.ICandleManager
func (m *CandleManager) CurrentCandle(series *core.CandleSeries) *core.Candle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current[series]
}

// Process publishes candle as an update of its series
func (m *CandleManager) Process(candle *core.Candle) error {
	m.mu.Lock()
	if candle.State != core.CandleFinished {
		m.current[candle.Series] = candle
	}
	handlers := slices.Clone(m.handlers)
	m.mu.Unlock()

	var errs []error
	for _, h := range handlers {
		if err := h.fn(candle); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the source subscriptions
func (m *CandleManager) Close() {
	for _, u := range m.unsubs {
		u()
	}
}

func (m *CandleManager) onTrades(trades []*core.Trade) error {
	var errs []error
	for _, t := range trades {
		for _, s := range m.seriesFor(t.Security) {
			errs = append(errs, m.apply(s, t))
		}
	}
	return errors.Join(errs...)
}

// onTime finishes time-frame candles whose span has elapsed
func (m *CandleManager) onTime(now time.Time) error {
	m.mu.Lock()
	var expired []*core.Candle
	for s, c := range m.current {
		if s.Kind != core.CandleTimeFrame {
			continue
		}
		if _, end := c.Bounds(); !now.Before(end) {
			expired = append(expired, c)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, c := range expired {
		errs = append(errs, m.finish(c))
	}
	return errors.Join(errs...)
}

func (m *CandleManager) seriesFor(security *core.Security) []*core.CandleSeries {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.CandleSeries
	for _, s := range m.series {
		if s.Security.Contains(security) {
			out = append(out, s)
		}
	}
	return out
}

func (m *CandleManager) finish(c *core.Candle) error {
	m.mu.Lock()
	if m.current[c.Series] != c {
		m.mu.Unlock()
		return nil
	}
	delete(m.current, c.Series)
	c.State = core.CandleFinished
	if c.CloseTime.IsZero() {
		_, c.CloseTime = c.Bounds()
	}
	m.mu.Unlock()
	return m.Process(c)
}

func (m *CandleManager) apply(s *core.CandleSeries, t *core.Trade) error {
	var errs []error

	c := m.CurrentCandle(s)
	if c != nil && m.isComplete(c, t) {
		errs = append(errs, m.finish(c))
		c = nil
	}
	if c == nil {
		open := t.Time
		if s.Kind == core.CandleTimeFrame {
			open = t.Time.Truncate(s.TimeFrame)
		}
		c = &core.Candle{
			Series:    s,
			OpenTime:  open,
			OpenPrice: t.Price,
			HighPrice: t.Price,
			LowPrice:  t.Price,
			State:     core.CandleActive,
		}
	}

	c.ClosePrice = t.Price
	c.HighPrice = decimal.Max(c.HighPrice, t.Price)
	c.LowPrice = decimal.Min(c.LowPrice, t.Price)
	c.TotalVolume = c.TotalVolume.Add(t.Volume)
	c.TradeCount++
	c.CloseTime = t.Time

	errs = append(errs, m.Process(c))
	return errors.Join(errs...)
}

// isComplete reports whether c must be closed before t is applied
func (m *CandleManager) isComplete(c *core.Candle, t *core.Trade) bool {
	s := c.Series
	switch s.Kind {
	case core.CandleTimeFrame:
		_, end := c.Bounds()
		return !t.Time.Before(end)
	case core.CandleTick:
		return c.TradeCount >= s.TradeCount
	case core.CandleRange:
		return c.HighPrice.Sub(c.LowPrice).GreaterThanOrEqual(s.PriceRange)
	case core.CandleVolume:
		return c.TotalVolume.GreaterThanOrEqual(s.Volume)
	default:
		return false
	}
}
