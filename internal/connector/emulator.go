// Package connector provides an in-memory trading connection that feeds the
// rule engine: order lifecycle, trades, books, portfolios and market time.
package connector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"market_rules/internal/core"
	"market_rules/pkg/concurrency"
	"market_rules/pkg/telemetry"

	apperrors "market_rules/pkg/errors"

	"github.com/shopspring/decimal"
)

type handlerEntry struct {
	id int
	fn func(any) error
}

type positionKey struct {
	portfolio *core.Portfolio
	security  *core.Security
}

// Option configures an Emulator
type Option func(*Emulator)

// WithDispatchPool delivers each event to its handlers in parallel on pool
// and waits for all of them
func WithDispatchPool(pool *concurrency.WorkerPool) Option {
	return func(e *Emulator) { e.pool = pool }
}

// WithStartTime sets the initial market time
func WithStartTime(t time.Time) Option {
	return func(e *Emulator) { e.now = t }
}

// Emulator implements core.IConnector in memory. Every mutation is applied
// under the emulator lock and then delivered synchronously to subscribers.
type Emulator struct {
	name    string
	logger  core.ILogger
	pool    *concurrency.WorkerPool
	fanning atomic.Bool
	metrics *telemetry.MetricsHolder

	mu          sync.RWMutex
	now         time.Time
	handlers    map[core.EventKind][]handlerEntry
	nextHandler int
	nextTxID    int64
	nextTradeID int64
	orders      map[int64]*core.Order
	securities  map[string]*core.Security
	portfolios  map[string]*core.Portfolio
	positions   map[positionKey]*core.Position
	level1      map[*core.Security]map[core.Level1Field]decimal.Decimal
	depths      map[*core.Security]*core.MarketDepth
}

// NewEmulator creates an empty connection
func NewEmulator(name string, logger core.ILogger, opts ...Option) *Emulator {
	e := &Emulator{
		name:       name,
		logger:     logger.WithField("component", "emulator").WithField("connector", name),
		metrics:    telemetry.GetGlobalMetrics(),
		handlers:   make(map[core.EventKind][]handlerEntry),
		nextTxID:   1000,
		orders:     make(map[int64]*core.Order),
		securities: make(map[string]*core.Security),
		portfolios: make(map[string]*core.Portfolio),
		positions:  make(map[positionKey]*core.Position),
		level1:     make(map[*core.Security]map[core.Level1Field]decimal.Decimal),
		depths:     make(map[*core.Security]*core.MarketDepth),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Emulator) Name() string { return e.name }

// Subscribe implements core.IEventSource
func (e *Emulator) Subscribe(kind core.EventKind, handler func(any) error) (func(), error) {
	if kind < core.EventNewOrders || kind > core.EventTimeChanged {
		return nil, fmt.Errorf("%w: %d", apperrors.ErrUnknownEvent, kind)
	}
	if handler == nil {
		return nil, apperrors.ErrNilPredicate
	}

	e.mu.Lock()
	id := e.nextHandler
	e.nextHandler++
	e.handlers[kind] = append(e.handlers[kind], handlerEntry{id: id, fn: handler})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.handlers[kind] = slices.DeleteFunc(e.handlers[kind], func(h handlerEntry) bool { return h.id == id })
		})
	}, nil
}

// SubscriberCount returns the number of live handlers for kind
func (e *Emulator) SubscriberCount(kind core.EventKind) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[kind])
}

// CurrentTime implements core.IEventSource
func (e *Emulator) CurrentTime() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.now
}

// GetSecurityValue implements core.IMarketDataProvider
func (e *Emulator) GetSecurityValue(security *core.Security, field core.Level1Field) (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	values, ok := e.level1[security]
	if !ok {
		return decimal.Zero, false
	}
	v, ok := values[field]
	return v, ok
}

func (e *Emulator) emit(kind core.EventKind, payload any) error {
	e.mu.RLock()
	handlers := slices.Clone(e.handlers[kind])
	e.mu.RUnlock()

	e.metrics.RecordEvent(context.Background(), e.name, kind.String())
	if len(handlers) == 0 {
		return nil
	}

	// an emit raised by a pooled handler runs inline; pool workers never wait on each other
	if e.pool != nil && len(handlers) > 1 && e.fanning.CompareAndSwap(false, true) {
		defer e.fanning.Store(false)
		tasks := make([]func() error, len(handlers))
		for i, h := range handlers {
			tasks[i] = func() error { return h.fn(payload) }
		}
		return e.pool.RunAll(tasks)
	}

	var errs []error
	for _, h := range handlers {
		if err := h.fn(payload); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		e.logger.Warn("Event handlers failed", "event", kind.String(), "errors", len(errs))
	}
	return errors.Join(errs...)
}

// SetTime advances market time. Earlier instants are ignored.
func (e *Emulator) SetTime(t time.Time) error {
	e.mu.Lock()
	if t.Before(e.now) {
		e.mu.Unlock()
		return nil
	}
	e.now = t
	e.mu.Unlock()
	return e.emit(core.EventTimeChanged, t)
}

// AddSecurity registers a security and announces it
func (e *Emulator) AddSecurity(security *core.Security) error {
	e.mu.Lock()
	e.securities[security.ID] = security
	e.mu.Unlock()
	return e.emit(core.EventSecuritiesChanged, security)
}

// Security looks a registered security up by id
func (e *Emulator) Security(id string) (*core.Security, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.securities[id]
	return s, ok
}

// AddPortfolio registers a portfolio and announces it
func (e *Emulator) AddPortfolio(portfolio *core.Portfolio) error {
	e.mu.Lock()
	e.portfolios[portfolio.Name] = portfolio
	e.mu.Unlock()
	return e.emit(core.EventPortfoliosChanged, portfolio)
}

func (e *Emulator) Portfolio(name string) (*core.Portfolio, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.portfolios[name]
	return p, ok
}

// UpdatePortfolio sets the portfolio value
func (e *Emulator) UpdatePortfolio(portfolio *core.Portfolio, value decimal.Decimal) error {
	e.mu.Lock()
	portfolio.CurrentValue = value
	e.portfolios[portfolio.Name] = portfolio
	e.mu.Unlock()
	return e.emit(core.EventPortfoliosChanged, portfolio)
}

// Position returns the position of security in portfolio, creating a flat one
func (e *Emulator) Position(portfolio *core.Portfolio, security *core.Security) *core.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionLocked(portfolio, security)
}

func (e *Emulator) positionLocked(portfolio *core.Portfolio, security *core.Security) *core.Position {
	key := positionKey{portfolio: portfolio, security: security}
	pos, ok := e.positions[key]
	if !ok {
		pos = &core.Position{Security: security, Portfolio: portfolio}
		e.positions[key] = pos
	}
	return pos
}

// UpdatePosition sets the position value
func (e *Emulator) UpdatePosition(position *core.Position, value decimal.Decimal) error {
	e.mu.Lock()
	position.CurrentValue = value
	e.positions[positionKey{portfolio: position.Portfolio, security: position.Security}] = position
	e.mu.Unlock()
	return e.emit(core.EventPositionsChanged, position)
}

// UpdateLevel1 sets level-1 values of security and announces the change
func (e *Emulator) UpdateLevel1(security *core.Security, values map[core.Level1Field]decimal.Decimal) error {
	e.mu.Lock()
	e.setLevel1Locked(security, values)
	e.mu.Unlock()
	return e.emit(core.EventSecuritiesChanged, security)
}

func (e *Emulator) setLevel1Locked(security *core.Security, values map[core.Level1Field]decimal.Decimal) {
	m, ok := e.level1[security]
	if !ok {
		m = make(map[core.Level1Field]decimal.Decimal)
		e.level1[security] = m
	}
	for f, v := range values {
		m[f] = v
	}
}

// MarketDepth returns the book of security, creating an empty one
func (e *Emulator) MarketDepth(security *core.Security) *core.MarketDepth {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.depths[security]
	if !ok {
		d = core.NewMarketDepth(security)
		e.depths[security] = d
	}
	return d
}

// UpdateDepth replaces the book of security. Quote listeners of the book are
// notified first, then MarketDepthsChanged and SecuritiesChanged subscribers.
func (e *Emulator) UpdateDepth(security *core.Security, bids, asks []core.Quote) error {
	depth := e.MarketDepth(security)
	now := e.CurrentTime()

	var errs []error
	if err := depth.Update(bids, asks, now); err != nil {
		errs = append(errs, err)
	}

	values := make(map[core.Level1Field]decimal.Decimal, 2)
	if q, ok := depth.BestBid(); ok {
		values[core.BestBidPrice] = q.Price
	}
	if q, ok := depth.BestAsk(); ok {
		values[core.BestAskPrice] = q.Price
	}
	e.mu.Lock()
	e.setLevel1Locked(security, values)
	e.mu.Unlock()

	errs = append(errs,
		e.emit(core.EventMarketDepthsChanged, []*core.MarketDepth{depth}),
		e.emit(core.EventSecuritiesChanged, security),
	)
	return errors.Join(errs...)
}

// AddTrades publishes market trades and updates last trade prices
func (e *Emulator) AddTrades(trades ...*core.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	e.mu.Lock()
	var touched []*core.Security
	for _, t := range trades {
		e.nextTradeID++
		if t.ID == 0 {
			t.ID = e.nextTradeID
		}
		if t.Time.IsZero() {
			t.Time = e.now
		}
		e.setLevel1Locked(t.Security, map[core.Level1Field]decimal.Decimal{core.LastTradePrice: t.Price})
		if !slices.Contains(touched, t.Security) {
			touched = append(touched, t.Security)
		}
	}
	e.mu.Unlock()

	errs := []error{e.emit(core.EventNewTrades, trades)}
	for _, s := range touched {
		errs = append(errs, e.emit(core.EventSecuritiesChanged, s))
	}
	return errors.Join(errs...)
}
