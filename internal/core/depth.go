package core

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one price level of an order book
type Quote struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
	Side   Side
}

// MarketDepth is the order book of a security. It is safe for concurrent use.
type MarketDepth struct {
	Security *Security

	mu        sync.RWMutex
	bids      []Quote
	asks      []Quote
	updated   time.Time
	nextID    int
	listeners map[int]func(*MarketDepth) error
	order     []int
}

// NewMarketDepth creates an empty book
func NewMarketDepth(security *Security) *MarketDepth {
	return &MarketDepth{
		Security:  security,
		listeners: make(map[int]func(*MarketDepth) error),
	}
}

// Update replaces the book content and notifies quote listeners.
// Bids are kept in descending and asks in ascending price order.
func (d *MarketDepth) Update(bids, asks []Quote, t time.Time) error {
	b := slices.Clone(bids)
	a := slices.Clone(asks)
	slices.SortStableFunc(b, func(x, y Quote) int { return y.Price.Cmp(x.Price) })
	slices.SortStableFunc(a, func(x, y Quote) int { return x.Price.Cmp(y.Price) })

	d.mu.Lock()
	d.bids, d.asks, d.updated = b, a, t
	handlers := make([]func(*MarketDepth) error, 0, len(d.order))
	for _, id := range d.order {
		handlers = append(handlers, d.listeners[id])
	}
	d.mu.Unlock()

	var errs []error
	for _, h := range handlers {
		if err := h(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SubscribeQuotesChanged registers fn for every Update. The returned function
// unsubscribes and may be called repeatedly.
func (d *MarketDepth) SubscribeQuotesChanged(fn func(*MarketDepth) error) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.order = append(d.order, id)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.listeners, id)
			d.order = slices.DeleteFunc(d.order, func(v int) bool { return v == id })
		})
	}
}

// Bids returns a copy of the bid side
func (d *MarketDepth) Bids() []Quote {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.bids)
}

// Asks returns a copy of the ask side
func (d *MarketDepth) Asks() []Quote {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.asks)
}

// BestBid returns the highest bid
func (d *MarketDepth) BestBid() (Quote, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.bids) == 0 {
		return Quote{}, false
	}
	return d.bids[0], true
}

// BestAsk returns the lowest ask
func (d *MarketDepth) BestAsk() (Quote, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.asks) == 0 {
		return Quote{}, false
	}
	return d.asks[0], true
}

// Spread returns best ask minus best bid; false unless both sides are present
func (d *MarketDepth) Spread() (decimal.Decimal, bool) {
	bid, okBid := d.BestBid()
	ask, okAsk := d.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// LastUpdated returns the time of the last Update
func (d *MarketDepth) LastUpdated() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.updated
}

func (d *MarketDepth) String() string {
	return "depth " + d.Security.String()
}
