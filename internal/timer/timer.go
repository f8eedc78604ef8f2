// Package timer provides a timer driven by an event source's market time
package timer

import (
	"sync"
	"time"

	"market_rules/internal/core"

	apperrors "market_rules/pkg/errors"
)

// MarketTimer calls back every interval of market time. It is driven by
// TimeChanged notifications, so during replay time may jump by more than one
// interval: the timer then fires once and re-anchors to its schedule.
type MarketTimer struct {
	src      core.IEventSource
	callback func() error

	mu       sync.Mutex
	interval time.Duration
	started  bool
	next     time.Time
	unsub    func()
	disposed bool
}

// New creates a stopped timer
func New(src core.IEventSource, callback func() error) (*MarketTimer, error) {
	if src == nil {
		return nil, apperrors.ErrNilSource
	}
	if callback == nil {
		return nil, apperrors.ErrNilPredicate
	}
	return &MarketTimer{src: src, callback: callback}, nil
}

// Interval sets the period used by the next Start
func (t *MarketTimer) Interval(d time.Duration) error {
	if d <= 0 {
		return apperrors.ErrInvalidInterval
	}
	t.mu.Lock()
	t.interval = d
	t.mu.Unlock()
	return nil
}

// Start (re)arms the timer one interval after the source's current time
func (t *MarketTimer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed {
		return nil
	}
	if t.interval <= 0 {
		return apperrors.ErrInvalidInterval
	}
	if t.unsub == nil {
		unsub, err := core.Subscribe(t.src, core.TimeChanged, t.onTime)
		if err != nil {
			return err
		}
		t.unsub = unsub
	}
	t.next = t.src.CurrentTime().Add(t.interval)
	t.started = true
	return nil
}

// Stop disarms the timer; Start re-arms it
func (t *MarketTimer) Stop() {
	t.mu.Lock()
	t.started = false
	t.mu.Unlock()
}

func (t *MarketTimer) IsStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Dispose stops the timer and releases its subscription
func (t *MarketTimer) Dispose() {
	t.mu.Lock()
	t.started = false
	t.disposed = true
	unsub := t.unsub
	t.unsub = nil
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (t *MarketTimer) onTime(now time.Time) error {
	t.mu.Lock()
	if !t.started || now.Before(t.next) {
		t.mu.Unlock()
		return nil
	}
	for !t.next.After(now) {
		t.next = t.next.Add(t.interval)
	}
	t.mu.Unlock()

	return t.callback()
}
