package marketrule

import (
	"fmt"
	"sync"

	"market_rules/internal/core"
	"market_rules/internal/rules"

	apperrors "market_rules/pkg/errors"

	"github.com/shopspring/decimal"
)

func checkOrder(src core.IEventSource, order *core.Order) error {
	if src == nil {
		return apperrors.ErrNilSource
	}
	if order == nil {
		return apperrors.ErrNilToken
	}
	return nil
}

func orderTerminal(order *core.Order) func() bool {
	return func() bool {
		return order.State == core.OrderDone || order.State == core.OrderFailed
	}
}

// orderRule binds match to both the new and changed streams of order's kind.
// The rule leaves its container once the order is done or failed.
func orderRule(src core.IEventSource, order *core.Order, name string, match func(*core.Order) bool) (*rules.Rule[*core.Order], error) {
	if err := checkOrder(src, order); err != nil {
		return nil, err
	}
	newEv, changedEv := core.OrderEvents(order)
	filter := func(o *core.Order) (*core.Order, bool) { return o, o == order && match(o) }
	finished := orderTerminal(order)
	return newRule(order, name, finished,
		on(src, newEv, filter),
		onRetiring(src, changedEv, filter, finished),
	)
}

// WhenRegistered fires once when order becomes active
func WhenRegistered(src core.IEventSource, order *core.Order) (*rules.Rule[*core.Order], error) {
	r, err := orderRule(src, order, fmt.Sprintf("%s registered", order), func(o *core.Order) bool {
		return o.State == core.OrderActive
	})
	if err != nil {
		return nil, err
	}
	return r.Once(), nil
}

// WhenActivated fires once when a conditional order produced its derived order.
// The argument is the derived order.
func WhenActivated(src core.IEventSource, order *core.Order) (*rules.Rule[*core.Order], error) {
	if err := checkOrder(src, order); err != nil {
		return nil, err
	}
	_, changedEv := core.OrderEvents(order)
	finished := orderTerminal(order)
	r, err := newRule(order, fmt.Sprintf("%s activated", order), finished,
		onRetiring(src, changedEv, func(o *core.Order) (*core.Order, bool) {
			return o.DerivedOrder, o == order && o.DerivedOrder != nil
		}, func() bool {
			return order.State == core.OrderFailed || (order.State == core.OrderDone && order.DerivedOrder == nil)
		}),
	)
	if err != nil {
		return nil, err
	}
	return r.Once(), nil
}

// WhenPartiallyMatched fires each time the balance of order changes while
// volume is still left
func WhenPartiallyMatched(src core.IEventSource, order *core.Order) (*rules.Rule[*core.Order], error) {
	if order == nil {
		return nil, apperrors.ErrNilToken
	}
	var (
		mu   sync.Mutex
		last = order.Balance
	)
	return orderRule(src, order, fmt.Sprintf("%s partially matched", order), func(o *core.Order) bool {
		mu.Lock()
		defer mu.Unlock()
		if o.Balance.Equal(last) {
			return false
		}
		last = o.Balance
		return !o.Balance.IsZero() && o.Balance.LessThan(o.Volume)
	})
}

// WhenMatched fires once when order is fully executed
func WhenMatched(src core.IEventSource, order *core.Order) (*rules.Rule[*core.Order], error) {
	r, err := orderRule(src, order, fmt.Sprintf("%s matched", order), (*core.Order).IsMatched)
	if err != nil {
		return nil, err
	}
	return r.Once(), nil
}

// WhenCanceled fires once when order is done with volume left
func WhenCanceled(src core.IEventSource, order *core.Order) (*rules.Rule[*core.Order], error) {
	r, err := orderRule(src, order, fmt.Sprintf("%s canceled", order), (*core.Order).IsCanceled)
	if err != nil {
		return nil, err
	}
	return r.Once(), nil
}

// WhenOrderChanged fires on every change of order
func WhenOrderChanged(src core.IEventSource, order *core.Order) (*rules.Rule[*core.Order], error) {
	return orderRule(src, order, fmt.Sprintf("%s changed", order), func(*core.Order) bool { return true })
}

// WhenOrderChangedWhere fires on changes of order for which pred holds
func WhenOrderChangedWhere(src core.IEventSource, order *core.Order, pred func(*core.Order) bool) (*rules.Rule[*core.Order], error) {
	if pred == nil {
		return nil, apperrors.ErrNilPredicate
	}
	return orderRule(src, order, fmt.Sprintf("%s changed (filtered)", order), pred)
}

func failRule(src core.IEventSource, order *core.Order, register bool, name string) (*rules.Rule[*core.OrderFail], error) {
	if err := checkOrder(src, order); err != nil {
		return nil, err
	}
	regEv, cancelEv := core.OrderFailEvents(order)
	ev := cancelEv
	if register {
		ev = regEv
	}
	_, changedEv := core.OrderEvents(order)
	finished := orderTerminal(order)
	return newRule(order, name, finished,
		on(src, ev, func(f *core.OrderFail) (*core.OrderFail, bool) { return f, f.Order == order }),
		retireOn[*core.Order, *core.OrderFail](src, changedEv, finished),
	)
}

// WhenRegisterFailed fires once when the registration of order is rejected
func WhenRegisterFailed(src core.IEventSource, order *core.Order) (*rules.Rule[*core.OrderFail], error) {
	r, err := failRule(src, order, true, fmt.Sprintf("%s register failed", order))
	if err != nil {
		return nil, err
	}
	return r.Once(), nil
}

// WhenCancelFailed fires every time a cancellation of order fails
func WhenCancelFailed(src core.IEventSource, order *core.Order) (*rules.Rule[*core.OrderFail], error) {
	return failRule(src, order, false, fmt.Sprintf("%s cancel failed", order))
}

// tradeTracker accumulates own trades of an order. For a conditional order
// the trades of its derived order count.
type tradeTracker struct {
	order *core.Order

	mu       sync.Mutex
	received decimal.Decimal
	trades   []*core.MyTrade
}

func (t *tradeTracker) target() *core.Order {
	if t.order.Type == core.OrderConditional && t.order.DerivedOrder != nil {
		return t.order.DerivedOrder
	}
	return t.order
}

// take filters trades of the tracked order and records them
func (t *tradeTracker) take(trades []*core.MyTrade) []*core.MyTrade {
	target := t.target()
	var own []*core.MyTrade
	for _, mt := range trades {
		if mt.Order == target {
			own = append(own, mt)
		}
	}
	if len(own) == 0 {
		return nil
	}
	t.mu.Lock()
	for _, mt := range own {
		t.received = t.received.Add(mt.Trade.Volume)
	}
	t.trades = append(t.trades, own...)
	t.mu.Unlock()
	return own
}

// complete reports whether the order is done and every executed unit was received
func (t *tradeTracker) complete() bool {
	target := t.target()
	if target.State != core.OrderDone {
		return false
	}
	if t.order.Type == core.OrderConditional && t.order.DerivedOrder == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received.Equal(target.Matched())
}

func (t *tradeTracker) failed() bool {
	return t.order.State == core.OrderFailed || t.target().State == core.OrderFailed
}

func (t *tradeTracker) all() []*core.MyTrade {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*core.MyTrade, len(t.trades))
	copy(out, t.trades)
	return out
}

// WhenNewTrades fires with every batch of own trades of order. It finishes
// once the order failed or all of its executed volume was received.
func WhenNewTrades(src core.IEventSource, order *core.Order) (*rules.Rule[[]*core.MyTrade], error) {
	if err := checkOrder(src, order); err != nil {
		return nil, err
	}
	tr := &tradeTracker{order: order}
	finished := func() bool { return tr.failed() || tr.complete() }
	_, changedEv := core.OrderEvents(order)
	return newRule(order, fmt.Sprintf("%s new trades", order), finished,
		on(src, core.NewMyTrades, func(trades []*core.MyTrade) ([]*core.MyTrade, bool) {
			own := tr.take(trades)
			return own, len(own) > 0
		}),
		retireOn[*core.Order, []*core.MyTrade](src, changedEv, tr.failed),
	)
}

// WhenAllTrades fires once, with every own trade of order, when the order is
// done and the received volume equals Volume minus Balance
func WhenAllTrades(src core.IEventSource, order *core.Order) (*rules.Rule[[]*core.MyTrade], error) {
	if err := checkOrder(src, order); err != nil {
		return nil, err
	}
	tr := &tradeTracker{order: order}

	var once sync.Once
	ready := func() ([]*core.MyTrade, bool) {
		if !tr.complete() {
			return nil, false
		}
		fire := false
		once.Do(func() { fire = true })
		return tr.all(), fire
	}

	_, changedEv := core.OrderEvents(order)
	onOrder := func(o *core.Order) ([]*core.MyTrade, bool) {
		if o != order && o != order.DerivedOrder {
			return nil, false
		}
		return ready()
	}
	binds := []binding[[]*core.MyTrade]{
		on(src, core.NewMyTrades, func(trades []*core.MyTrade) ([]*core.MyTrade, bool) {
			tr.take(trades)
			return ready()
		}),
		onRetiring(src, changedEv, onOrder, tr.failed),
	}
	if order.Type == core.OrderConditional {
		// the derived order is a regular one
		binds = append(binds, on(src, core.OrdersChanged, onOrder))
	}

	r, err := newRule(order, fmt.Sprintf("%s all trades", order), tr.failed, binds...)
	if err != nil {
		return nil, err
	}
	return r.Once(), nil
}
