package connector

import (
	"errors"
	"fmt"

	"market_rules/internal/core"

	apperrors "market_rules/pkg/errors"

	"github.com/shopspring/decimal"
)

func (e *Emulator) orderEvents(order *core.Order) (core.EventKind, core.EventKind) {
	newEv, changedEv := core.OrderEvents(order)
	return newEv.Kind, changedEv.Kind
}

// RegisterOrder accepts order: it gets a transaction id, becomes Active with
// its full volume as balance, and is announced as a new (stop) order.
func (e *Emulator) RegisterOrder(order *core.Order) error {
	e.mu.Lock()
	e.nextTxID++
	order.TransactionID = e.nextTxID
	if order.ID == "" {
		order.ID = fmt.Sprintf("%s-%d", e.name, order.TransactionID)
	}
	order.State = core.OrderActive
	order.Balance = order.Volume
	order.Time = e.now
	e.orders[order.TransactionID] = order
	e.mu.Unlock()

	e.logger.Debug("Order registered", "tx_id", order.TransactionID, "security", order.Security.String())

	newEv, _ := e.orderEvents(order)
	return e.emit(newEv, order)
}

// Order looks an order up by transaction id
func (e *Emulator) Order(txID int64) (*core.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", apperrors.ErrOrderNotFound, txID)
	}
	return o, nil
}

// FailRegistration rejects order
func (e *Emulator) FailRegistration(order *core.Order, reason error) error {
	e.mu.Lock()
	if order.TransactionID == 0 {
		e.nextTxID++
		order.TransactionID = e.nextTxID
	}
	order.State = core.OrderFailed
	order.Time = e.now
	fail := &core.OrderFail{Order: order, Err: reason, Time: e.now}
	e.mu.Unlock()

	failEv, _ := core.OrderFailEvents(order)
	_, changedEv := e.orderEvents(order)
	return errors.Join(
		e.emit(failEv.Kind, fail),
		e.emit(changedEv, order),
	)
}

// Cancel finishes order with its remaining balance
func (e *Emulator) Cancel(order *core.Order) error {
	e.mu.Lock()
	if order.State != core.OrderActive {
		e.mu.Unlock()
		return nil
	}
	order.State = core.OrderDone
	order.Time = e.now
	e.mu.Unlock()

	_, changedEv := e.orderEvents(order)
	return e.emit(changedEv, order)
}

// Replace moves an active order to a new price keeping its balance
func (e *Emulator) Replace(order *core.Order, price decimal.Decimal) error {
	e.mu.Lock()
	if order.State != core.OrderActive {
		e.mu.Unlock()
		return fmt.Errorf("order %d is not active", order.TransactionID)
	}
	order.Price = price
	order.Time = e.now
	e.mu.Unlock()

	_, changedEv := e.orderEvents(order)
	return e.emit(changedEv, order)
}

// FailCancel reports that cancelling order failed. The order stays active.
func (e *Emulator) FailCancel(order *core.Order, reason error) error {
	e.mu.RLock()
	fail := &core.OrderFail{Order: order, Err: reason, Time: e.now}
	e.mu.RUnlock()

	_, failEv := core.OrderFailEvents(order)
	return e.emit(failEv.Kind, fail)
}

// Match executes volume of order at price. The order change is announced
// first, then the own trade, then the position change.
func (e *Emulator) Match(order *core.Order, volume, price decimal.Decimal) error {
	if order.Type == core.OrderConditional {
		return fmt.Errorf("conditional order %d cannot be matched directly", order.TransactionID)
	}

	e.mu.Lock()
	if order.State != core.OrderActive {
		e.mu.Unlock()
		return fmt.Errorf("order %d is not active", order.TransactionID)
	}
	if volume.GreaterThan(order.Balance) {
		volume = order.Balance
	}
	order.Balance = order.Balance.Sub(volume)
	order.Time = e.now
	if order.Balance.IsZero() {
		order.State = core.OrderDone
	}

	e.nextTradeID++
	trade := &core.Trade{
		ID:       e.nextTradeID,
		Security: order.Security,
		Price:    price,
		Volume:   volume,
		Side:     order.Side,
		Time:     e.now,
	}
	myTrade := &core.MyTrade{Order: order, Trade: trade}

	pos := e.positionLocked(order.Portfolio, order.Security)
	delta := volume
	if order.Side == core.Sell {
		delta = delta.Neg()
	}
	pos.CurrentValue = pos.CurrentValue.Add(delta)
	e.mu.Unlock()

	_, changedEv := e.orderEvents(order)
	return errors.Join(
		e.emit(changedEv, order),
		e.emit(core.EventNewMyTrades, []*core.MyTrade{myTrade}),
		e.emit(core.EventPositionsChanged, pos),
	)
}

// Trigger activates a conditional order: it is done and derived is registered
// as the resulting regular order.
func (e *Emulator) Trigger(stop *core.Order, derived *core.Order) error {
	if stop.Type != core.OrderConditional {
		return fmt.Errorf("order %d is not conditional", stop.TransactionID)
	}
	if err := e.RegisterOrder(derived); err != nil {
		return err
	}

	e.mu.Lock()
	stop.DerivedOrder = derived
	stop.State = core.OrderDone
	stop.Balance = decimal.Zero
	stop.Time = e.now
	e.mu.Unlock()

	_, changedEv := e.orderEvents(stop)
	return e.emit(changedEv, stop)
}
