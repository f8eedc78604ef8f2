package core

import "time"

// EventKind identifies an event stream of an IEventSource
type EventKind int

const (
	EventNewOrders EventKind = iota
	EventOrdersChanged
	EventNewStopOrders
	EventStopOrdersChanged
	EventOrdersRegisterFailed
	EventStopOrdersRegisterFailed
	EventOrdersCancelFailed
	EventStopOrdersCancelFailed
	EventNewMyTrades
	EventPositionsChanged
	EventPortfoliosChanged
	EventSecuritiesChanged
	EventNewTrades
	EventMarketDepthsChanged
	EventTimeChanged
)

var eventKindNames = [...]string{
	"NewOrders",
	"OrdersChanged",
	"NewStopOrders",
	"StopOrdersChanged",
	"OrdersRegisterFailed",
	"StopOrdersRegisterFailed",
	"OrdersCancelFailed",
	"StopOrdersCancelFailed",
	"NewMyTrades",
	"PositionsChanged",
	"PortfoliosChanged",
	"SecuritiesChanged",
	"NewTrades",
	"MarketDepthsChanged",
	"TimeChanged",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return "Unknown"
	}
	return eventKindNames[k]
}

// Event is a typed descriptor of an event stream carrying payload P
type Event[P any] struct {
	Kind EventKind
}

func (e Event[P]) String() string { return e.Kind.String() }

// Event descriptors
var (
	NewOrders                = Event[*Order]{Kind: EventNewOrders}
	OrdersChanged            = Event[*Order]{Kind: EventOrdersChanged}
	NewStopOrders            = Event[*Order]{Kind: EventNewStopOrders}
	StopOrdersChanged        = Event[*Order]{Kind: EventStopOrdersChanged}
	OrdersRegisterFailed     = Event[*OrderFail]{Kind: EventOrdersRegisterFailed}
	StopOrdersRegisterFailed = Event[*OrderFail]{Kind: EventStopOrdersRegisterFailed}
	OrdersCancelFailed       = Event[*OrderFail]{Kind: EventOrdersCancelFailed}
	StopOrdersCancelFailed   = Event[*OrderFail]{Kind: EventStopOrdersCancelFailed}
	NewMyTrades              = Event[[]*MyTrade]{Kind: EventNewMyTrades}
	PositionsChanged         = Event[*Position]{Kind: EventPositionsChanged}
	PortfoliosChanged        = Event[*Portfolio]{Kind: EventPortfoliosChanged}
	SecuritiesChanged        = Event[*Security]{Kind: EventSecuritiesChanged}
	NewTrades                = Event[[]*Trade]{Kind: EventNewTrades}
	MarketDepthsChanged      = Event[[]*MarketDepth]{Kind: EventMarketDepthsChanged}
	TimeChanged              = Event[time.Time]{Kind: EventTimeChanged}
)

// OrderEvents returns the (new, changed) descriptors matching the order type
func OrderEvents(order *Order) (Event[*Order], Event[*Order]) {
	if order.Type == OrderConditional {
		return NewStopOrders, StopOrdersChanged
	}
	return NewOrders, OrdersChanged
}

// OrderFailEvents returns the (register failed, cancel failed) descriptors matching the order type
func OrderFailEvents(order *Order) (Event[*OrderFail], Event[*OrderFail]) {
	if order.Type == OrderConditional {
		return StopOrdersRegisterFailed, StopOrdersCancelFailed
	}
	return OrdersRegisterFailed, OrdersCancelFailed
}
