package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderState is the lifecycle state of an order
type OrderState int

const (
	OrderNone OrderState = iota
	OrderPending
	OrderActive
	OrderDone
	OrderFailed
)

func (s OrderState) String() string {
	switch s {
	case OrderPending:
		return "PENDING"
	case OrderActive:
		return "ACTIVE"
	case OrderDone:
		return "DONE"
	case OrderFailed:
		return "FAILED"
	default:
		return "NONE"
	}
}

// OrderType distinguishes regular orders from conditional (stop) orders
type OrderType int

const (
	OrderLimit OrderType = iota
	OrderMarket
	OrderConditional
)

// Side is the order or trade direction
type Side int

const (
	Buy Side = iota
	Sell
)

// Opposite returns the closing direction
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) String() string {
	if s == Sell {
		return "SELL"
	}
	return "BUY"
}

// Security is a tradable instrument. A security with a non-empty Basket is a
// composite whose members are matched by membership.
type Security struct {
	ID     string
	Board  string
	Basket []*Security
}

// IsBasket reports whether the security is a composite
func (s *Security) IsBasket() bool {
	return s != nil && len(s.Basket) > 0
}

// Contains reports whether other is s itself or a (nested) member of s
func (s *Security) Contains(other *Security) bool {
	if s == nil || other == nil {
		return false
	}
	if s == other {
		return true
	}
	for _, m := range s.Basket {
		if m.Contains(other) {
			return true
		}
	}
	return false
}

func (s *Security) String() string {
	if s == nil {
		return "<nil>"
	}
	if s.IsBasket() {
		return s.ID + "[" + joinNames(s.Basket) + "]"
	}
	if s.Board == "" {
		return s.ID
	}
	return s.ID + "@" + s.Board
}

// Portfolio is a trading account
type Portfolio struct {
	Name         string
	CurrentValue decimal.Decimal
}

func (p *Portfolio) String() string {
	if p == nil {
		return "<nil>"
	}
	return p.Name
}

// Position is the holding of a security in a portfolio
type Position struct {
	Security     *Security
	Portfolio    *Portfolio
	CurrentValue decimal.Decimal
}

func (p *Position) String() string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s/%s", p.Portfolio, p.Security)
}

// Order is a registered order. Event sources mutate it in place and re-deliver
// the same pointer, so rules compare orders by identity.
type Order struct {
	TransactionID int64
	ID            string
	Security      *Security
	Portfolio     *Portfolio
	Type          OrderType
	Side          Side
	Price         decimal.Decimal
	Volume        decimal.Decimal
	Balance       decimal.Decimal
	State         OrderState
	Time          time.Time

	// DerivedOrder is the regular order produced when a conditional order triggers
	DerivedOrder *Order
}

// IsMatched reports whether the order is done with nothing left
func (o *Order) IsMatched() bool {
	return o.State == OrderDone && o.Balance.IsZero()
}

// IsCanceled reports whether the order is done with volume left
func (o *Order) IsCanceled() bool {
	return o.State == OrderDone && !o.Balance.IsZero()
}

// Matched returns the executed volume
func (o *Order) Matched() decimal.Decimal {
	return o.Volume.Sub(o.Balance)
}

func (o *Order) String() string {
	if o == nil {
		return "<nil>"
	}
	return fmt.Sprintf("order %d %s %s %s@%s", o.TransactionID, o.Side, o.Security, o.Volume, o.Price)
}

// OrderFail describes a failed registration or cancellation
type OrderFail struct {
	Order *Order
	Err   error
	Time  time.Time
}

// Trade is a public market trade
type Trade struct {
	ID       int64
	Security *Security
	Price    decimal.Decimal
	Volume   decimal.Decimal
	Side     Side
	Time     time.Time
}

// MyTrade is an own trade executed against an order
type MyTrade struct {
	Order *Order
	Trade *Trade
}

// Level1Field selects a level-1 value of a security
type Level1Field int

const (
	BestBidPrice Level1Field = iota
	BestAskPrice
	LastTradePrice
)

func (f Level1Field) String() string {
	switch f {
	case BestBidPrice:
		return "BestBidPrice"
	case BestAskPrice:
		return "BestAskPrice"
	case LastTradePrice:
		return "LastTradePrice"
	default:
		return "Unknown"
	}
}

// UnitType defines how a Unit relates to a reference value
type UnitType int

const (
	// UnitAbsolute is a literal level
	UnitAbsolute UnitType = iota
	// UnitOffset is added to (or subtracted from) the reference value
	UnitOffset
	// UnitPercent is a percentage of the reference value
	UnitPercent
)

// Unit is a threshold value, either literal or relative to a current value
type Unit struct {
	Value decimal.Decimal
	Type  UnitType
}

// Absolute returns a literal unit
func Absolute(v decimal.Decimal) Unit { return Unit{Value: v, Type: UnitAbsolute} }

// Offset returns a unit relative to the current value
func Offset(v decimal.Decimal) Unit { return Unit{Value: v, Type: UnitOffset} }

// Percent returns a unit expressed as a percentage of the current value
func Percent(v decimal.Decimal) Unit { return Unit{Value: v, Type: UnitPercent} }

// IsRelative reports whether the unit needs a reference value
func (u Unit) IsRelative() bool { return u.Type != UnitAbsolute }

// Shift applies the unit to ref. up selects the direction of a relative unit.
func (u Unit) Shift(ref decimal.Decimal, up bool) decimal.Decimal {
	delta := u.Value
	switch u.Type {
	case UnitAbsolute:
		return u.Value
	case UnitPercent:
		delta = ref.Mul(u.Value).Div(decimal.NewFromInt(100))
	}
	if up {
		return ref.Add(delta)
	}
	return ref.Sub(delta)
}

func (u Unit) String() string {
	switch u.Type {
	case UnitOffset:
		return "+" + u.Value.String()
	case UnitPercent:
		return u.Value.String() + "%"
	default:
		return u.Value.String()
	}
}

// joinNames renders a list of named values
func joinNames[T fmt.Stringer](items []T) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, it.String())
	}
	return strings.Join(parts, ",")
}
