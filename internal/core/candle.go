package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CandleKind is the formation rule of a candle series
type CandleKind int

const (
	CandleTimeFrame CandleKind = iota
	CandleTick
	CandleRange
	CandleVolume
)

func (k CandleKind) String() string {
	switch k {
	case CandleTimeFrame:
		return "TimeFrame"
	case CandleTick:
		return "Tick"
	case CandleRange:
		return "Range"
	case CandleVolume:
		return "Volume"
	default:
		return "Unknown"
	}
}

// CandleState is the formation state of a candle
type CandleState int

const (
	CandleNone CandleState = iota
	CandleActive
	CandleFinished
)

// CandleSeries describes how candles of a security are built.
// Only the parameter matching Kind is meaningful.
type CandleSeries struct {
	Security   *Security
	Kind       CandleKind
	TimeFrame  time.Duration
	TradeCount int
	PriceRange decimal.Decimal
	Volume     decimal.Decimal
}

func (s *CandleSeries) String() string {
	if s == nil {
		return "<nil>"
	}
	var arg string
	switch s.Kind {
	case CandleTimeFrame:
		arg = s.TimeFrame.String()
	case CandleTick:
		arg = fmt.Sprint(s.TradeCount)
	case CandleRange:
		arg = s.PriceRange.String()
	case CandleVolume:
		arg = s.Volume.String()
	}
	return fmt.Sprintf("%s %s(%s)", s.Security, s.Kind, arg)
}

// Candle is one bar of a series
type Candle struct {
	Series      *CandleSeries
	OpenTime    time.Time
	CloseTime   time.Time
	OpenPrice   decimal.Decimal
	HighPrice   decimal.Decimal
	LowPrice    decimal.Decimal
	ClosePrice  decimal.Decimal
	TotalVolume decimal.Decimal
	TradeCount  int
	State       CandleState
}

// Bounds returns the planned time span of a time-frame candle
func (c *Candle) Bounds() (time.Time, time.Time) {
	if c.Series == nil || c.Series.Kind != CandleTimeFrame {
		return c.OpenTime, c.CloseTime
	}
	return c.OpenTime, c.OpenTime.Add(c.Series.TimeFrame)
}

func (c *Candle) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("candle %s %s O:%s H:%s L:%s C:%s V:%s",
		c.Series, c.OpenTime.Format(time.RFC3339), c.OpenPrice, c.HighPrice, c.LowPrice, c.ClosePrice, c.TotalVolume)
}
