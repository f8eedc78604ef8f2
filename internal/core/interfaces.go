// Package core defines the entities and collaborator interfaces shared by the rule engine
package core

import (
	"fmt"
	"time"

	apperrors "market_rules/pkg/errors"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IEventSource delivers market and trading events to subscribers.
// Handlers of one event may run in any order, possibly concurrently;
// distinct events are delivered one after another.
type IEventSource interface {
	// Subscribe registers handler for kind. The returned function removes the
	// subscription and is safe to call more than once.
	Subscribe(kind EventKind, handler func(payload any) error) (unsubscribe func(), err error)

	// CurrentTime returns the source's notion of now (market time during replay)
	CurrentTime() time.Time
}

// IMarketDataProvider exposes level-1 values of a security
type IMarketDataProvider interface {
	GetSecurityValue(security *Security, field Level1Field) (decimal.Decimal, bool)
}

// IConnector is the full trading connection seen by rule factories
type IConnector interface {
	IEventSource
	IMarketDataProvider
}

// ICandleManager notifies about candle formation
type ICandleManager interface {
	// SubscribeProcessing registers handler for every candle update of any series
	SubscribeProcessing(handler func(series *CandleSeries, candle *Candle) error) (unsubscribe func(), err error)

	// CurrentCandle returns the candle being formed for series, or nil
	CurrentCandle(series *CandleSeries) *Candle
}

// Subscribe binds a typed handler to a typed event of src
func Subscribe[P any](src IEventSource, ev Event[P], handler func(P) error) (func(), error) {
	if src == nil {
		return nil, apperrors.ErrNilSource
	}
	if handler == nil {
		return nil, apperrors.ErrNilPredicate
	}
	return src.Subscribe(ev.Kind, func(payload any) error {
		p, ok := payload.(P)
		if !ok {
			return fmt.Errorf("%w: %s delivered %T", apperrors.ErrPayloadType, ev.Kind, payload)
		}
		return handler(p)
	})
}
