package apperrors

import "errors"

// Rule construction errors
var (
	ErrNilToken          = errors.New("rule token is nil")
	ErrNilSource         = errors.New("event source is nil")
	ErrNilPredicate      = errors.New("predicate is nil")
	ErrNilContainer      = errors.New("rule container is nil")
	ErrNilRule           = errors.New("rule is nil")
	ErrNoRules           = errors.New("no rules to combine")
	ErrInvalidOffset     = errors.New("threshold offset must be positive")
	ErrNoReferenceValue  = errors.New("no current value for relative threshold")
	ErrInvalidPercent    = errors.New("percent must be positive")
	ErrUnsupportedCandle = errors.New("unsupported candle kind")
	ErrSameRule          = errors.New("rule cannot be exclusive with itself")
)

// Container errors
var (
	ErrNotSupported       = errors.New("operation not supported")
	ErrAlreadyAttached    = errors.New("rule already attached to a container")
	ErrContainerStopped   = errors.New("rule container is stopped")
	ErrNoDefaultContainer = errors.New("default rule container is not set")
)

// Event source errors
var (
	ErrPayloadType     = errors.New("unexpected event payload type")
	ErrUnknownEvent    = errors.New("unknown event kind")
	ErrOrderNotFound   = errors.New("order not found")
	ErrInvalidInterval = errors.New("interval must be positive")
)
