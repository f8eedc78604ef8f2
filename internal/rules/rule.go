// Package rules implements the reactive rule engine: rules bound to event
// sources, the containers that own them, and AND/OR composition.
package rules

import (
	"fmt"
	"sync"
	"sync/atomic"

	"market_rules/pkg/logging"

	apperrors "market_rules/pkg/errors"

	"github.com/google/uuid"
)

// IRule is the type-erased view of a rule used by containers and combinators.
// It can only be implemented inside this package.
type IRule interface {
	fmt.Stringer

	ID() uuid.UUID
	Name() string
	SetName(name string)

	// LogLevel is the rule's own filter; logging.InheritLevel defers to the container
	LogLevel() logging.Level
	SetLogLevel(level logging.Level)

	// Token is the subject the rule watches (order, security, candle...). Nil for composites.
	Token() any

	Container() IContainer
	// SetContainer attaches the rule. A rule can be attached only once.
	SetContainer(c IContainer) error

	// IsReady reports whether the rule is attached and not disposed
	IsReady() bool
	// IsActive reports whether the action is running right now
	IsActive() bool
	IsSuspended() bool
	SetSuspended(suspended bool)

	// ExclusiveRules are removed when this rule completes
	ExclusiveRules() *RuleSet

	// CanFinish reports whether the rule's subject reached a state after which
	// the rule can be retired
	CanFinish() bool

	// Dispose runs the unsubscribe closures. Safe to call more than once.
	Dispose()
	IsDisposed() bool

	tryBegin() bool
	endActivation(retire bool) bool
	tryReserve() bool
	release()
	requestRetire()
	bindAny(fn func(any) error)
}

// activation states
const (
	stateIdle int32 = iota
	stateActive
	stateReserved
	stateDead
)

type base struct {
	id    uuid.UUID
	token any

	mu        sync.RWMutex
	name      string
	logLevel  logging.Level
	container IContainer
	once      bool
	finish    func() bool
	until     func() bool
	disposers []func()

	state       atomic.Int32
	suspended   atomic.Bool
	retireReq   atomic.Bool
	disposeOnce sync.Once
	exclusive   *RuleSet
}

func (b *base) ID() uuid.UUID { return b.id }
func (b *base) Token() any     { return b.token }

func (b *base) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.name
}

func (b *base) SetName(name string) {
	b.mu.Lock()
	b.name = name
	b.mu.Unlock()
}

func (b *base) LogLevel() logging.Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.logLevel
}

func (b *base) SetLogLevel(level logging.Level) {
	b.mu.Lock()
	b.logLevel = level
	b.mu.Unlock()
}

func (b *base) Container() IContainer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.container
}

func (b *base) SetContainer(c IContainer) error {
	if c == nil {
		return apperrors.ErrNilContainer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.container != nil {
		return apperrors.ErrAlreadyAttached
	}
	b.container = c
	return nil
}

func (b *base) IsReady() bool {
	return b.Container() != nil && b.state.Load() != stateDead
}

func (b *base) IsActive() bool              { return b.state.Load() == stateActive }
func (b *base) IsSuspended() bool           { return b.suspended.Load() }
func (b *base) SetSuspended(suspended bool) { b.suspended.Store(suspended) }
func (b *base) ExclusiveRules() *RuleSet    { return b.exclusive }
func (b *base) IsDisposed() bool            { return b.state.Load() == stateDead }

func (b *base) CanFinish() bool {
	b.mu.RLock()
	finish, until := b.finish, b.until
	b.mu.RUnlock()
	return (until != nil && until()) || (finish != nil && finish())
}

func (b *base) isOnce() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.once
}

// OnDispose registers fn to run on Dispose. If the rule is already disposed fn runs at once.
func (b *base) OnDispose(fn func()) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	if b.state.Load() == stateDead {
		b.mu.Unlock()
		fn()
		return
	}
	b.disposers = append(b.disposers, fn)
	b.mu.Unlock()
}

func (b *base) Dispose() {
	b.disposeOnce.Do(func() {
		b.mu.Lock()
		b.state.Store(stateDead)
		fns := b.disposers
		b.disposers = nil
		b.mu.Unlock()

		for _, fn := range fns {
			fn()
		}
	})
}

func (b *base) String() string { return b.Name() }

func (b *base) tryBegin() bool { return b.state.CompareAndSwap(stateIdle, stateActive) }

func (b *base) endActivation(retire bool) bool {
	if retire || b.retireReq.Load() {
		return b.state.CompareAndSwap(stateActive, stateReserved)
	}
	b.state.CompareAndSwap(stateActive, stateIdle)
	// a removal requested during the action is honored here
	return b.retireReq.Load() && b.state.CompareAndSwap(stateIdle, stateReserved)
}

func (b *base) tryReserve() bool { return b.state.CompareAndSwap(stateIdle, stateReserved) }
func (b *base) release()         { b.state.CompareAndSwap(stateReserved, stateIdle) }
func (b *base) requestRetire()   { b.retireReq.Store(true) }

// Option configures a rule at construction
type Option func(*base)

// WithName sets the display name
func WithName(name string) Option {
	return func(b *base) { b.name = name }
}

// WithLogLevel sets the rule's own log level
func WithLogLevel(level logging.Level) Option {
	return func(b *base) { b.logLevel = level }
}

// WithFinishCondition sets the subject-level finish predicate (e.g. order terminal)
func WithFinishCondition(finish func() bool) Option {
	return func(b *base) { b.finish = finish }
}

// Rule is a standing subscription that runs an action with the event argument T
type Rule[T any] struct {
	base

	action  func(T) error
	forward func(any) error
}

// New creates a detached rule watching token
func New[T any](token any, opts ...Option) *Rule[T] {
	r := &Rule[T]{}
	r.id = uuid.New()
	r.token = token
	r.logLevel = logging.InheritLevel
	r.exclusive = NewRuleSet()
	for _, opt := range opts {
		opt(&r.base)
	}
	if r.name == "" {
		r.name = fmt.Sprintf("rule %s", r.id.String()[:8])
	}
	return r
}

// Do registers action, replacing any previous one
func (r *Rule[T]) Do(action func(T)) *Rule[T] {
	if action == nil {
		return r.DoErr(nil)
	}
	return r.DoErr(func(v T) error {
		action(v)
		return nil
	})
}

// DoErr registers an action whose error is returned to the event source
func (r *Rule[T]) DoErr(action func(T) error) *Rule[T] {
	r.mu.Lock()
	r.action = action
	r.mu.Unlock()
	return r
}

// Once retires the rule after its first successful action
func (r *Rule[T]) Once() *Rule[T] {
	r.mu.Lock()
	r.once = true
	r.mu.Unlock()
	return r
}

// Until adds a finish predicate evaluated after every action
func (r *Rule[T]) Until(canFinish func() bool) *Rule[T] {
	r.mu.Lock()
	r.until = canFinish
	r.mu.Unlock()
	return r
}

func (r *Rule[T]) UpdateName(name string) *Rule[T] {
	r.SetName(name)
	return r
}

func (r *Rule[T]) UpdateLogLevel(level logging.Level) *Rule[T] {
	r.SetLogLevel(level)
	return r
}

// Suspend pauses (true) or resumes (false) activations of this rule only
func (r *Rule[T]) Suspend(suspend bool) *Rule[T] {
	r.SetSuspended(suspend)
	return r
}

// Activate is called by the underlying event source when the rule's condition holds
func (r *Rule[T]) Activate(arg T) error {
	c := r.Container()
	if c == nil || !r.IsReady() || r.IsSuspended() {
		return nil
	}
	return c.ActivateRule(r, func() (bool, error) { return r.process(arg) })
}

func (r *Rule[T]) process(arg T) (bool, error) {
	r.mu.RLock()
	action, forward := r.action, r.forward
	r.mu.RUnlock()

	if action != nil {
		if err := action(arg); err != nil {
			return false, err
		}
	}
	if forward != nil {
		if err := forward(arg); err != nil {
			return false, err
		}
	}
	return r.isOnce() || r.CanFinish(), nil
}

func (r *Rule[T]) bindAny(fn func(any) error) {
	r.mu.Lock()
	r.forward = fn
	r.mu.Unlock()
}
