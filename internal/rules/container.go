package rules

import (
	"context"
	"sync"
	"time"

	"market_rules/internal/core"
	"market_rules/pkg/logging"
	"market_rules/pkg/telemetry"

	apperrors "market_rules/pkg/errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ProcessState is the lifecycle state of a container
type ProcessState int

const (
	Started ProcessState = iota
	Stopping
	Stopped
)

func (s ProcessState) String() string {
	switch s {
	case Started:
		return "Started"
	case Stopping:
		return "Stopping"
	default:
		return "Stopped"
	}
}

// IContainer owns rules and mediates their activation and removal
type IContainer interface {
	Name() string
	Logger() core.ILogger
	LogLevel() logging.Level
	CurrentTime() time.Time
	ProcessState() ProcessState

	IsRulesSuspended() bool
	SuspendRules() error
	ResumeRules() error

	AddRule(rule IRule) error
	// RemoveRule disposes and drops rule. A rule removed from inside its own
	// action is dropped when the action returns.
	RemoveRule(rule IRule) bool
	Rules() []IRule

	// ActivateRule runs process under the rule's re-entrancy guard. process
	// reports whether the rule should retire.
	ActivateRule(rule IRule, process func() (bool, error)) error

	removeReserved(rule IRule, reason string) bool
}

// ContainerOption configures a Container
type ContainerOption func(*Container)

func WithContainerName(name string) ContainerOption {
	return func(c *Container) { c.name = name }
}

func WithLogger(logger core.ILogger) ContainerOption {
	return func(c *Container) { c.logger = logger }
}

func WithContainerLogLevel(level logging.Level) ContainerOption {
	return func(c *Container) { c.logLevel = level }
}

// WithClock sets the time source, typically the connector's market time
func WithClock(now func() time.Time) ContainerOption {
	return func(c *Container) { c.now = now }
}

// Container is the default IContainer
type Container struct {
	name     string
	logger   core.ILogger
	logLevel logging.Level
	now      func() time.Time
	metrics  *telemetry.MetricsHolder
	tracer   trace.Tracer

	mu           sync.Mutex
	rules        *RuleSet
	suspendCount int
	state        ProcessState
	done         chan struct{}
}

// WithTracer sets the tracer for activation spans; the global provider's otherwise
func WithTracer(tracer trace.Tracer) ContainerOption {
	return func(c *Container) { c.tracer = tracer }
}

// NewContainer creates a started container
func NewContainer(opts ...ContainerOption) *Container {
	c := &Container{
		name:     "rules",
		logger:   logging.GetGlobalLogger(),
		logLevel: logging.InfoLevel,
		now:      time.Now,
		metrics:  telemetry.GetGlobalMetrics(),
		tracer:   telemetry.GetTracer("rules"),
		rules:    NewRuleSet(),
		state:    Started,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("component", "rule_container").WithField("container", c.name)
	return c
}

func (c *Container) Name() string            { return c.name }
func (c *Container) Logger() core.ILogger    { return c.logger }
func (c *Container) LogLevel() logging.Level { return c.logLevel }
func (c *Container) CurrentTime() time.Time  { return c.now() }

func (c *Container) ProcessState() ProcessState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the container reached Stopped
func (c *Container) Done() <-chan struct{} { return c.done }

func (c *Container) IsRulesSuspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspendCount > 0
}

// SuspendRules increments the suspend counter. Activations are dropped while it is positive.
func (c *Container) SuspendRules() error {
	c.mu.Lock()
	c.suspendCount++
	n := c.suspendCount
	c.mu.Unlock()
	AddRuleLog(c, logging.DebugLevel, nil, "rules suspended", "depth", n)
	return nil
}

// ResumeRules decrements the suspend counter; it never goes below zero
func (c *Container) ResumeRules() error {
	c.mu.Lock()
	if c.suspendCount > 0 {
		c.suspendCount--
	}
	n := c.suspendCount
	c.mu.Unlock()
	AddRuleLog(c, logging.DebugLevel, nil, "rules resumed", "depth", n)
	return nil
}

func (c *Container) AddRule(rule IRule) error {
	if rule == nil {
		return apperrors.ErrNilRule
	}

	c.mu.Lock()
	if c.state != Started {
		c.mu.Unlock()
		return apperrors.ErrContainerStopped
	}
	if err := rule.SetContainer(c); err != nil {
		c.mu.Unlock()
		return err
	}
	c.rules.Add(rule)
	n := c.rules.Len()
	c.mu.Unlock()

	c.metrics.SetActiveRules(c.name, int64(n))
	AddRuleLog(c, logging.DebugLevel, rule, "rule added")
	return nil
}

func (c *Container) RemoveRule(rule IRule) bool {
	if rule == nil || !c.rules.Contains(rule) {
		return false
	}
	return removeOrDefer(c, rule, telemetry.RemovalExplicit)
}

// Rules returns a snapshot in insertion order
func (c *Container) Rules() []IRule {
	return c.rules.Snapshot()
}

// TryRemoveRule removes rule when it is idle and, if checkCanFinish is set, finishable
func (c *Container) TryRemoveRule(rule IRule, checkCanFinish bool) bool {
	if rule == nil || rule.Container() != IContainer(c) {
		return false
	}
	return tryRemove(rule, checkCanFinish, telemetry.RemovalExplicit)
}

func (c *Container) ActivateRule(rule IRule, process func() (bool, error)) error {
	c.mu.Lock()
	switch {
	case c.state != Started || !c.rules.Contains(rule) || !rule.IsReady():
		c.mu.Unlock()
		c.skip(rule, telemetry.SkipNotReady)
		return nil
	case c.suspendCount > 0:
		c.mu.Unlock()
		c.skip(rule, telemetry.SkipSuspended)
		return nil
	case !rule.tryBegin():
		c.mu.Unlock()
		c.skip(rule, telemetry.SkipBusy)
		return nil
	}
	c.mu.Unlock()

	AddRuleLog(c, logging.DebugLevel, rule, "rule activated")

	ctx, span := c.tracer.Start(context.Background(), "rule.activate",
		trace.WithAttributes(
			attribute.String("rule.name", rule.Name()),
			attribute.String("rule.container", c.name),
		),
	)
	defer span.End()

	start := time.Now()
	retire, err := runProcess(rule, process, c.retire)
	c.metrics.RecordActivation(ctx, c.name, time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rule action failed")
		AddRuleLog(c, logging.ErrorLevel, rule, "rule action failed", "error", err)
		retire = false
	}
	if c.ProcessState() == Stopping {
		retire = true
	}

	if rule.endActivation(retire) {
		c.retire(rule)
	} else if c.ProcessState() == Stopping && rule.tryReserve() {
		c.retire(rule)
	}
	return err
}

// runProcess leaves the re-entrancy guard if process panics. A removal
// requested before the panic is still carried out through retire.
func runProcess(rule IRule, process func() (bool, error), retire func(IRule)) (done bool, err error) {
	ok := false
	defer func() {
		if !ok && rule.endActivation(false) {
			retire(rule)
		}
	}()
	done, err = process()
	ok = true
	return done, err
}

func (c *Container) retire(rule IRule) {
	if !c.removeReserved(rule, telemetry.RemovalRetired) {
		return
	}
	cascadeExclusive(rule)
}

func (c *Container) skip(rule IRule, reason string) {
	c.metrics.RecordSkip(context.Background(), c.name, reason)
	AddRuleLog(c, logging.DebugLevel, rule, "rule activation skipped", "reason", reason)
}

func (c *Container) removeReserved(rule IRule, reason string) bool {
	if !c.rules.Contains(rule) {
		rule.release()
		return false
	}

	rule.Dispose()

	c.mu.Lock()
	c.rules.Remove(rule)
	n := c.rules.Len()
	if c.state == Stopping && n == 0 {
		c.markStopped()
	}
	c.mu.Unlock()

	c.metrics.SetActiveRules(c.name, int64(n))
	c.metrics.RecordRemoval(context.Background(), c.name, reason)
	AddRuleLog(c, logging.DebugLevel, rule, "rule removed", "reason", reason)
	return true
}

// Stop tears the container down. Idle rules are removed at once; a rule whose
// action is running is removed when the action returns. Done is closed after
// the last rule is gone.
func (c *Container) Stop() {
	c.mu.Lock()
	if c.state != Started {
		c.mu.Unlock()
		return
	}
	c.state = Stopping
	if c.rules.Len() == 0 {
		c.markStopped()
	}
	c.mu.Unlock()

	AddRuleLog(c, logging.InfoLevel, nil, "rule container stopping", "rules", c.rules.Len())

	for _, rule := range c.rules.Snapshot() {
		removeOrDefer(c, rule, telemetry.RemovalTeardown)
	}
}

// markStopped must be called with c.mu held
func (c *Container) markStopped() {
	if c.state == Stopped {
		return
	}
	c.state = Stopped
	close(c.done)
}

func (c *Container) String() string { return c.name }

// removeOrDefer removes an idle rule now, or flags an active one so it is
// dropped when its action returns
func removeOrDefer(c IContainer, rule IRule, reason string) bool {
	if rule.tryReserve() {
		return c.removeReserved(rule, reason)
	}
	rule.requestRetire()
	if rule.tryReserve() {
		return c.removeReserved(rule, reason)
	}
	return rule.IsActive()
}

// tryRemove reserves the idle rule so no activation can start, then removes it
func tryRemove(rule IRule, checkCanFinish bool, reason string) bool {
	c := rule.Container()
	if c == nil || !rule.tryReserve() {
		return false
	}
	if checkCanFinish && !rule.CanFinish() {
		rule.release()
		return false
	}
	return c.removeReserved(rule, reason)
}

// cascadeExclusive takes the exclusive set of a removed rule and removes every
// partner that is idle
func cascadeExclusive(rule IRule) []IRule {
	var removed []IRule
	for _, ex := range rule.ExclusiveRules().TakeAll() {
		ex.ExclusiveRules().Remove(rule)
		if tryRemove(ex, false, telemetry.RemovalExclusive) {
			removed = append(removed, ex)
			AddRuleLog(rule.Container(), logging.DebugLevel, ex, "exclusive rule removed", "by", rule)
		}
	}
	return removed
}
