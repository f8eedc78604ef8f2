package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names
const (
	MetricRuleActivationsTotal = "market_rules_activations_total"
	MetricRuleSkippedTotal     = "market_rules_activations_skipped_total"
	MetricRuleActionErrors     = "market_rules_action_errors_total"
	MetricRuleRemovalsTotal    = "market_rules_removals_total"
	MetricRuleActionLatency    = "market_rules_action_latency_ms"
	MetricRulesActive          = "market_rules_active"
	MetricEventsDispatched     = "market_rules_events_dispatched_total"
	MetricAlertsSentTotal      = "market_rules_alerts_sent_total"
)

// Skip reasons
const (
	SkipSuspended = "suspended"
	SkipBusy      = "busy"
	SkipNotReady  = "not_ready"
)

// Removal reasons
const (
	RemovalRetired   = "retired"
	RemovalExclusive = "exclusive"
	RemovalExplicit  = "explicit"
	RemovalTeardown  = "teardown"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	RuleActivationsTotal metric.Int64Counter
	RuleSkippedTotal     metric.Int64Counter
	RuleActionErrors     metric.Int64Counter
	RuleRemovalsTotal    metric.Int64Counter
	RuleActionLatency    metric.Float64Histogram
	RulesActive          metric.Int64ObservableGauge
	EventsDispatched     metric.Int64Counter
	AlertsSentTotal      metric.Int64Counter

	// State for observable gauges
	mu             sync.RWMutex
	activeRulesMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Until InitMetrics is
// called with a real meter the instruments are no-ops.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			activeRulesMap: make(map[string]int64),
		}
		_ = globalMetrics.InitMetrics(noop.NewMeterProvider().Meter("noop"))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.RuleActivationsTotal, err = meter.Int64Counter(MetricRuleActivationsTotal, metric.WithDescription("Rule actions executed"))
	if err != nil {
		return err
	}

	m.RuleSkippedTotal, err = meter.Int64Counter(MetricRuleSkippedTotal, metric.WithDescription("Rule activations dropped before the action ran"))
	if err != nil {
		return err
	}

	m.RuleActionErrors, err = meter.Int64Counter(MetricRuleActionErrors, metric.WithDescription("Rule actions that returned an error"))
	if err != nil {
		return err
	}

	m.RuleRemovalsTotal, err = meter.Int64Counter(MetricRuleRemovalsTotal, metric.WithDescription("Rules removed from containers"))
	if err != nil {
		return err
	}

	m.RuleActionLatency, err = meter.Float64Histogram(MetricRuleActionLatency, metric.WithDescription("Duration of rule actions"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.EventsDispatched, err = meter.Int64Counter(MetricEventsDispatched, metric.WithDescription("Events delivered by event sources"))
	if err != nil {
		return err
	}

	m.AlertsSentTotal, err = meter.Int64Counter(MetricAlertsSentTotal, metric.WithDescription("Alerts delivered to channels"))
	if err != nil {
		return err
	}

	// Observables
	m.RulesActive, err = meter.Int64ObservableGauge(MetricRulesActive, metric.WithDescription("Rules currently attached to a container"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for name, val := range m.activeRulesMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("container", name)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// RecordActivation counts an executed action and its duration
func (m *MetricsHolder) RecordActivation(ctx context.Context, container string, took time.Duration, actionErr error) {
	attrs := metric.WithAttributes(attribute.String("container", container))
	m.RuleActivationsTotal.Add(ctx, 1, attrs)
	m.RuleActionLatency.Record(ctx, float64(took.Microseconds())/1000, attrs)
	if actionErr != nil {
		m.RuleActionErrors.Add(ctx, 1, attrs)
	}
}

func (m *MetricsHolder) RecordSkip(ctx context.Context, container, reason string) {
	m.RuleSkippedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("container", container),
		attribute.String("reason", reason),
	))
}

func (m *MetricsHolder) RecordRemoval(ctx context.Context, container, reason string) {
	m.RuleRemovalsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("container", container),
		attribute.String("reason", reason),
	))
}

func (m *MetricsHolder) RecordEvent(ctx context.Context, source, kind string) {
	m.EventsDispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("kind", kind),
	))
}

func (m *MetricsHolder) RecordAlert(ctx context.Context, channel string, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.AlertsSentTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("status", status),
	))
}

// Helpers to update observable state

func (m *MetricsHolder) SetActiveRules(container string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeRulesMap[container] = count
}

func (m *MetricsHolder) GetActiveRules() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.activeRulesMap {
		res[k] = v
	}
	return res
}
