package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes only the Prometheus exporter and sets the global meter
// provider. Used when tracing and log export are disabled.
func InitMetrics() (*metric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	// Initialize instruments
	holder := GetGlobalMetrics()
	meter := provider.Meter("market_rules_core")
	if err := holder.InitMetrics(meter); err != nil {
		return nil, fmt.Errorf("failed to initialize instruments: %w", err)
	}

	return provider, nil
}
