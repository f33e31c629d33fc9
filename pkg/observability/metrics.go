package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the counters the ingestion and delivery pipelines report.
type Metrics struct {
	eventsIngested   metric.Int64Counter
	eventsDropped    metric.Int64Counter
	alertsCreated    metric.Int64Counter
	deliveryOutcomes metric.Int64Counter
}

// SetupMeterProvider installs a global SDK meter provider. Callers that want
// an exporter attach readers via opts; with none, instruments are recorded
// but not exported.
func SetupMeterProvider(opts ...sdkmetric.Option) *sdkmetric.MeterProvider {
	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)
	return provider
}

// NewMetrics creates the platform counters on the given meter. A nil meter
// uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("telemetry-platform")
	}

	m := &Metrics{}
	var err error

	if m.eventsIngested, err = meter.Int64Counter("telemetry.events.ingested",
		metric.WithDescription("Telemetry events persisted")); err != nil {
		return nil, fmt.Errorf("create events counter: %w", err)
	}
	if m.eventsDropped, err = meter.Int64Counter("telemetry.events.dropped",
		metric.WithDescription("Telemetry events dropped for malformed timestamps")); err != nil {
		return nil, fmt.Errorf("create dropped counter: %w", err)
	}
	if m.alertsCreated, err = meter.Int64Counter("telemetry.alerts.created",
		metric.WithDescription("Alerts created by the evaluation engine")); err != nil {
		return nil, fmt.Errorf("create alerts counter: %w", err)
	}
	if m.deliveryOutcomes, err = meter.Int64Counter("telemetry.webhook.deliveries",
		metric.WithDescription("Webhook delivery attempt outcomes")); err != nil {
		return nil, fmt.Errorf("create deliveries counter: %w", err)
	}
	return m, nil
}

// EventsIngested records n persisted events.
func (m *Metrics) EventsIngested(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.eventsIngested.Add(ctx, n)
}

// EventsDropped records n events dropped during parsing.
func (m *Metrics) EventsDropped(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.eventsDropped.Add(ctx, n)
}

// AlertCreated records one created alert.
func (m *Metrics) AlertCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.alertsCreated.Add(ctx, 1)
}

// DeliveryOutcome records one delivery attempt outcome keyed by result code.
func (m *Metrics) DeliveryOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.deliveryOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
