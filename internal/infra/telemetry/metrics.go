package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/bastion/errs"
	"github.com/coachpo/bastion/internal/domain/schema"
)

// EngineMetrics is the engine's instrument set. A nil *EngineMetrics records nothing.
type EngineMetrics struct {
	environment          string
	decisions            metric.Int64Counter
	rejections           metric.Int64Counter
	orders               metric.Int64Counter
	retries              metric.Int64Counter
	protectionIncomplete metric.Int64Counter
	breakerTrips         metric.Int64Counter
	syncDuration         metric.Float64Histogram
}

// NewEngineMetrics registers the instruments on meter.
func NewEngineMetrics(meter metric.Meter, environment string) (*EngineMetrics, error) {
	m := &EngineMetrics{environment: environment}
	var err error
	if m.decisions, err = meter.Int64Counter(MetricDecisions, metric.WithDescription("Risk decisions evaluated"), metric.WithUnit("{decision}")); err != nil {
		return nil, err
	}
	if m.rejections, err = meter.Int64Counter(MetricRejections, metric.WithDescription("Risk decisions rejected by gate"), metric.WithUnit("{decision}")); err != nil {
		return nil, err
	}
	if m.orders, err = meter.Int64Counter(MetricOrders, metric.WithDescription("Orders submitted to venues"), metric.WithUnit("{order}")); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter(MetricRetries, metric.WithDescription("Venue calls retried after transient failures"), metric.WithUnit("{retry}")); err != nil {
		return nil, err
	}
	if m.protectionIncomplete, err = meter.Int64Counter(MetricProtectionIncomplete, metric.WithDescription("Entries left without full protection"), metric.WithUnit("{position}")); err != nil {
		return nil, err
	}
	if m.breakerTrips, err = meter.Int64Counter(MetricBreakerTrips, metric.WithDescription("Circuit breaker trips"), metric.WithUnit("{trip}")); err != nil {
		return nil, err
	}
	if m.syncDuration, err = meter.Float64Histogram(MetricProtectionSyncDuration, metric.WithDescription("Protection synchronisation latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *EngineMetrics) attrs(kv ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(append([]attribute.KeyValue{AttrEnvironment.String(m.environment)}, kv...)...)
}

// RecordDecision counts a decision and, when rejected, its gate.
func (m *EngineMetrics) RecordDecision(ctx context.Context, d schema.RiskDecision) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if !d.Allow {
		result = ResultError
		m.rejections.Add(ctx, 1, m.attrs(AttrGate.String(d.Gate), AttrStrategy.String(d.Strategy)))
	}
	m.decisions.Add(ctx, 1, m.attrs(AttrSide.String(string(d.Side)), AttrResult.String(result), AttrStrategy.String(d.Strategy)))
}

// RecordOrder counts an order submission and its outcome.
func (m *EngineMetrics) RecordOrder(ctx context.Context, venue string, orderType schema.OrderType, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	kind := ""
	if err != nil {
		result = ResultError
		kind = string(errs.KindOf(err))
	}
	m.orders.Add(ctx, 1, m.attrs(AttrVenue.String(venue), AttrOrderType.String(string(orderType)), AttrResult.String(result), AttrErrorType.String(kind)))
}

// RecordRetry counts one retried venue call.
func (m *EngineMetrics) RecordRetry(ctx context.Context, venue, operation string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, m.attrs(AttrVenue.String(venue), AttrOperation.String(operation)))
}

// RecordProtectionIncomplete counts an entry whose protective orders did not all land.
func (m *EngineMetrics) RecordProtectionIncomplete(ctx context.Context, venue, symbol string) {
	if m == nil {
		return
	}
	m.protectionIncomplete.Add(ctx, 1, m.attrs(AttrVenue.String(venue), AttrSymbol.String(symbol)))
}

// RecordBreakerTrip counts a circuit breaker trip.
func (m *EngineMetrics) RecordBreakerTrip(ctx context.Context) {
	if m == nil {
		return
	}
	m.breakerTrips.Add(ctx, 1, m.attrs())
}

// RecordSync observes a protection synchronisation pass.
func (m *EngineMetrics) RecordSync(ctx context.Context, venue string, elapsed time.Duration, result string) {
	if m == nil {
		return
	}
	m.syncDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), m.attrs(AttrVenue.String(venue), AttrResult.String(result)))
}
