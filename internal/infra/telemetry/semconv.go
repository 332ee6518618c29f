package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys attached to engine metrics.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrVenue identifies the venue adapter an operation ran against.
	AttrVenue = attribute.Key("venue")
	// AttrSymbol captures the instrument symbol.
	AttrSymbol = attribute.Key("symbol")
	// AttrSide labels long/short decisions.
	AttrSide = attribute.Key("side")
	// AttrGate names the risk gate that rejected a decision.
	AttrGate = attribute.Key("risk.gate")
	// AttrStrategy names the strategy that produced an intent.
	AttrStrategy = attribute.Key("strategy")
	// AttrOrderType distinguishes market and protective orders.
	AttrOrderType = attribute.Key("order.type")
	// AttrOperation differentiates venue operations.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrErrorType categorises failures by error kind.
	AttrErrorType = attribute.Key("error.type")
)

// Metric names.
const (
	MetricDecisions              = "risk.decisions"
	MetricRejections             = "risk.rejections"
	MetricOrders                 = "execution.orders"
	MetricRetries                = "venue.retries"
	MetricProtectionIncomplete   = "execution.protection.incomplete"
	MetricBreakerTrips           = "safety.breaker.trips"
	MetricProtectionSyncDuration = "execution.protection.sync.duration"
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)
