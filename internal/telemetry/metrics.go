package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/storefleet"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Workflow metrics
	WorkflowsTotal        metric.Int64Counter
	WorkflowFailuresTotal metric.Int64Counter
	WorkflowDuration      metric.Float64Histogram
	RollbacksTotal        metric.Int64Counter

	// Orchestrator metrics
	ServiceWritesTotal    metric.Int64Counter
	ServiceConflictsTotal metric.Int64Counter

	// Routing metrics
	RouteWritesTotal      metric.Int64Counter
	ReloadsTotal          metric.Int64Counter
	ReloadsCoalescedTotal metric.Int64Counter
	ReloadFailuresTotal   metric.Int64Counter

	// Messaging metrics
	MessagesSentTotal     metric.Int64Counter
	MessagesReceivedTotal metric.Int64Counter
	MessagesFailedTotal   metric.Int64Counter
	ActiveChannels        metric.Int64UpDownCounter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	// Workflow metrics
	m.WorkflowsTotal, _ = meter.Int64Counter(
		"storefleet.workflows.total",
		metric.WithDescription("Total number of tenant workflows started"),
		metric.WithUnit("{workflow}"),
	)

	m.WorkflowFailuresTotal, _ = meter.Int64Counter(
		"storefleet.workflows.failures.total",
		metric.WithDescription("Total number of tenant workflows that did not succeed"),
		metric.WithUnit("{workflow}"),
	)

	m.WorkflowDuration, _ = meter.Float64Histogram(
		"storefleet.workflows.duration",
		metric.WithDescription("Duration of tenant workflows"),
		metric.WithUnit("ms"),
	)

	m.RollbacksTotal, _ = meter.Int64Counter(
		"storefleet.workflows.rollbacks.total",
		metric.WithDescription("Total number of compensating rollbacks run after a failed create"),
		metric.WithUnit("{rollback}"),
	)

	// Orchestrator metrics
	m.ServiceWritesTotal, _ = meter.Int64Counter(
		"storefleet.services.writes.total",
		metric.WithDescription("Total number of service create and update calls"),
		metric.WithUnit("{write}"),
	)

	m.ServiceConflictsTotal, _ = meter.Int64Counter(
		"storefleet.services.conflicts.total",
		metric.WithDescription("Total number of service version conflicts"),
		metric.WithUnit("{conflict}"),
	)

	// Routing metrics
	m.RouteWritesTotal, _ = meter.Int64Counter(
		"storefleet.routes.writes.total",
		metric.WithDescription("Total number of proxy config files written or removed"),
		metric.WithUnit("{file}"),
	)

	m.ReloadsTotal, _ = meter.Int64Counter(
		"storefleet.routes.reloads.total",
		metric.WithDescription("Total number of proxy reloads executed"),
		metric.WithUnit("{reload}"),
	)

	m.ReloadsCoalescedTotal, _ = meter.Int64Counter(
		"storefleet.routes.reloads.coalesced.total",
		metric.WithDescription("Total number of reload requests absorbed by the cooldown window"),
		metric.WithUnit("{request}"),
	)

	m.ReloadFailuresTotal, _ = meter.Int64Counter(
		"storefleet.routes.reloads.failures.total",
		metric.WithDescription("Total number of failed proxy reloads"),
		metric.WithUnit("{reload}"),
	)

	// Messaging metrics
	m.MessagesSentTotal, _ = meter.Int64Counter(
		"storefleet.messages.sent.total",
		metric.WithDescription("Total number of messages sent to tenant instances"),
		metric.WithUnit("{message}"),
	)

	m.MessagesReceivedTotal, _ = meter.Int64Counter(
		"storefleet.messages.received.total",
		metric.WithDescription("Total number of messages received from tenant instances"),
		metric.WithUnit("{message}"),
	)

	m.MessagesFailedTotal, _ = meter.Int64Counter(
		"storefleet.messages.failed.total",
		metric.WithDescription("Total number of messages moved to a failed queue"),
		metric.WithUnit("{message}"),
	)

	m.ActiveChannels, _ = meter.Int64UpDownCounter(
		"storefleet.channels.active",
		metric.WithDescription("Number of open tenant messaging channels"),
		metric.WithUnit("{channel}"),
	)

	return m
}
