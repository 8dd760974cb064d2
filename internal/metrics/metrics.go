// Package metrics records service metrics through OpenTelemetry instruments.
// A single ScoutMetrics value satisfies the metrics interfaces of every
// component.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "market_scout"

// ScoutMetrics holds every instrument of the service.
type ScoutMetrics struct {
	// Gateway.
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
	openStreams     metric.Int64Gauge

	// Credentials.
	authorizations metric.Int64Counter
	slotRejected   metric.Int64Counter
	tokenCount     metric.Int64Gauge

	// Dispatch.
	tasksAdmitted metric.Int64Counter
	tasksDenied   metric.Int64Counter
	tasksTerminal metric.Int64Counter
	tasksEvicted  metric.Int64Counter
	retries       metric.Int64Counter
	fetchDuration metric.Float64Histogram
	activeWorkers metric.Int64Gauge
	queueDepth    metric.Int64Gauge

	// Proxies.
	healthTransitions metric.Int64Counter
	poolExhausted     metric.Int64Counter

	// Streaming and export.
	eventsDropped     metric.Int64Counter
	messagesPublished metric.Int64Counter
	publishErrors     metric.Int64Counter
}

// New creates the instruments on mp.
func New(mp metric.MeterProvider) (*ScoutMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(ScoutMetrics)
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.requestsTotal, "http_requests_total", "Total number of HTTP requests"},
		{&m.authorizations, "authorizations_total", "Authorization attempts by outcome"},
		{&m.slotRejected, "task_slots_rejected_total", "Task slot reservations refused by the concurrency limit"},
		{&m.tasksAdmitted, "tasks_admitted_total", "Tasks admitted for execution"},
		{&m.tasksDenied, "tasks_denied_total", "Tasks denied at admission"},
		{&m.tasksTerminal, "tasks_terminal_total", "Tasks reaching a terminal state by status and reason"},
		{&m.tasksEvicted, "tasks_evicted_total", "Terminal tasks evicted from the live registry"},
		{&m.retries, "task_retries_total", "Retries scheduled after transient failures"},
		{&m.healthTransitions, "proxy_health_transitions_total", "Proxy health state changes"},
		{&m.poolExhausted, "proxy_pool_exhausted_total", "Assignments refused because every proxy was unhealthy"},
		{&m.eventsDropped, "stream_events_dropped_total", "Events dropped from full subscriber buffers"},
		{&m.messagesPublished, "messages_published_total", "Task events handed to the Kafka producer"},
		{&m.publishErrors, "publish_errors_total", "Task events that could not be exported"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	gauges := []struct {
		dst  *metric.Int64Gauge
		name string
		desc string
	}{
		{&m.openStreams, "open_streams", "Open WebSocket streams"},
		{&m.tokenCount, "tokens", "Live tokens"},
		{&m.activeWorkers, "dispatch_workers", "Running dispatch workers"},
		{&m.queueDepth, "dispatch_queue_depth", "Tasks waiting in the dispatch queue"},
	}
	for _, g := range gauges {
		if *g.dst, err = meter.Int64Gauge(g.name, metric.WithDescription(g.desc)); err != nil {
			return nil, err
		}
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.fetchDuration, err = meter.Float64Histogram(
		"fetch_duration_seconds",
		metric.WithDescription("Duration of marketplace fetch attempts"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *ScoutMetrics) IncRequestsTotal(ctx context.Context, method, route string, status int) {
	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

func (m *ScoutMetrics) ObserveRequestDuration(ctx context.Context, method, route string, d time.Duration) {
	m.requestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
	))
}

func (m *ScoutMetrics) SetOpenStreams(ctx context.Context, n int) {
	m.openStreams.Record(ctx, int64(n))
}

func (m *ScoutMetrics) IncAuthorization(ctx context.Context, outcome string) {
	m.authorizations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *ScoutMetrics) IncSlotRejected(ctx context.Context) { m.slotRejected.Add(ctx, 1) }

func (m *ScoutMetrics) SetTokenCount(ctx context.Context, n int) {
	m.tokenCount.Record(ctx, int64(n))
}

func (m *ScoutMetrics) IncTasksAdmitted(ctx context.Context, n int) {
	m.tasksAdmitted.Add(ctx, int64(n))
}

func (m *ScoutMetrics) IncTasksDenied(ctx context.Context, n int) {
	m.tasksDenied.Add(ctx, int64(n))
}

func (m *ScoutMetrics) IncTaskTerminal(ctx context.Context, status, reason string) {
	m.tasksTerminal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("reason", reason),
	))
}

func (m *ScoutMetrics) IncTasksEvicted(ctx context.Context, n int) {
	m.tasksEvicted.Add(ctx, int64(n))
}

func (m *ScoutMetrics) IncRetries(ctx context.Context) { m.retries.Add(ctx, 1) }

func (m *ScoutMetrics) ObserveFetchDuration(ctx context.Context, d time.Duration, ok bool) {
	m.fetchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("ok", ok)))
}

func (m *ScoutMetrics) SetActiveWorkers(ctx context.Context, n int) {
	m.activeWorkers.Record(ctx, int64(n))
}

func (m *ScoutMetrics) SetQueueDepth(ctx context.Context, n int) { m.queueDepth.Record(ctx, int64(n)) }

func (m *ScoutMetrics) IncHealthTransition(ctx context.Context, healthy bool) {
	m.healthTransitions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("healthy", healthy)))
}

func (m *ScoutMetrics) IncPoolExhausted(ctx context.Context) { m.poolExhausted.Add(ctx, 1) }

func (m *ScoutMetrics) IncEventsDropped(ctx context.Context) { m.eventsDropped.Add(ctx, 1) }

func (m *ScoutMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *ScoutMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
