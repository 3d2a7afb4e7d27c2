package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the herald instruments. A nil *Metrics is valid and records
// nothing, so components can run without a meter in tests.
type Metrics struct {
	meter metric.Meter

	// Webhook ingress
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter

	// Job lifecycle
	JobsSubmitted metric.Int64Counter
	JobsRejected  metric.Int64Counter
	JobsFinished  metric.Int64Counter
	JobDuration   metric.Float64Histogram
	JobsActive    metric.Int64UpDownCounter

	// Output relay
	ChunksRelayed    metric.Int64Counter
	ChatSendFailures metric.Int64Counter
}

// NewMetrics creates the instruments on a private Prometheus registry and
// returns the handler that serves it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("herald")
	m := &Metrics{meter: meter}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("Webhook request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of webhook requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Jobs accepted and published to a target"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsRejected, err = meter.Int64Counter(
		"jobs_rejected_total",
		metric.WithDescription("Jobs refused by policy"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsFinished, err = meter.Int64Counter(
		"jobs_finished_total",
		metric.WithDescription("Jobs that reached a terminal status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Subprocess run time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Jobs currently in flight (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ChunksRelayed, err = meter.Int64Counter(
		"chunks_relayed_total",
		metric.WithDescription("Output chunks forwarded to chat"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ChatSendFailures, err = meter.Int64Counter(
		"chat_send_failures_total",
		metric.WithDescription("Chat deliveries that failed"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// RecordHTTPRequest records webhook request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(methodAttr(method), pathAttr(path), statusCodeAttr(statusCode))
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
}

// RecordJobSubmitted records a job published to a target.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, target string) {
	if m == nil {
		return
	}
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(targetAttr(target)))
}

// RecordJobRejected records a policy refusal.
func (m *Metrics) RecordJobRejected(ctx context.Context, target, reason string) {
	if m == nil {
		return
	}
	m.JobsRejected.Add(ctx, 1, metric.WithAttributes(targetAttr(target), reasonAttr(reason)))
}

// RecordJobStarted marks a job in flight for role.
func (m *Metrics) RecordJobStarted(ctx context.Context, role, target string) {
	if m == nil {
		return
	}
	m.JobsActive.Add(ctx, 1, metric.WithAttributes(roleAttr(role), targetAttr(target)))
}

// RecordJobFinished records a terminal status. durationSeconds <= 0 skips
// the histogram for jobs that never ran.
func (m *Metrics) RecordJobFinished(ctx context.Context, role, target, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(roleAttr(role), targetAttr(target)))
	attrs := metric.WithAttributes(roleAttr(role), targetAttr(target), statusAttr(status))
	m.JobsFinished.Add(ctx, 1, attrs)
	if durationSeconds > 0 {
		m.JobDuration.Record(ctx, durationSeconds, attrs)
	}
}

// RecordChunkRelayed records one output chunk forwarded to chat.
func (m *Metrics) RecordChunkRelayed(ctx context.Context, target, stream string) {
	if m == nil {
		return
	}
	m.ChunksRelayed.Add(ctx, 1, metric.WithAttributes(targetAttr(target), streamAttr(stream)))
}

// RecordChatSendFailure records a failed chat delivery.
func (m *Metrics) RecordChatSendFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.ChatSendFailures.Add(ctx, 1)
}
