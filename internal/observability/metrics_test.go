package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}
	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecordedMetricsAreScraped(t *testing.T) {
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	metrics.RecordHTTPRequest(ctx, "POST", "/waha/webhook", 202, 0.002)
	metrics.RecordJobSubmitted(ctx, "dev")
	metrics.RecordJobRejected(ctx, "dev", "concurrency limit")
	metrics.RecordJobStarted(ctx, RoleRunner, "dev")
	metrics.RecordJobFinished(ctx, RoleRunner, "dev", "done", 1.5)
	metrics.RecordChunkRelayed(ctx, "dev", "stdout")
	metrics.RecordChatSendFailure(ctx)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, name := range []string{
		"jobs_submitted_total",
		"jobs_rejected_total",
		"jobs_finished_total",
		"job_duration_seconds",
		"chunks_relayed_total",
		"chat_send_failures_total",
		"http_requests_total",
	} {
		if !strings.Contains(out, name) {
			t.Errorf("scrape output missing %s", name)
		}
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	// Should not panic
	m.RecordHTTPRequest(ctx, "GET", "/healthz", 200, 0.001)
	m.RecordJobSubmitted(ctx, "dev")
	m.RecordJobRejected(ctx, "dev", "not allowed")
	m.RecordJobStarted(ctx, RoleOrigin, "dev")
	m.RecordJobFinished(ctx, RoleOrigin, "dev", "failed", 0)
	m.RecordChunkRelayed(ctx, "dev", "stderr")
	m.RecordChatSendFailure(ctx)
}
