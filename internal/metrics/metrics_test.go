package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	m := New()

	m.ObserveEvaluation("api", "HIGH", 12*time.Millisecond)
	m.ObserveEvaluation("api", "HIGH", 8*time.Millisecond)
	m.ObserveEvaluation("worker", "NONE", 3*time.Millisecond)
	m.AlertCreated("HIGH")
	m.Notification("log", "sent")
	m.NotificationDropped()
	m.ModelFailures([]string{"gbm", "gbm"})

	if got := testutil.ToFloat64(m.evaluations.WithLabelValues("HIGH")); got != 2 {
		t.Errorf("expected 2 HIGH evaluations, got %v", got)
	}
	if got := testutil.ToFloat64(m.modelFailures.WithLabelValues("gbm")); got != 2 {
		t.Errorf("expected 2 model failures, got %v", got)
	}
	if got := testutil.ToFloat64(m.notifyDropped); got != 1 {
		t.Errorf("expected 1 dropped notification, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "kestrel_alerts_created_total") {
		t.Error("exposition is missing kestrel_alerts_created_total")
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveEvaluation("api", "LOW", time.Millisecond)
	m.ObserveHTTP("GET", "/health", 200, time.Millisecond)
	m.NetworkTruncated()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 from nil metrics, got %d", rec.Code)
	}
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{200: "2xx", 201: "2xx", 304: "3xx", 404: "4xx", 409: "4xx", 503: "5xx"}
	for status, want := range tests {
		if got := statusClass(status); got != want {
			t.Errorf("statusClass(%d) = %s, want %s", status, got, want)
		}
	}
}
