package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestConnectionGaugeTracksLeaseLifecycle(t *testing.T) {
	m := New()

	m.ConnectionAccepted()
	m.ConnectionAccepted()
	m.ConnectionClosed()

	body := scrape(t, m)
	if !strings.Contains(body, "aegisgate_active_connections 1") {
		t.Errorf("expected active_connections gauge at 1, got:\n%s", body)
	}
}

func TestRejectIncrementsOnlyItsOwnCounter(t *testing.T) {
	m := New()
	m.Reject(ReasonHTTP)
	m.Reject(ReasonHTTP)
	m.Reject(ReasonProtocol)

	body := scrape(t, m)
	if !strings.Contains(body, "aegisgate_http_rejections_total 2") {
		t.Errorf("expected http_rejections_total at 2, got:\n%s", body)
	}
	if !strings.Contains(body, "aegisgate_protocol_rejections_total 1") {
		t.Errorf("expected protocol_rejections_total at 1, got:\n%s", body)
	}
}

func TestInstrumentHTTPRecordsStatusCode(t *testing.T) {
	m := New()
	handler := m.InstrumentHTTP("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	body := scrape(t, m)
	if !strings.Contains(body, `aegisgate_observability_requests_total{path="/health",status_code="200"} 1`) {
		t.Errorf("expected one recorded /health 200 request, got:\n%s", body)
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	return rec.Body.String()
}
