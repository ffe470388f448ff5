package middleware

import (
	"net/http"

	"github.com/aegisgate-dev/aegisgate/internal/metrics"
)

// metricsMiddleware adapts the observability HTTP server's Prometheus
// instrumentation into the Middleware interface.
type metricsMiddleware struct {
	m    *metrics.Metrics
	path string
}

// NewMetrics constructs middleware that labels every request with path
// for the request-count and duration instruments.
func NewMetrics(m *metrics.Metrics, path string) Middleware {
	return &metricsMiddleware{m: m, path: path}
}

func (mm *metricsMiddleware) Wrap(next http.Handler) http.Handler {
	return mm.m.InstrumentHTTP(mm.path, next)
}
