// Package obshttp is AegisGate's observability HTTP server: liveness
// and Prometheus scrape endpoints, decorated with the same Middleware
// chain shape used across this codebase's HTTP surfaces.
package obshttp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aegisgate-dev/aegisgate/internal/logging"
	"github.com/aegisgate-dev/aegisgate/internal/metrics"
	"github.com/aegisgate-dev/aegisgate/internal/middleware"
)

// Server serves /health and /metrics on its own listener, separate
// from the MQTT proxy listener, started only when metrics.enabled.
type Server struct {
	httpServer *http.Server
}

// New builds the observability HTTP server bound to addr ("0.0.0.0:port").
func New(addr string, m *metrics.Metrics, log *logging.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	mux.Handle("/metrics", m.Handler())

	chain := []middleware.Middleware{
		middleware.NewMetrics(m, "observability"),
	}
	var handler http.Handler = mux
	for _, mw := range chain {
		handler = mw.Wrap(handler)
	}
	handler = log.HTTPRequestLogger()(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: handler,
		},
	}
}

// Start runs the server until it is shut down or fails to bind.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight
// requests to finish, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
