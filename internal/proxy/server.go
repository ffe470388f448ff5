// Package proxy is the acceptor and supervisor: it owns the TCP
// listener, consults the rate limiter on each accepted connection, and
// spawns one task per admitted connection running inspection then the
// relay.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/google/uuid"

	"github.com/aegisgate-dev/aegisgate/internal/config"
	"github.com/aegisgate-dev/aegisgate/internal/inspect"
	"github.com/aegisgate-dev/aegisgate/internal/limiter"
	"github.com/aegisgate-dev/aegisgate/internal/logging"
	"github.com/aegisgate-dev/aegisgate/internal/metrics"
	"github.com/aegisgate-dev/aegisgate/internal/relay"
)

// Server is the admission-and-splice proxy: the accept loop (A) and
// the supervisor (S) that owns its cancellation.
type Server struct {
	cfg     *config.Config
	limiter *limiter.Table
	metrics *metrics.Metrics
	log     *logging.Logger

	listener net.Listener
	ready    chan struct{}
	wg       sync.WaitGroup
}

// NewServer wires a Server from configuration and its ambient
// collaborators. The limiter table is created here so the evictor and
// the connection tasks share the same instance; m is supplied by the
// caller and shared the same way.
func NewServer(cfg *config.Config, m *metrics.Metrics, log *logging.Logger) *Server {
	return &Server{
		cfg:     cfg,
		limiter: limiter.New(),
		metrics: m,
		log:     log,
		ready:   make(chan struct{}),
	}
}

// Addr blocks until the listener is bound and returns its address.
// Intended for tests that bind to an ephemeral port.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

// Start binds the listener and runs the accept loop until ctx is
// cancelled. It also spawns the rate limiter's evictor under the same
// context, matching the supervisor's single-cancellation-token design.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Proxy.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Proxy.ListenAddress, err)
	}
	s.listener = ln
	close(s.ready)

	if s.cfg.Features.EnableRateLimiter {
		limitPolicy := limiter.Policy{
			MaxTokens:       s.cfg.Limit.MaxTokens,
			RefillRate:      s.cfg.Limit.RefillRate,
			CleanupInterval: s.cfg.Limit.CleanupInterval(),
			IPIdleTimeout:   s.cfg.Limit.IPIdleTimeout(),
		}
		go s.limiter.RunEvictor(ctx, limitPolicy, s.log)
	}

	s.log.Info(ctx, "AegisGate started", slog.String("listen_address", s.cfg.Proxy.ListenAddress))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn(ctx, "accept failed", slog.String("error", err.Error()))
			continue
		}

		if !s.admit(ctx, conn) {
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// admit consults the rate limiter, if enabled, and closes+counts the
// connection itself when denied so callers only need to branch on the
// bool.
func (s *Server) admit(ctx context.Context, conn net.Conn) bool {
	if !s.cfg.Features.EnableRateLimiter {
		return true
	}

	addrPort, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return true
	}

	policy := limiter.Policy{
		MaxTokens:       s.cfg.Limit.MaxTokens,
		RefillRate:      s.cfg.Limit.RefillRate,
		CleanupInterval: s.cfg.Limit.CleanupInterval(),
		IPIdleTimeout:   s.cfg.Limit.IPIdleTimeout(),
	}

	if s.limiter.Check(addrPort.Addr(), policy) == limiter.Denied {
		s.metrics.Reject(metrics.ReasonRateLimited)
		s.log.Debug(ctx, "rate limit exceeded", slog.String("remote_addr", conn.RemoteAddr().String()))
		conn.Close()
		return false
	}
	return true
}

// handle runs inspection then, on acceptance, the relay for a single
// connection. A panic here is recovered so one bad connection can
// never take down the acceptor.
func (s *Server) handle(conn net.Conn) {
	connID := uuid.New()
	connLog := s.log.With(slog.String("connection_id", connID.String()))

	defer func() {
		if r := recover(); r != nil {
			connLog.Error(context.Background(), "connection handler panicked", fmt.Errorf("%v", r))
			conn.Close()
		}
	}()

	connPolicy := inspect.ConnectionPolicy{
		MQTTInspect:         s.cfg.Features.EnableMQTTInspection,
		MQTTFullInspect:     s.cfg.Features.EnableMQTTFullInspection,
		HTTPInspect:         s.cfg.Features.EnableHTTPInspection,
		SlowlorisProtect:    s.cfg.Features.EnableSlowlorisProtect,
		MaxConnectRemaining: s.cfg.Proxy.MaxConnectRemaining,
	}
	slPolicy := inspect.SlowlorisPolicy{
		FirstPacketTimeout: s.cfg.Slowloris.FirstPacketTimeout(),
		PacketIdleTimeout:  s.cfg.Slowloris.PacketIdleTimeout(),
		ConnectionTimeout:  s.cfg.Slowloris.ConnectionTimeout(),
		MQTTConnectTimeout: s.cfg.Slowloris.MQTTConnectTimeout(),
		MQTTPacketTimeout:  s.cfg.Slowloris.MQTTPacketTimeout(),
		HTTPRequestTimeout: s.cfg.Slowloris.HTTPRequestTimeout(),
		MaxHTTPHeaderSize:  s.cfg.Slowloris.MaxHTTPHeaderSize,
		MaxHTTPHeaderCount: s.cfg.Slowloris.MaxHTTPHeaderCount,
		MaxHeaderLineSize:  s.cfg.HTTPInspect.MaxHeaderLineSize,
	}

	result := inspect.Run(conn, connPolicy, slPolicy, connLog)
	if !result.Accepted {
		s.metrics.Reject(result.Reason)
		conn.Close()
		return
	}

	relay.Splice(conn, result.Reader, result.Prefix, s.cfg.Proxy.TargetAddress, s.metrics, connLog)
}

// Shutdown closes the listener (if Start's context cancellation
// hasn't already) and waits, up to ctx's deadline, for in-flight
// connection tasks to finish on their own.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
