// Command aegisgate runs the edge protection proxy: it terminates
// client TCP connections aimed at an MQTT broker, validates the CONNECT
// handshake, enforces per-IP rate limits and slow-data timeouts, and
// splices admitted connections through to the upstream broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aegisgate-dev/aegisgate/internal/config"
	"github.com/aegisgate-dev/aegisgate/internal/logging"
	"github.com/aegisgate-dev/aegisgate/internal/metrics"
	"github.com/aegisgate-dev/aegisgate/internal/obshttp"
	"github.com/aegisgate-dev/aegisgate/internal/proxy"
	"github.com/aegisgate-dev/aegisgate/internal/tracing"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	if err := config.LoadConfig(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "aegisgate: %v\n", err)
		os.Exit(1)
	}
	cfg := config.GetInstance()

	log := logging.New("aegisgate")
	ctx := context.Background()

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName:    "aegisgate",
		Enabled:        cfg.Tracing.Enabled,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SamplingRatio:  cfg.Tracing.SamplingRatio,
	})
	if err != nil {
		log.Fatal(ctx, "failed to initialize tracing", err)
	}
	defer shutdownTracing()

	if cfg.Features.EnableEBPF {
		log.Info(ctx, "enable_ebpf is set but has no effect in this build")
	}
	if cfg.Features.EnableML {
		log.Info(ctx, "enable_ml is set but has no effect in this build")
	}

	m := metrics.New()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	server := proxy.NewServer(cfg, m, log)
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- server.Start(runCtx)
	}()

	var obsServer *obshttp.Server
	obsErrCh := make(chan error, 1)
	if cfg.Metrics.Enabled {
		obsServer = obshttp.New(fmt.Sprintf("0.0.0.0:%d", cfg.Metrics.Port), m, log)
		go func() {
			obsErrCh <- obsServer.Start()
		}()
		log.Info(ctx, "observability server online", slog.Int("port", cfg.Metrics.Port))
	}

	select {
	case <-sigChan:
		log.Info(ctx, "shutdown signal received")
	case err := <-serverErrCh:
		if err != nil {
			log.Error(ctx, "proxy server failed", err)
		}
	case err := <-obsErrCh:
		if err != nil {
			log.Error(ctx, "observability server failed", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn(ctx, "error during proxy shutdown", slog.String("error", err.Error()))
	}
	if obsServer != nil {
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn(ctx, "error during observability server shutdown", slog.String("error", err.Error()))
		}
	}

	log.Info(ctx, "aegisgate stopped")
}
