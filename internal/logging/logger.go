// Package logging provides structured logging correlated with
// OpenTelemetry traces, used across the admission pipeline and the
// observability HTTP server.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aegisgate-dev/aegisgate/internal/framing"
	"github.com/aegisgate-dev/aegisgate/internal/metrics"
)

// Logger wraps a structured slog.Logger with OpenTelemetry trace
// correlation: every entry carries the trace and span IDs of the active
// span, if any.
type Logger struct {
	slogger *slog.Logger
	tracer  trace.Tracer
}

// New builds a JSON-structured logger and binds it to a tracer named for
// service.
func New(service string) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			return a
		},
	})

	return &Logger{
		slogger: slog.New(handler),
		tracer:  otel.Tracer(service),
	}
}

func (l *Logger) Debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logWithTrace(ctx, slog.LevelDebug, msg, attrs...)
}

func (l *Logger) Info(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logWithTrace(ctx, slog.LevelInfo, msg, attrs...)
}

func (l *Logger) Warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logWithTrace(ctx, slog.LevelWarn, msg, attrs...)
}

// Error logs at error level and, when a recording span is present, marks
// it as errored.
func (l *Logger) Error(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))

		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
	}

	l.logWithTrace(ctx, slog.LevelError, msg, attrs...)
}

// Fatal logs at error level and terminates the process. Reserved for
// startup failures that leave the proxy unable to run at all.
func (l *Logger) Fatal(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.logWithTrace(ctx, slog.LevelError, msg, attrs...)
	os.Exit(1)
}

func (l *Logger) logWithTrace(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
		)
	}

	l.slogger.LogAttrs(ctx, level, msg, attrs...)
}

// StartSpan starts a span under this logger's tracer.
func (l *Logger) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}

// Admission records a connection-admission outcome on both the log and
// the active span, in this proxy's own rejection vocabulary so every
// exit point of internal/inspect reports it the same way instead of
// building ad hoc attributes at each call site.
func (l *Logger) Admission(ctx context.Context, accepted bool, reason metrics.RejectReason) {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.SetAttributes(attribute.Bool("aegisgate.accepted", accepted))
		if !accepted {
			span.SetAttributes(attribute.String("aegisgate.reject_reason", string(reason)))
		}
	}

	if accepted {
		l.Debug(ctx, "connection admitted")
		return
	}
	l.Debug(ctx, "connection rejected", slog.String("reason", string(reason)))
}

// MqttPacketObserved logs the classified kind of the first MQTT-shaped
// byte seen during inspection, used by both the lightweight and full
// CONNECT-validation paths.
func (l *Logger) MqttPacketObserved(ctx context.Context, kind framing.MqttPacketKind) {
	l.Debug(ctx, "observed mqtt packet", slog.String("packet_kind", kind.String()))
}

// With returns a logger that attaches attrs to every subsequent entry,
// e.g. the connection ID and remote address for a single connection's
// lifetime.
func (l *Logger) With(attrs ...slog.Attr) *Logger {
	anyAttrs := make([]any, len(attrs))
	for i, a := range attrs {
		anyAttrs[i] = a
	}
	return &Logger{
		slogger: l.slogger.With(anyAttrs...),
		tracer:  l.tracer,
	}
}

// HTTPRequestLogger is middleware for the observability HTTP server: it
// starts a span per request and logs method, path, status and duration
// on completion.
func (l *Logger) HTTPRequestLogger() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx, span := l.StartSpan(r.Context(), fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.String()),
				attribute.String("http.remote_addr", r.RemoteAddr),
			)
			defer span.End()

			wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r.WithContext(ctx))

			duration := time.Since(start)

			l.Info(ctx, "observability request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapper.statusCode),
				slog.Duration("duration", duration),
				slog.String("remote_addr", r.RemoteAddr),
			)

			span.SetAttributes(
				attribute.Int("http.status_code", wrapper.statusCode),
				attribute.String("http.response.duration", duration.String()),
			)

			if wrapper.statusCode >= 400 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", wrapper.statusCode))
			}
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
