// Package relay dials the upstream broker and splices an admitted
// connection to it, preserving whatever prefix bytes the inspection
// engine already consumed.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aegisgate-dev/aegisgate/internal/logging"
	"github.com/aegisgate-dev/aegisgate/internal/metrics"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 3 * time.Second
)

// Splice registers the active-connection lease, dials targetAddr,
// writes prefix first, then copies bytes bidirectionally until either
// direction completes. clientReader must be the buffered reader the
// inspection engine left behind (not client directly), so that any
// bytes peeked but not consumed during inspection are still delivered
// upstream. It never returns an error: every failure is folded into a
// metrics rejection and a log line, since relay failures never
// propagate past the connection's own task.
func Splice(client net.Conn, clientReader io.Reader, prefix []byte, targetAddr string, m *metrics.Metrics, log *logging.Logger) {
	ctx, span := log.StartSpan(context.Background(), "relay.splice",
		attribute.String("aegisgate.target", targetAddr),
		attribute.Int("aegisgate.prefix_bytes", len(prefix)),
	)
	defer span.End()

	clientLog := log.With(slog.String("remote_addr", client.RemoteAddr().String()))

	m.ConnectionAccepted()
	defer m.ConnectionClosed()

	upstream, err := net.DialTimeout("tcp", targetAddr, dialTimeout)
	if err != nil {
		m.Reject(metrics.ReasonBackendUnavailable)
		clientLog.Warn(ctx, "could not reach upstream broker", slog.String("target", targetAddr))
		return
	}
	defer upstream.Close()

	if len(prefix) > 0 {
		if err := upstream.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			m.Reject(metrics.ReasonBackendUnavailable)
			return
		}
		if _, err := upstream.Write(prefix); err != nil {
			m.Reject(metrics.ReasonBackendUnavailable)
			clientLog.Warn(ctx, "failed writing buffered prefix to upstream", slog.String("error", err.Error()))
			return
		}
		upstream.SetWriteDeadline(time.Time{})
	}

	// Race the two copy directions rather than waiting for both: once
	// either side finishes (client hung up, upstream hung up, or a
	// copy error), the connection is done and the other direction is
	// abandoned by closing both sockets, which unblocks its pending
	// read or write.
	done := make(chan copyResult, 2)
	go func() {
		_, err := io.Copy(upstream, clientReader)
		done <- copyResult{direction: "client->upstream", err: err}
	}()
	go func() {
		_, err := io.Copy(client, upstream)
		done <- copyResult{direction: "upstream->client", err: err}
	}()

	first := <-done
	client.Close()
	upstream.Close()

	if first.err != nil && !errors.Is(first.err, io.EOF) {
		clientLog.Debug(ctx, "splice ended",
			slog.String("direction", first.direction),
			slog.String("cause", first.err.Error()),
		)
	}
}

type copyResult struct {
	direction string
	err       error
}
