package relay

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/aegisgate-dev/aegisgate/internal/logging"
	"github.com/aegisgate-dev/aegisgate/internal/metrics"
)

// upstreamEcho starts a TCP listener that echoes everything it
// receives back to the caller, returning its address.
func upstreamEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestSplicePreservesPrefixOrdering(t *testing.T) {
	target := upstreamEcho(t)
	m := metrics.New()
	log := logging.New("relay-test")

	client, server := net.Pipe()

	prefix := []byte("prefix-bytes")
	rest := []byte("more-bytes-after-prefix")

	// br stands in for the bufio.Reader inspection leaves behind: reads
	// past the prefix come from the live connection, not a bounded
	// buffer, so the client->upstream copy only ends when the pipe
	// does (matching how a real client connection behaves).
	br := bufio.NewReader(server)

	done := make(chan struct{})
	go func() {
		Splice(server, br, prefix, target, m, log)
		close(done)
	}()
	go func() {
		client.Write(rest)
	}()

	got := make([]byte, len(prefix)+len(rest))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("reading echoed bytes: %v", err)
	}
	want := append(append([]byte{}, prefix...), rest...)
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Splice did not return after client closed")
	}
}

func TestSpliceBackendUnavailable(t *testing.T) {
	m := metrics.New()
	log := logging.New("relay-test")

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		// Port 1 on loopback should refuse immediately.
		Splice(server, bytes.NewReader(nil), nil, "127.0.0.1:1", m, log)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(6 * time.Second):
		t.Fatal("Splice did not return for an unreachable backend")
	}
}
