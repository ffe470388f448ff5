package inspect

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/aegisgate-dev/aegisgate/internal/framing"
)

// httpOutcome mirrors the distilled spec's HttpInspectionOutcome: a
// closed three-way sum, represented here as a tagged enum rather than
// sentinel strings.
type httpOutcome int

const (
	notHTTP httpOutcome = iota
	httpDetected
	slowlorisDuringHTTP
)

// maxRequestLineSize bounds the request line independent of
// max_header_line_size, matching the fixed 8192 constant in the
// reference implementation.
const maxRequestLineSize = 8192

// inspectHTTP consumes bytes from br (already primed by the S1
// quick-check match) to fully validate an HTTP request line and its
// headers, bounded by sl.HTTPRequestTimeout overall and
// sl.PacketIdleTimeout between any two bytes.
func inspectHTTP(conn net.Conn, br *bufio.Reader, sl SlowlorisPolicy) httpOutcome {
	deadline := time.Now().Add(sl.HTTPRequestTimeout)

	line, err := readHTTPLine(conn, br, sl.PacketIdleTimeout, maxRequestLineSize, deadline)
	if err != nil {
		return slowlorisDuringHTTP
	}
	if !isValidRequestLine(line) {
		return notHTTP
	}

	headerCount := 0
	totalHeaderBytes := 0
	for {
		if time.Now().After(deadline) {
			return slowlorisDuringHTTP
		}
		if headerCount >= sl.MaxHTTPHeaderCount {
			return slowlorisDuringHTTP
		}

		line, err := readHTTPLine(conn, br, sl.PacketIdleTimeout, sl.MaxHeaderLineSize, deadline)
		if err != nil {
			return slowlorisDuringHTTP
		}

		totalHeaderBytes += len(line) + 2 // +2 accounts for the stripped CRLF
		if totalHeaderBytes > sl.MaxHTTPHeaderSize {
			return slowlorisDuringHTTP
		}

		if len(line) == 0 {
			return httpDetected
		}
		if !bytes.ContainsRune(line, ':') {
			return slowlorisDuringHTTP
		}
		headerCount++
	}
}

// readHTTPLine wraps framing.ReadLine with the additional total-request
// deadline: a per-byte idle timeout is enforced by ReadLine itself, and
// the overall deadline is enforced by capping the deadline passed to
// the underlying connection.
func readHTTPLine(conn net.Conn, br *bufio.Reader, idleTimeout time.Duration, maxLineSize int, totalDeadline time.Time) ([]byte, error) {
	remaining := time.Until(totalDeadline)
	if remaining <= 0 {
		return nil, errors.New("inspect: total request timeout exceeded")
	}

	effectiveIdle := idleTimeout
	if remaining < effectiveIdle {
		effectiveIdle = remaining
	}

	reader := deadlineReader{conn: conn, br: br, totalDeadline: totalDeadline}
	line, err := framing.ReadLine(reader, effectiveIdle, maxLineSize)
	if errors.Is(err, io.EOF) {
		return nil, err
	}
	return line, err
}

// deadlineReader adapts a net.Conn + bufio.Reader pair into
// framing.DeadlineReader: reads come from the buffered reader (so
// bytes already peeked during S0/S1 aren't lost) but the deadline is
// set on the underlying connection, never later than totalDeadline.
type deadlineReader struct {
	conn          net.Conn
	br            *bufio.Reader
	totalDeadline time.Time
}

func (d deadlineReader) Read(p []byte) (int, error) { return d.br.Read(p) }
func (d deadlineReader) SetReadDeadline(t time.Time) error {
	if !d.totalDeadline.IsZero() && t.After(d.totalDeadline) {
		t = d.totalDeadline
	}
	return d.conn.SetReadDeadline(t)
}

func isValidRequestLine(line []byte) bool {
	parts := strings.Fields(string(line))
	if len(parts) != 3 {
		return false
	}
	method, _, version := parts[0], parts[1], parts[2]

	known := false
	for _, m := range framing.HTTPMethods {
		if m == method {
			known = true
			break
		}
	}
	if !known {
		return false
	}

	return strings.HasPrefix(version, "HTTP/")
}
