// Package inspect implements the per-connection admission state
// machine: peek for the first byte, probe for HTTP, validate an MQTT
// CONNECT handshake, and hand off either a rejection or an accepted
// connection carrying whatever prefix bytes were consumed along the
// way.
package inspect

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/aegisgate-dev/aegisgate/internal/framing"
	"github.com/aegisgate-dev/aegisgate/internal/logging"
	"github.com/aegisgate-dev/aegisgate/internal/metrics"
)

// ConnectionPolicy toggles which inspection stages run and bounds the
// CONNECT payload inspection will read into memory.
type ConnectionPolicy struct {
	MQTTInspect         bool
	MQTTFullInspect     bool
	HTTPInspect         bool
	SlowlorisProtect    bool
	MaxConnectRemaining int
}

// SlowlorisPolicy is the set of layered deadlines and size caps applied
// during inspection.
type SlowlorisPolicy struct {
	FirstPacketTimeout time.Duration
	PacketIdleTimeout  time.Duration
	ConnectionTimeout  time.Duration
	MQTTConnectTimeout time.Duration
	MQTTPacketTimeout  time.Duration
	HTTPRequestTimeout time.Duration
	MaxHTTPHeaderSize  int
	MaxHTTPHeaderCount int
	MaxHeaderLineSize  int
}

// Result is the outcome handed from the inspection engine to the
// relay. When Accepted is false, Reason identifies why and the caller
// must close the connection without forwarding anything.
type Result struct {
	Accepted bool
	Prefix   []byte
	Reader   *bufio.Reader
	Reason   metrics.RejectReason
}

func rejected(reason metrics.RejectReason) Result {
	return Result{Accepted: false, Reason: reason}
}

// firstPacketPeekSize bounds how many bytes Start looks ahead without
// consuming, enough to cover the longest recognized HTTP method plus
// its trailing space ("OPTIONS ", "CONNECT ").
const firstPacketPeekSize = 16

// Run executes the S0->S4 state machine against conn. It never returns
// an error: every failure path is expressed as a non-accepted Result
// with a RejectReason, per this proxy's policy of never propagating
// connection-handling errors to its caller.
func Run(conn net.Conn, policy ConnectionPolicy, sl SlowlorisPolicy, log *logging.Logger) Result {
	ctx, span := log.StartSpan(context.Background(), "inspect.connection")
	defer span.End()

	br := bufio.NewReaderSize(conn, firstPacketPeekSize*4)

	peeked, ok := start(conn, br, policy, sl)
	if !ok {
		log.Admission(ctx, false, metrics.ReasonSlowloris)
		return rejected(metrics.ReasonSlowloris)
	}

	if reason, handled := probeHTTP(conn, br, peeked, policy, sl); handled {
		log.Admission(ctx, false, reason)
		return rejected(reason)
	}

	result := mqttInspect(ctx, conn, br, policy, sl, log)
	log.Admission(ctx, result.Accepted, result.Reason)
	return result
}

// start implements S0: peek up to firstPacketPeekSize bytes within
// FirstPacketTimeout, without consuming them.
func start(conn net.Conn, br *bufio.Reader, policy ConnectionPolicy, sl SlowlorisPolicy) ([]byte, bool) {
	if !policy.SlowlorisProtect {
		b, _ := br.Peek(1)
		return b, len(b) > 0
	}

	if err := conn.SetReadDeadline(time.Now().Add(sl.FirstPacketTimeout)); err != nil {
		return nil, false
	}
	defer conn.SetReadDeadline(time.Time{})

	peeked, err := br.Peek(firstPacketPeekSize)
	if len(peeked) == 0 {
		_ = err
		return nil, false
	}
	return peeked, true
}

// probeHTTP implements S1. If the quick-check doesn't match, it
// returns handled=false so the caller proceeds to S2 with the peek
// still intact (nothing was consumed). If the quick-check matches, it
// consumes and fully parses the request; every terminal outcome of
// that parse rejects the connection (see SPEC_FULL's resolution of the
// HTTP-fallthrough ambiguity: NotHttp after a quick-check match is
// treated the same as a Slowloris violation rather than replayed into
// the MQTT path).
func probeHTTP(conn net.Conn, br *bufio.Reader, peeked []byte, policy ConnectionPolicy, sl SlowlorisPolicy) (metrics.RejectReason, bool) {
	if !policy.HTTPInspect || !framing.LooksLikeHTTP(peeked) {
		return "", false
	}

	outcome := inspectHTTP(conn, br, sl)
	switch outcome {
	case httpDetected:
		return metrics.ReasonHTTP, true
	default:
		return metrics.ReasonSlowloris, true
	}
}

// mqttInspect implements S2 and S4.
func mqttInspect(ctx context.Context, conn net.Conn, br *bufio.Reader, policy ConnectionPolicy, sl SlowlorisPolicy, log *logging.Logger) Result {
	if !policy.MQTTInspect {
		return Result{Accepted: true, Reader: br}
	}

	if policy.MQTTFullInspect {
		return mqttFullInspect(ctx, conn, br, policy, sl, log)
	}
	return mqttLightweightInspect(ctx, conn, br, log)
}

func mqttLightweightInspect(ctx context.Context, conn net.Conn, br *bufio.Reader, log *logging.Logger) Result {
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		return rejected(metrics.ReasonProtocol)
	}
	defer conn.SetReadDeadline(time.Time{})

	b, err := br.Peek(1)
	if len(b) == 0 || err != nil {
		return rejected(metrics.ReasonProtocol)
	}
	kind := framing.Classify(b[0])
	log.MqttPacketObserved(ctx, kind)
	if kind != framing.Connect {
		return rejected(metrics.ReasonProtocol)
	}
	return Result{Accepted: true, Reader: br}
}

func mqttFullInspect(ctx context.Context, conn net.Conn, br *bufio.Reader, policy ConnectionPolicy, sl SlowlorisPolicy, log *logging.Logger) Result {
	connectDeadline := 30 * time.Second
	idleDeadline := 10 * time.Second
	if policy.SlowlorisProtect {
		connectDeadline = sl.MQTTConnectTimeout
		idleDeadline = sl.PacketIdleTimeout
	}
	deadlineAt := time.Now().Add(connectDeadline)

	var prefix []byte

	// (a) fixed header byte
	fixed, err := readByte(conn, br, minDuration(idleDeadline, time.Until(deadlineAt)))
	if err != nil {
		return rejected(timeoutOrProtocol(err))
	}
	prefix = append(prefix, fixed)
	kind := framing.Classify(fixed)
	log.MqttPacketObserved(ctx, kind)
	if kind != framing.Connect {
		return rejected(metrics.ReasonProtocol)
	}

	// (b) remaining length varint, one byte at a time under a 1s deadline
	var rlBytes []byte
	var remaining int
	for {
		if time.Now().After(deadlineAt) {
			return rejected(metrics.ReasonSlowloris)
		}
		b, err := readByte(conn, br, time.Second)
		if err != nil {
			return rejected(timeoutOrProtocol(err))
		}
		rlBytes = append(rlBytes, b)

		value, used, status := framing.DecodeRemainingLength(rlBytes)
		switch status {
		case framing.RLIncomplete:
			if len(rlBytes) >= 4 {
				return rejected(metrics.ReasonProtocol)
			}
			continue
		case framing.RLMalformed:
			return rejected(metrics.ReasonProtocol)
		case framing.RLOk:
			if value > policy.MaxConnectRemaining {
				return rejected(metrics.ReasonProtocol)
			}
			remaining = value
			prefix = append(prefix, rlBytes[:used]...)
		}
		break
	}

	// (c) variable header + payload, under a 5s deadline
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return rejected(metrics.ReasonProtocol)
	}
	payload := make([]byte, remaining)
	if _, err := io.ReadFull(br, payload); err != nil {
		conn.SetReadDeadline(time.Time{})
		return rejected(metrics.ReasonProtocol)
	}
	conn.SetReadDeadline(time.Time{})
	prefix = append(prefix, payload...)

	// (d) validate the CONNECT variable header
	if remaining < 6 || payload[0] != 0x00 || payload[1] != 0x04 ||
		string(payload[2:6]) != "MQTT" {
		return rejected(metrics.ReasonProtocol)
	}

	return Result{Accepted: true, Prefix: prefix, Reader: br}
}

func readByte(conn net.Conn, br *bufio.Reader, d time.Duration) (byte, error) {
	if d <= 0 {
		d = time.Millisecond
	}
	if err := conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return 0, err
	}
	defer conn.SetReadDeadline(time.Time{})
	return br.ReadByte()
}

func timeoutOrProtocol(err error) metrics.RejectReason {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return metrics.ReasonSlowloris
	}
	return metrics.ReasonProtocol
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
