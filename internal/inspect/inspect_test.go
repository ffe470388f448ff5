package inspect

import (
	"net"
	"testing"
	"time"

	"github.com/aegisgate-dev/aegisgate/internal/logging"
	"github.com/aegisgate-dev/aegisgate/internal/metrics"
)

func testPolicy() (ConnectionPolicy, SlowlorisPolicy) {
	return ConnectionPolicy{
			MQTTInspect:         true,
			MQTTFullInspect:     true,
			HTTPInspect:         true,
			SlowlorisProtect:    true,
			MaxConnectRemaining: 65536,
		}, SlowlorisPolicy{
			FirstPacketTimeout: 200 * time.Millisecond,
			PacketIdleTimeout:  100 * time.Millisecond,
			ConnectionTimeout:  time.Second,
			MQTTConnectTimeout: 500 * time.Millisecond,
			MQTTPacketTimeout:  100 * time.Millisecond,
			HTTPRequestTimeout: 200 * time.Millisecond,
			MaxHTTPHeaderSize:  8192,
			MaxHTTPHeaderCount: 100,
			MaxHeaderLineSize:  8192,
		}
}

func runAgainst(t *testing.T, send []byte, closeAfterSend bool) Result {
	t.Helper()
	client, server := net.Pipe()
	defer server.Close()

	connPolicy, slPolicy := testPolicy()
	log := logging.New("inspect-test")

	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- Run(server, connPolicy, slPolicy, log)
	}()

	client.Write(send)
	if closeAfterSend {
		client.Close()
	}

	select {
	case r := <-resultCh:
		if !closeAfterSend {
			client.Close()
		}
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return in time")
		return Result{}
	}
}

func TestHappyMQTTLightweight(t *testing.T) {
	connPolicy, slPolicy := testPolicy()
	connPolicy.MQTTFullInspect = false

	packet := []byte{0x10, 0x0F, 0x00, 0x04, 0x4D, 0x51, 0x54, 0x54, 0x04, 0x02, 0x00, 0x3C, 0x00, 0x03, 0x63, 0x69, 0x64}

	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	log := logging.New("inspect-test")
	resultCh := make(chan Result, 1)
	go func() { resultCh <- Run(server, connPolicy, slPolicy, log) }()

	client.Write(packet)

	select {
	case r := <-resultCh:
		if !r.Accepted {
			t.Fatalf("expected accept, got reject reason %v", r.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return in time")
	}
}

func TestMalformedConnectVariableHeader(t *testing.T) {
	packet := []byte{0x10, 0x04, 0x00, 0x04, 0x4D, 0x51}
	r := runAgainst(t, packet, false)
	if r.Accepted {
		t.Fatal("expected rejection")
	}
	if r.Reason != metrics.ReasonProtocol {
		t.Fatalf("reason = %v, want %v", r.Reason, metrics.ReasonProtocol)
	}
}

func TestRemainingLengthOverCap(t *testing.T) {
	connPolicy, slPolicy := testPolicy()
	connPolicy.MaxConnectRemaining = 1024

	packet := []byte{0x10, 0xFF, 0xFF, 0xFF, 0x7F}

	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	log := logging.New("inspect-test")
	resultCh := make(chan Result, 1)
	go func() { resultCh <- Run(server, connPolicy, slPolicy, log) }()

	client.Write(packet)

	select {
	case r := <-resultCh:
		if r.Accepted {
			t.Fatal("expected rejection")
		}
		if r.Reason != metrics.ReasonProtocol {
			t.Fatalf("reason = %v, want %v", r.Reason, metrics.ReasonProtocol)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return in time")
	}
}

func TestHTTPProbeRejected(t *testing.T) {
	packet := []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	r := runAgainst(t, packet, false)
	if r.Accepted {
		t.Fatal("expected rejection")
	}
	if r.Reason != metrics.ReasonHTTP {
		t.Fatalf("reason = %v, want %v", r.Reason, metrics.ReasonHTTP)
	}
}

func TestSlowlorisIdleTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	connPolicy, slPolicy := testPolicy()
	log := logging.New("inspect-test")

	resultCh := make(chan Result, 1)
	go func() { resultCh <- Run(server, connPolicy, slPolicy, log) }()

	client.Write([]byte{0x10})
	// stall past PacketIdleTimeout before sending more.

	select {
	case r := <-resultCh:
		if r.Accepted {
			t.Fatal("expected rejection")
		}
		if r.Reason != metrics.ReasonSlowloris {
			t.Fatalf("reason = %v, want %v", r.Reason, metrics.ReasonSlowloris)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return in time")
	}
}
