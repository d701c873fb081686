package ratelimit

import (
	"sync"
	"time"
)

// The bucket counts in nano-messages so fractional refill over short
// intervals needs no floating point. One message is 1e9 nano-messages,
// which makes a rate of R messages/sec exactly R nano-messages per
// elapsed nanosecond.
const nanoPerMessage int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket throttles a single signaling client. The hub creates one
// per websocket connection with capacity == refill rate (the configured
// messages/second), so a client may burst one second's worth of
// envelopes and is then paced at the steady rate.
//
// Refill is driven by the injected Clock, which keeps behavior
// deterministic under test.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // messages
	rate     int64 // messages/sec

	available int64 // nano-messages
	last      time.Time
}

// NewTokenBucket returns a bucket that starts full, so a freshly
// connected client gets its burst allowance immediately.
func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}

	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: toNano(capacity),
		last:      clock.Now(),
	}
}

// Allow spends n messages of budget if available and reports whether the
// caller may proceed. The hub calls Allow(1) per inbound envelope and
// disconnects the client on false.
//
// n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}

	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available < cost {
		return false
	}

	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards. Skip the refill and re-anchor.
		b.last = now
		return
	}

	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 {
		return
	}

	full := toNano(b.capacity)
	if b.available >= full {
		b.available = full
		return
	}

	need := full - b.available
	elapsedNanos := elapsed.Nanoseconds()
	if elapsedNanos <= 0 {
		return
	}

	// rate is messages/sec, which is exactly nano-messages per
	// nanosecond in the fixed-point representation. If enough time
	// passed to refill completely, clamp instead of multiplying, which
	// also sidesteps overflow on long idle gaps.
	maxElapsedToFill := need / b.rate
	if maxElapsedToFill <= 0 || elapsedNanos >= maxElapsedToFill {
		b.available = full
		return
	}

	b.available += elapsedNanos * b.rate
	if b.available > full {
		b.available = full
	}
}

func toNano(messages int64) int64 {
	if messages <= 0 {
		return 0
	}
	if messages > maxInt64/nanoPerMessage {
		return maxInt64
	}
	return messages * nanoPerMessage
}
