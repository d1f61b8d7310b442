// Package callback delivers terminal scrape reports to the controller: it
// signs each attempt, retries with jittered exponential backoff, dead-letters
// what cannot be delivered, and replays dead letters on demand.
package callback

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"
)

// RetryPolicy describes how many attempts a delivery gets and how long to
// wait between them.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// JitterPct is the fraction of the delay used as a symmetric random offset.
	JitterPct float64
}

// DefaultRetryPolicy returns three attempts, 1s base, 10s cap and 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		JitterPct:   0.2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.JitterPct < 0 {
		p.JitterPct = 0
	}
	if p.JitterPct > 1 {
		p.JitterPct = 1
	}
	return p
}

// BaseDelayAfter returns the unjittered wait after failed attempt k (1-based):
// min(MaxDelay, BaseDelay * 2^(k-1)).
func (p RetryPolicy) BaseDelayAfter(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 1) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Delay applies jitter to BaseDelayAfter. unit is a uniform sample in [0, 1)
// and maps to an offset in [-delay*JitterPct, +delay*JitterPct). The result
// is never negative.
func (p RetryPolicy) Delay(attempt int, unit float64) time.Duration {
	p = p.normalized()
	delay := float64(p.BaseDelayAfter(attempt))
	if unit < 0 {
		unit = 0
	}
	if unit >= 1 {
		unit = math.Nextafter(1, 0)
	}
	offset := (unit*2 - 1) * delay * p.JitterPct
	jittered := delay + offset
	if jittered < 0 {
		return 0
	}
	return time.Duration(jittered)
}

// NextDelay is Delay with a cryptographically random jitter sample.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	return p.Delay(attempt, randomUnit())
}

func randomUnit() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}
