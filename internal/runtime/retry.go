package runtime

import (
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays with jitter. Jitter is drawn from
// [0, Base) so delays never decrease between attempts, and every delay is
// capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// rnd is replaceable in tests.
	rnd func() float64
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &Backoff{Base: base, Max: max, rnd: rand.Float64}
}

// Delay returns the wait before retrying after the given 1-based attempt:
// min(base * 2^(attempt-1) + jitter, max).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d < 0 {
			return b.Max
		}
	}

	d += time.Duration(b.rnd() * float64(b.Base))
	if d > b.Max {
		return b.Max
	}
	return d
}
