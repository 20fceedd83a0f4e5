package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by every chunk worker of one download.
// Tokens are bytes; they accrue at the configured rate with a burst ceiling
// of one second of tokens. A nil or unlimited Limiter is a pass-through.
type Limiter struct {
	bucket *rate.Limiter
}

// New returns a limiter capping throughput at bytesPerSec. A non-positive
// limit disables rate limiting entirely.
func New(bytesPerSec int64) *Limiter {
	if bytesPerSec <= 0 {
		return &Limiter{}
	}
	bucket := rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
	// Drain the initial burst so the first second is not double-rate.
	bucket.AllowN(time.Now(), int(bytesPerSec))
	return &Limiter{bucket: bucket}
}

// WaitN blocks until n byte tokens are available or ctx is done. Requests
// larger than the burst ceiling are split so any buffer size is accepted.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil || l.bucket == nil || n <= 0 {
		return nil
	}
	burst := l.bucket.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := l.bucket.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// Limited reports whether a cap is configured.
func (l *Limiter) Limited() bool {
	return l != nil && l.bucket != nil
}
