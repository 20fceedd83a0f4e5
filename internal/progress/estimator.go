package progress

import "time"

// minWindow guards the instantaneous rate against division noise on
// back-to-back samples.
const minWindow = 100 * time.Millisecond

// Estimator produces instantaneous and lifetime-average transfer rates plus
// an ETA from monotonic samples of the total bytes downloaded. Not safe for
// concurrent use; the progress aggregator is its only caller.
type Estimator struct {
	start      time.Time
	lastSample time.Time
	lastBytes  int64
	rate       float64
}

func NewEstimator() *Estimator {
	now := time.Now()
	return &Estimator{start: now, lastSample: now}
}

// Update records the current total and refreshes the instantaneous rate if at
// least minWindow has elapsed since the previous sample.
func (e *Estimator) Update(totalDownloaded int64) {
	now := time.Now()
	elapsed := now.Sub(e.lastSample)
	if elapsed < minWindow {
		return
	}
	delta := totalDownloaded - e.lastBytes
	if delta < 0 {
		delta = 0
	}
	e.rate = float64(delta) / elapsed.Seconds()
	e.lastSample = now
	e.lastBytes = totalDownloaded
}

// Speed is the instantaneous rate in bytes/second.
func (e *Estimator) Speed() int64 {
	return int64(e.rate)
}

// Average is the lifetime rate in bytes/second.
func (e *Estimator) Average(totalDownloaded int64) int64 {
	elapsed := time.Since(e.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(totalDownloaded) / elapsed)
}

// ETA estimates seconds remaining, clamped to >= 0. Nil when the total is
// unknown or no rate has been observed yet.
func (e *Estimator) ETA(downloaded, total int64) *int64 {
	if total <= 0 || e.rate <= 0 {
		return nil
	}
	remaining := total - downloaded
	if remaining < 0 {
		remaining = 0
	}
	eta := int64(float64(remaining) / e.rate)
	return &eta
}
