package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpeedFromSamples(t *testing.T) {
	e := NewEstimator()
	assert.Zero(t, e.Speed())

	time.Sleep(200 * time.Millisecond)
	e.Update(100 * 1024)
	speed := e.Speed()
	// ~100 KiB over ~200ms is ~500 KiB/s; allow generous scheduling slack.
	assert.Greater(t, speed, int64(100*1024))
	assert.Less(t, speed, int64(2*1024*1024))
}

func TestUpdateIgnoresTooFrequentSamples(t *testing.T) {
	e := NewEstimator()
	time.Sleep(150 * time.Millisecond)
	e.Update(1024)
	first := e.Speed()
	e.Update(1 << 30) // within the 100ms window, must not distort the rate
	assert.Equal(t, first, e.Speed())
}

func TestETA(t *testing.T) {
	e := NewEstimator()
	time.Sleep(150 * time.Millisecond)
	e.Update(1024 * 1024)
	require.Greater(t, e.Speed(), int64(0))

	eta := e.ETA(1024*1024, 10*1024*1024)
	require.NotNil(t, eta)
	assert.GreaterOrEqual(t, *eta, int64(0))

	assert.Nil(t, e.ETA(1024, 0), "unknown total has no ETA")

	done := e.ETA(10*1024*1024, 10*1024*1024)
	require.NotNil(t, done)
	assert.Equal(t, int64(0), *done)
}

func TestETANilWithoutRate(t *testing.T) {
	e := NewEstimator()
	assert.Nil(t, e.ETA(0, 1024))
}

func TestAverage(t *testing.T) {
	e := NewEstimator()
	time.Sleep(100 * time.Millisecond)
	avg := e.Average(1024 * 1024)
	assert.Greater(t, avg, int64(0))
}
