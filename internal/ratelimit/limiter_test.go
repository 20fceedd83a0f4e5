package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlimitedIsPassThrough(t *testing.T) {
	for _, l := range []*Limiter{nil, New(0), New(-1)} {
		start := time.Now()
		require.NoError(t, l.WaitN(context.Background(), 1<<30))
		assert.Less(t, time.Since(start), 50*time.Millisecond)
		assert.False(t, l.Limited())
	}
}

func TestWaitNPacesToConfiguredRate(t *testing.T) {
	l := New(100 * 1024) // 100 KiB/s
	require.True(t, l.Limited())
	ctx := context.Background()

	start := time.Now()
	// 50 KiB against an initially empty bucket should take ~0.5s.
	require.NoError(t, l.WaitN(ctx, 50*1024))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 350*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestWaitNSplitsRequestsLargerThanBurst(t *testing.T) {
	l := New(64 * 1024)
	start := time.Now()
	// Two seconds' worth of tokens must not error on burst overflow.
	require.NoError(t, l.WaitN(context.Background(), 128*1024))
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestWaitNHonoursContextCancel(t *testing.T) {
	l := New(1024)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := l.WaitN(ctx, 1<<20)
	assert.Error(t, err)
}
