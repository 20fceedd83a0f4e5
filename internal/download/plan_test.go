package download

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanChunksExactPartition(t *testing.T) {
	const mib = 1 << 20
	chunks := PlanChunks(10*mib, mib, 4)
	require.Len(t, chunks, 10)

	var cursor int64
	for _, c := range chunks {
		assert.Equal(t, cursor, c.Start)
		assert.Equal(t, int64(mib), c.Size())
		cursor = c.End
	}
	assert.Equal(t, int64(10*mib), cursor)
}

func TestPlanChunksLastAbsorbsRemainder(t *testing.T) {
	chunks := PlanChunks(2_500_000, 1<<20, 4)
	require.Len(t, chunks, 3)
	assert.Equal(t, int64(2_500_000), chunks[2].End)
	assert.Equal(t, int64(2_500_000-2*(1<<20)), chunks[2].Size())
}

func TestPlanChunksClampsCount(t *testing.T) {
	// 1 GiB at 1 MiB chunks would be 1024 ranges; the clamp holds it to
	// maxWorkers*4.
	chunks := PlanChunks(1<<30, 1<<20, 4)
	require.Len(t, chunks, 16)

	var cursor int64
	for _, c := range chunks {
		assert.Equal(t, cursor, c.Start)
		cursor = c.End
	}
	assert.Equal(t, int64(1<<30), cursor)
}

func TestPlanChunksSmallFile(t *testing.T) {
	chunks := PlanChunks(100, 1<<20, 4)
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(0), chunks[0].Start)
	assert.Equal(t, int64(100), chunks[0].End)
}

func TestPlanChunksUnknownTotal(t *testing.T) {
	assert.Nil(t, PlanChunks(0, 1<<20, 4))
	assert.Nil(t, PlanChunks(-1, 1<<20, 4))
}
