package download

import "github.com/tanmayb/downpour/internal/checkpoint"

// maxChunksFactor clamps the chunk count to maxWorkers*4 so huge files do not
// produce pathological plans.
const maxChunksFactor = 4

// PlanChunks partitions [0, total) into contiguous half-open ranges of
// roughly chunkSize bytes, the last range absorbing the remainder. The chunk
// count is clamped to maxWorkers*maxChunksFactor; a non-positive total yields
// a nil plan (single streaming transfer, no ranges).
func PlanChunks(total, chunkSize int64, maxWorkers int) []checkpoint.Chunk {
	if total <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	n := (total + chunkSize - 1) / chunkSize
	maxChunks := int64(maxWorkers * maxChunksFactor)
	if maxChunks < 1 {
		maxChunks = 1
	}
	if n > maxChunks {
		n = maxChunks
		chunkSize = (total + n - 1) / n
	}
	chunks := make([]checkpoint.Chunk, 0, n)
	for start := int64(0); start < total; start += chunkSize {
		end := start + chunkSize
		if end > total {
			end = total
		}
		chunks = append(chunks, checkpoint.Chunk{Start: start, End: end})
	}
	return chunks
}
