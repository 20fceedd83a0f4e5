package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/tanmayb/downpour/internal/checkpoint"
	"github.com/tanmayb/downpour/internal/client"
	"github.com/tanmayb/downpour/internal/ratelimit"
	"github.com/tanmayb/downpour/utils"
)

// bufferSize is the streaming granularity. Cancellation latency is bounded
// by one buffer.
const bufferSize = 64 * 1024

// progressUpdate flows from a chunk worker to the progress aggregator.
type progressUpdate struct {
	chunk int
	n     int64
	done  bool
}

// worker streams one byte range into the shared output file at its absolute
// offset. Workers never retry; transient failures bubble up so the
// downloader can respawn a fresh worker from the persisted offset.
type worker struct {
	client   *client.Client
	url      string
	headers  map[string]string
	limiter  *ratelimit.Limiter
	ctrl     *Control
	out      *os.File
	progress chan<- progressUpdate
	multi    bool
}

// run transfers bytes [chunk.Start+written, chunk.End) and reports per-buffer
// deltas. A zero chunk.End means the length is unknown and the whole body is
// streamed without a Range header.
func (w *worker) run(ctx context.Context, idx int, chunk checkpoint.Chunk, written int64) (Outcome, error) {
	log := utils.GetLogger("chunk").With().Int("chunkId", idx).Logger()
	start := chunk.Start + written
	ranged := chunk.End > 0 && (w.multi || start > 0 || chunk.Start > 0)

	req, err := w.client.NewRequest(ctx, http.MethodGet, w.url, w.headers)
	if err != nil {
		return OutcomeFailed, err
	}
	if ranged {
		rangeHeader := fmt.Sprintf("bytes=%d-%d", start, chunk.End-1)
		req.Header.Set("Range", rangeHeader)
		log.Debug().Str("range", rangeHeader).Msg("Sending range request")
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return OutcomeFailed, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if !ranged {
			return OutcomeFailed, fmt.Errorf("unexpected 206 for full request")
		}
	case http.StatusOK:
		if ranged {
			// Full content for a ranged request; writing it at this offset
			// would corrupt the file.
			return OutcomeFailed, ErrRangeUnsupported
		}
	default:
		return OutcomeFailed, &client.HTTPStatusError{Code: resp.StatusCode}
	}

	buf := make([]byte, bufferSize)
	offset := start
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := w.limiter.WaitN(ctx, n); err != nil {
				return w.interrupted(err)
			}
			if _, err := w.out.WriteAt(buf[:n], offset); err != nil {
				return OutcomeFailed, err
			}
			offset += int64(n)
			written += int64(n)
			w.progress <- progressUpdate{chunk: idx, n: int64(n)}
			if w.ctrl.Cancelled() {
				return OutcomeCancelled, nil
			}
			if w.ctrl.Paused() {
				return OutcomePaused, nil
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return w.interrupted(readErr)
		}
	}
	if chunk.End > 0 && written != chunk.Size() {
		return OutcomeFailed, fmt.Errorf("size mismatch on chunk %d: got %d of %d bytes: %w",
			idx, written, chunk.Size(), io.ErrUnexpectedEOF)
	}
	w.progress <- progressUpdate{chunk: idx, done: true}
	log.Debug().Int64("bytes", written).Msg("Chunk download completed")
	return OutcomeCompleted, nil
}

// interrupted maps a mid-transfer error to pause/cancel when a control flag
// caused the interruption.
func (w *worker) interrupted(err error) (Outcome, error) {
	if w.ctrl.Cancelled() {
		return OutcomeCancelled, nil
	}
	if w.ctrl.Paused() {
		return OutcomePaused, nil
	}
	return OutcomeFailed, err
}
