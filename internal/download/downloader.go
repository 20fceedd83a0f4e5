package download

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanmayb/downpour/internal/checkpoint"
	"github.com/tanmayb/downpour/internal/client"
	"github.com/tanmayb/downpour/internal/events"
	"github.com/tanmayb/downpour/internal/progress"
	"github.com/tanmayb/downpour/internal/ratelimit"
	"github.com/tanmayb/downpour/internal/task"
	"github.com/tanmayb/downpour/internal/verify"
	"github.com/tanmayb/downpour/utils"
)

const (
	maxRetries      = 5
	flushInterval   = 200 * time.Millisecond
	backoffBase     = 500 * time.Millisecond
	backoffCap      = 30 * time.Second
	backoffJitter   = 0.2
	controlPollTick = 50 * time.Millisecond
)

// Config carries the per-download knobs of one Downloader instance.
type Config struct {
	ChunkSize             int64
	MaxConcurrentChunks   int
	SpeedLimitBytesPerSec int64
}

// Hooks receive the externally observable signals of a run. All callbacks
// fire from downloader-owned goroutines and must not block.
type Hooks struct {
	Progress        func(p events.Progress)
	VerifyStarted   func()
	VerifyCompleted func(success bool)
}

func (h Hooks) progress(p events.Progress) {
	if h.Progress != nil {
		h.Progress(p)
	}
}

// Downloader orchestrates one URL-to-path transfer: probe, chunk plan,
// parallel workers, retries with backoff, checkpointing and verification.
type Downloader struct {
	client *client.Client
	cfg    Config
	log    zerolog.Logger
}

func New(c *client.Client, cfg Config) *Downloader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1 << 20
	}
	if cfg.MaxConcurrentChunks <= 0 {
		cfg.MaxConcurrentChunks = 4
	}
	return &Downloader{client: c, cfg: cfg, log: utils.GetLogger("downloader")}
}

// Run drives the full transfer for t and returns its outcome. The error is
// non-nil only for OutcomeFailed. Progress and verification events go
// through hooks, and checkpoints are saved, as the transfer proceeds.
func (d *Downloader) Run(ctx context.Context, t *task.Task, ctrl *Control, hooks Hooks) (Outcome, error) {
	log := d.log.With().Str("task", t.ID).Logger()

	// Interrupt blocking waits shortly after a control flag trips.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		ticker := time.NewTicker(controlPollTick)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if ctrl.Cancelled() || ctrl.Paused() {
					cancelRun()
					return
				}
			}
		}
	}()
	defer func() { cancelRun(); <-watcherDone }()

	retries := 0
	var info client.Info
	for {
		var err error
		info, err = d.client.Probe(runCtx, t.URL, t.Headers)
		if err == nil {
			break
		}
		if o, stop := d.checkControl(ctrl); stop {
			return o, nil
		}
		if !retryable(err) || retries >= maxRetries {
			return OutcomeFailed, fmt.Errorf("error probing %s: %w", t.URL, err)
		}
		retries++
		log.Debug().Err(err).Int("attempt", retries).Msg("Probe failed, retrying")
		if !sleepBackoff(runCtx, retries) {
			if o, stop := d.checkControl(ctrl); stop {
				return o, nil
			}
			return OutcomeFailed, runCtx.Err()
		}
	}
	log.Debug().Int64("size", info.Size).Bool("ranges", info.RangeSupport).Str("url", info.FinalURL).Msg("Probe complete")

	rec, resumable, fresh := d.plan(t, info, log)
	st := &runState{
		rec:       rec,
		done:      make([]bool, len(rec.Chunks)),
		resumable: resumable,
		estimator: progress.NewEstimator(),
	}

	flag := os.O_RDWR | os.O_CREATE
	if fresh {
		flag |= os.O_TRUNC
	}
	out, err := os.OpenFile(t.Dest, flag, 0644)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("error opening destination: %w", err)
	}
	defer out.Close()

	outcome, err := d.transfer(runCtx, t, ctrl, hooks, st, out, &retries)
	if err != nil {
		return OutcomeFailed, err
	}
	if outcome != OutcomeCompleted {
		return outcome, nil
	}

	if err := out.Sync(); err != nil {
		return OutcomeFailed, fmt.Errorf("error syncing destination: %w", err)
	}
	if total := st.total(); total > 0 {
		fi, err := out.Stat()
		if err != nil {
			return OutcomeFailed, err
		}
		if fi.Size() != total {
			return OutcomeFailed, fmt.Errorf("file size %d does not match expected %d", fi.Size(), total)
		}
	}

	if t.Checksum != nil {
		if hooks.VerifyStarted != nil {
			hooks.VerifyStarted()
		}
		verr := verify.File(t.Dest, t.Checksum, ctrl.CancelFlag())
		success := verr == nil
		if hooks.VerifyCompleted != nil {
			hooks.VerifyCompleted(success)
		}
		if verr == verify.ErrCancelled {
			return OutcomeCancelled, nil
		}
		if verr != nil {
			// File stays on disk for inspection.
			return OutcomeFailed, verr
		}
	}

	if err := checkpoint.Remove(t.Dest); err != nil {
		log.Warn().Err(err).Msg("Could not remove checkpoint after completion")
	}
	log.Debug().Str("dest", t.Dest).Msg("Download completed")
	return OutcomeCompleted, nil
}

// plan reuses a valid matching checkpoint or builds a fresh chunk plan.
// fresh reports whether the destination should be truncated.
func (d *Downloader) plan(t *task.Task, info client.Info, log zerolog.Logger) (rec *checkpoint.Record, resumable, fresh bool) {
	resumable = info.RangeSupport && info.Size > 0
	if resumable {
		if prev, err := checkpoint.Load(t.Dest); err != nil {
			log.Warn().Err(err).Msg("Discarding corrupt checkpoint, restarting from zero")
			checkpoint.Discard(t.Dest)
		} else if prev != nil {
			if d.checkpointMatches(prev, t.URL, info) {
				if fi, statErr := os.Stat(t.Dest); statErr == nil && prev.Resumable(fi.Size()) {
					log.Debug().Int64("resumed", prev.Downloaded()).Msg("Resuming from checkpoint")
					return prev, true, false
				}
			}
			log.Debug().Msg("Checkpoint does not match remote, restarting from zero")
			checkpoint.Discard(t.Dest)
		}
	}
	rec = &checkpoint.Record{
		URL:          t.URL,
		Dest:         t.Dest,
		TotalSize:    info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
		Chunks:       PlanChunks(info.Size, d.cfg.ChunkSize, d.cfg.MaxConcurrentChunks),
	}
	if !info.RangeSupport || info.Size <= 0 {
		// Single transfer without range support; progress cannot be reused
		// across runs.
		rec.Chunks = []checkpoint.Chunk{{Start: 0, End: info.Size}}
		resumable = false
	}
	return rec, resumable, true
}

// checkpointMatches requires equal length and, when both sides carry a
// validator, an unchanged ETag or Last-Modified.
func (d *Downloader) checkpointMatches(rec *checkpoint.Record, url string, info client.Info) bool {
	if rec.URL != url || rec.TotalSize != info.Size {
		return false
	}
	if rec.ETag != "" && info.ETag != "" && rec.ETag != info.ETag {
		return false
	}
	if rec.LastModified != "" && info.LastModified != "" && rec.LastModified != info.LastModified {
		return false
	}
	return true
}

// runState is the shared mutable progress of one run. The mutex covers the
// record's chunk counters; the aggregator is the only checkpoint writer.
type runState struct {
	mu        sync.Mutex
	rec       *checkpoint.Record
	done      []bool
	resumable bool
	estimator *progress.Estimator
}

func (s *runState) total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.TotalSize
}

func (s *runState) downloaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Downloaded()
}

// pendingChunks snapshots the unfinished chunk indices and their progress.
func (s *runState) pendingChunks() (idx []int, chunks []checkpoint.Chunk, written []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.rec.Chunks {
		if s.done[i] || (c.End > 0 && c.Done()) {
			continue
		}
		idx = append(idx, i)
		chunks = append(chunks, checkpoint.Chunk{Start: c.Start, End: c.End})
		written = append(written, c.Written)
	}
	return idx, chunks, written
}

func (s *runState) markDone(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[i] = true
}

func (s *runState) numChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rec.Chunks)
}

// resetChunk clears a chunk's progress (non-resumable retries restart at 0).
func (s *runState) resetChunk(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Chunks[i].Written = 0
}

func (s *runState) addWritten(i int, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Chunks[i].Written += n
}

// snapshot marshals a copy of the record for persistence.
func (s *runState) snapshot() checkpoint.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.rec
	cp.Chunks = append([]checkpoint.Chunk(nil), s.rec.Chunks...)
	return cp
}

// transfer runs worker rounds until every chunk completes, a control flag
// trips, or the retry budget is exhausted.
func (d *Downloader) transfer(ctx context.Context, t *task.Task, ctrl *Control, hooks Hooks, st *runState, out *os.File, retries *int) (Outcome, error) {
	log := d.log.With().Str("task", t.ID).Logger()
	limiter := ratelimit.New(d.cfg.SpeedLimitBytesPerSec)

	progressCh := make(chan progressUpdate, 1024)
	aggDone := make(chan struct{})
	go d.aggregate(progressCh, aggDone, st, hooks)
	defer func() {
		close(progressCh)
		<-aggDone
	}()

	// Observers learn the starting point (0 on fresh runs, the resumed byte
	// count otherwise) before any worker output.
	progressCh <- progressUpdate{chunk: -1}

	for {
		idx, chunks, written := st.pendingChunks()
		if len(idx) == 0 {
			return OutcomeCompleted, nil
		}

		roundCtx, cancelRound := context.WithCancel(ctx)
		sem := make(chan struct{}, d.cfg.MaxConcurrentChunks)
		results := make(chan workerResult, len(idx))
		var wg sync.WaitGroup
		for i := range idx {
			wg.Add(1)
			go func(slot int) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-roundCtx.Done():
					results <- workerResult{chunk: idx[slot], aborted: true}
					return
				}
				w := &worker{
					client:   d.client,
					url:      t.URL,
					headers:  t.Headers,
					limiter:  limiter,
					ctrl:     ctrl,
					out:      out,
					progress: progressCh,
					multi:    st.numChunks() > 1,
				}
				outcome, err := w.run(roundCtx, idx[slot], chunks[slot], written[slot])
				results <- workerResult{chunk: idx[slot], outcome: outcome, err: err}
			}(i)
		}

		var firstErr error
		paused, cancelled := false, false
		for range idx {
			r := <-results
			if r.aborted {
				continue
			}
			switch r.outcome {
			case OutcomeCompleted:
				st.markDone(r.chunk)
			case OutcomePaused:
				paused = true
			case OutcomeCancelled:
				cancelled = true
			case OutcomeFailed:
				if firstErr == nil && !isCtxErr(r.err) {
					firstErr = r.err
					// Stop the rest of the round; their progress is kept.
					cancelRound()
				}
			}
		}
		wg.Wait()
		cancelRound()

		if cancelled || ctrl.Cancelled() {
			return OutcomeCancelled, nil
		}
		if paused || ctrl.Paused() {
			return OutcomePaused, nil
		}
		if firstErr != nil {
			if !retryable(firstErr) || *retries >= maxRetries {
				return OutcomeFailed, firstErr
			}
			*retries++
			log.Debug().Err(firstErr).Int("attempt", *retries).Int("maxRetries", maxRetries).Msg("Retrying failed chunks")
			if !st.resumable {
				// Without range support a retry cannot resume mid-stream.
				for _, i := range idx {
					st.resetChunk(i)
				}
			}
			if !sleepBackoff(ctx, *retries) {
				if o, stop := d.checkControl(ctrl); stop {
					return o, nil
				}
				return OutcomeFailed, ctx.Err()
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			if o, stop := d.checkControl(ctrl); stop {
				return o, nil
			}
			return OutcomeFailed, err
		}
	}
}

type workerResult struct {
	chunk   int
	outcome Outcome
	err     error
	aborted bool
}

// aggregate drains per-worker deltas, maintains speed and ETA, and flushes a
// checkpoint plus a progress callback at most every flushInterval, always on
// worker completion and on shutdown.
func (d *Downloader) aggregate(ch <-chan progressUpdate, done chan<- struct{}, st *runState, hooks Hooks) {
	defer close(done)
	log := utils.GetLogger("aggregator")
	var lastFlush time.Time
	dirty := false

	flush := func() {
		downloaded := st.downloaded()
		st.estimator.Update(downloaded)
		total := st.total()
		if st.resumable {
			rec := st.snapshot()
			if err := checkpoint.Save(&rec); err != nil {
				log.Warn().Err(err).Msg("Could not flush checkpoint")
			}
		}
		hooks.progress(events.Progress{
			Downloaded: downloaded,
			Total:      total,
			Speed:      st.estimator.Speed(),
			ETA:        st.estimator.ETA(downloaded, total),
		})
		lastFlush = time.Now()
		dirty = false
	}

	for u := range ch {
		if u.n > 0 {
			st.addWritten(u.chunk, u.n)
			dirty = true
		}
		if u.done || u.chunk < 0 || time.Since(lastFlush) >= flushInterval {
			flush()
		}
	}
	if dirty {
		flush()
	}
}

func (d *Downloader) checkControl(ctrl *Control) (Outcome, bool) {
	if ctrl.Cancelled() {
		return OutcomeCancelled, true
	}
	if ctrl.Paused() {
		return OutcomePaused, true
	}
	return OutcomeFailed, false
}

func isCtxErr(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// sleepBackoff waits base*2^(attempt-1) capped at backoffCap with ±20%
// jitter. Returns false if the context ended first.
func sleepBackoff(ctx context.Context, attempt int) bool {
	delay := backoffBase << (attempt - 1)
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	delay = time.Duration(float64(delay) * jitter)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
