package queue

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanmayb/downpour/internal/checkpoint"
	"github.com/tanmayb/downpour/internal/client"
	"github.com/tanmayb/downpour/internal/config"
	"github.com/tanmayb/downpour/internal/download"
	"github.com/tanmayb/downpour/internal/events"
	"github.com/tanmayb/downpour/internal/task"
)

func randomContent(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func serveContent(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "a.bin", time.Unix(1700000000, 0), bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// collector tails the event bus into a queryable log.
type collector struct {
	mu     sync.Mutex
	events []events.Event
	done   chan struct{}
}

func collect(bus *events.Bus) *collector {
	c := &collector{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for e := range bus.Events() {
			c.mu.Lock()
			c.events = append(c.events, e)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) forTask(id string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.events {
		if e.TaskID == id {
			out = append(out, e)
		}
	}
	return out
}

func (c *collector) types(id string) []events.Type {
	var out []events.Type
	for _, e := range c.forTask(id) {
		out = append(out, e.Type)
	}
	return out
}

func (c *collector) waitFor(t *testing.T, id string, want events.Type) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, e := range c.forTask(id) {
			if e.Type == want {
				return true
			}
		}
		return false
	}, 15*time.Second, 20*time.Millisecond, "event %s for task %s", want, id)
}

func testCoordinator(t *testing.T, cfg config.Config) (*Coordinator, *collector) {
	t.Helper()
	httpClient, err := client.New(client.Config{Timeout: 10 * time.Second, UserAgent: "downpour-test"})
	require.NoError(t, err)
	bus := events.NewBus()
	col := collect(bus)
	coord := New(cfg, httpClient, bus, filepath.Join(t.TempDir(), "queue.json"))
	require.NoError(t, coord.Start())
	return coord, col
}

func TestAddDownloadsAndEmitsCausalOrder(t *testing.T) {
	content := randomContent(t, 256*1024)
	srv := serveContent(t, content)
	dest := filepath.Join(t.TempDir(), "a.bin")
	digest := sha256.Sum256(content)

	cfg := config.Default()
	cfg.ChunkSize = 64 * 1024
	coord, col := testCoordinator(t, cfg)
	defer coord.Stop()

	id, err := coord.Add(srv.URL, dest, AddOptions{
		Priority: task.PriorityNormal,
		Checksum: &task.Checksum{Algo: task.ChecksumSHA256, Hex: hex.EncodeToString(digest[:])},
	})
	require.NoError(t, err)
	col.waitFor(t, id, events.TaskCompleted)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	seq := col.types(id)
	require.GreaterOrEqual(t, len(seq), 4)
	assert.Equal(t, events.TaskAdded, seq[0])
	assert.Equal(t, events.TaskStarted, seq[1])
	assert.Equal(t, events.TaskCompleted, seq[len(seq)-1])

	idx := func(want events.Type) int {
		for i, typ := range seq {
			if typ == want {
				return i
			}
		}
		return -1
	}
	require.GreaterOrEqual(t, idx(events.TaskProgress), 0)
	require.GreaterOrEqual(t, idx(events.VerifyStarted), 0)
	assert.Less(t, idx(events.TaskStarted), idx(events.TaskProgress))
	assert.Less(t, idx(events.VerifyStarted), idx(events.VerifyCompleted))
	assert.Less(t, idx(events.VerifyCompleted), idx(events.TaskCompleted))

	var last int64
	for _, e := range col.forTask(id) {
		if e.Type == events.TaskProgress {
			require.NotNil(t, e.Progress)
			assert.GreaterOrEqual(t, e.Progress.Downloaded, last)
			last = e.Progress.Downloaded
		}
	}

	st, err := coord.Get(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, st.Status)
	assert.Equal(t, int64(len(content)), st.Downloaded)
}

func TestAdmissionFollowsPriority(t *testing.T) {
	content := randomContent(t, 96*1024)
	srv := serveContent(t, content)
	dir := t.TempDir()

	cfg := config.Default()
	cfg.MaxActiveTasks = 1
	cfg.SpeedLimitBytesPerSec = 256 * 1024 // keep each task busy ~0.4s
	coord, col := testCoordinator(t, cfg)
	defer coord.Stop()

	first, err := coord.Add(srv.URL, filepath.Join(dir, "first.bin"), AddOptions{Priority: task.PriorityNormal})
	require.NoError(t, err)
	low, err := coord.Add(srv.URL, filepath.Join(dir, "low.bin"), AddOptions{Priority: task.PriorityLow})
	require.NoError(t, err)
	high, err := coord.Add(srv.URL, filepath.Join(dir, "high.bin"), AddOptions{Priority: task.PriorityHigh})
	require.NoError(t, err)
	normal, err := coord.Add(srv.URL, filepath.Join(dir, "normal.bin"), AddOptions{Priority: task.PriorityNormal})
	require.NoError(t, err)

	for _, id := range []string{first, low, high, normal} {
		col.waitFor(t, id, events.TaskCompleted)
	}

	var startOrder []string
	col.mu.Lock()
	for _, e := range col.events {
		if e.Type == events.TaskStarted {
			startOrder = append(startOrder, e.TaskID)
		}
	}
	col.mu.Unlock()
	require.Len(t, startOrder, 4)
	assert.Equal(t, first, startOrder[0], "first task admitted immediately")
	assert.Equal(t, []string{high, normal, low}, startOrder[1:], "queued tasks admit by priority")
}

func TestConcurrencyBound(t *testing.T) {
	content := randomContent(t, 64*1024)
	srv := serveContent(t, content)
	dir := t.TempDir()

	cfg := config.Default()
	cfg.MaxActiveTasks = 2
	cfg.SpeedLimitBytesPerSec = 128 * 1024
	coord, col := testCoordinator(t, cfg)
	defer coord.Stop()

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := coord.Add(srv.URL, filepath.Join(dir, filepath.Base(t.Name())+string(rune('a'+i))+".bin"), AddOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	deadline := time.After(30 * time.Second)
	done := make(chan struct{})
	go func() {
		for _, id := range ids {
			col.waitFor(t, id, events.TaskCompleted)
		}
		close(done)
	}()
	for {
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("downloads did not finish")
		case <-time.After(15 * time.Millisecond):
			tasks, err := coord.List()
			require.NoError(t, err)
			active := 0
			for _, tk := range tasks {
				if tk.Status == task.StatusDownloading {
					active++
				}
			}
			assert.LessOrEqual(t, active, 2, "active tasks exceed the configured limit")
		}
	}
}

func TestPauseResumeLifecycle(t *testing.T) {
	content := randomContent(t, 256*1024)
	srv := serveContent(t, content)
	dest := filepath.Join(t.TempDir(), "a.bin")

	cfg := config.Default()
	cfg.ChunkSize = 64 * 1024
	cfg.SpeedLimitBytesPerSec = 64 * 1024
	coord, col := testCoordinator(t, cfg)
	defer coord.Stop()

	id, err := coord.Add(srv.URL, dest, AddOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tk, err := coord.Get(id)
		return err == nil && tk != nil && tk.Downloaded > 0
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, coord.Pause(id))
	col.waitFor(t, id, events.TaskPaused)
	tk, err := coord.Get(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, tk.Status)

	require.NoError(t, coord.Resume(id))
	col.waitFor(t, id, events.TaskResumed)
	col.waitFor(t, id, events.TaskCompleted)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got, "paused and resumed file is byte-identical")
}

func TestResumeOnFailedClearsError(t *testing.T) {
	// A server that always 404s drives the task to Failed without retries.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	dest := filepath.Join(t.TempDir(), "a.bin")

	coord, col := testCoordinator(t, config.Default())
	defer coord.Stop()

	id, err := coord.Add(srv.URL, dest, AddOptions{})
	require.NoError(t, err)
	col.waitFor(t, id, events.TaskFailed)
	tk, err := coord.Get(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.NotEmpty(t, tk.Error)

	require.NoError(t, coord.Resume(id))
	col.waitFor(t, id, events.TaskResumed)
	// It requeues, re-admits and fails again with a fresh retry budget.
	require.Eventually(t, func() bool {
		failed := 0
		for _, e := range col.forTask(id) {
			if e.Type == events.TaskFailed {
				failed++
			}
		}
		return failed >= 2
	}, 15*time.Second, 20*time.Millisecond)
}

func TestCancelRemovesFiles(t *testing.T) {
	content := randomContent(t, 256*1024)
	srv := serveContent(t, content)
	dest := filepath.Join(t.TempDir(), "a.bin")

	cfg := config.Default()
	cfg.ChunkSize = 64 * 1024
	cfg.SpeedLimitBytesPerSec = 64 * 1024
	coord, col := testCoordinator(t, cfg)
	defer coord.Stop()

	id, err := coord.Add(srv.URL, dest, AddOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		tk, err := coord.Get(id)
		return err == nil && tk != nil && tk.Downloaded > 0
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, coord.Cancel(id))
	col.waitFor(t, id, events.TaskCancelled)

	tk, err := coord.Get(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, tk.Status)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "partial file removed")
	_, statErr = os.Stat(checkpoint.Path(dest))
	assert.True(t, os.IsNotExist(statErr), "sidecar removed")

	assert.NoError(t, coord.Cancel(id), "cancel on a terminal task is a no-op")
}

func TestRemoveRequiresTerminalStatus(t *testing.T) {
	content := randomContent(t, 128*1024)
	srv := serveContent(t, content)
	dest := filepath.Join(t.TempDir(), "a.bin")

	cfg := config.Default()
	cfg.SpeedLimitBytesPerSec = 64 * 1024
	coord, col := testCoordinator(t, cfg)
	defer coord.Stop()

	assert.ErrorIs(t, coord.Remove("missing"), ErrTaskNotFound)

	id, err := coord.Add(srv.URL, dest, AddOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		tk, err := coord.Get(id)
		return err == nil && tk != nil && tk.Status == task.StatusDownloading
	}, 10*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, coord.Remove(id), ErrNotRemovable)

	col.waitFor(t, id, events.TaskCompleted)
	assert.NoError(t, coord.Remove(id))
	tk, err := coord.Get(id)
	require.NoError(t, err)
	assert.Nil(t, tk)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	content := randomContent(t, 64*1024)
	srv := serveContent(t, content)
	dir := t.TempDir()
	dest := filepath.Join(dir, "a.bin")
	statePath := filepath.Join(dir, "queue.json")

	// A task left in Downloading by a dead process must demote to Pending
	// and re-admit on startup.
	stranded := task.New(srv.URL, dest, task.PriorityNormal, nil)
	stranded.Status = task.StatusDownloading
	stranded.TotalSize = int64(len(content))
	stranded.Downloaded = 1000
	require.NoError(t, saveState(statePath, &State{
		Tasks:               []*task.Task{stranded},
		NextAdmissionCursor: 7,
	}))

	httpClient, err := client.New(client.Config{Timeout: 10 * time.Second})
	require.NoError(t, err)
	bus := events.NewBus()
	col := collect(bus)
	coord := New(config.Default(), httpClient, bus, statePath)
	require.NoError(t, coord.Start())
	defer coord.Stop()

	col.waitFor(t, stranded.ID, events.TaskCompleted)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	st, err := loadState(statePath)
	require.NoError(t, err)
	require.Len(t, st.Tasks, 1)
	assert.Equal(t, task.StatusCompleted, st.Tasks[0].Status)
	assert.GreaterOrEqual(t, st.NextAdmissionCursor, int64(7))
}

func TestAutoRenameAtAdmission(t *testing.T) {
	content := randomContent(t, 32*1024)
	srv := serveContent(t, content)
	dir := t.TempDir()
	dest := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(dest, []byte("already here"), 0644))

	coord, col := testCoordinator(t, config.Default())
	defer coord.Stop()

	id, err := coord.Add(srv.URL, dest, AddOptions{AutoRename: true})
	require.NoError(t, err)
	col.waitFor(t, id, events.TaskCompleted)

	orig, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("already here"), orig, "existing file untouched")

	renamed := filepath.Join(dir, "a (1).bin")
	got, err := os.ReadFile(renamed)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	tk, err := coord.Get(id)
	require.NoError(t, err)
	assert.Equal(t, renamed, tk.Dest, "resolved path persisted on the task")
}

func TestClearCompleted(t *testing.T) {
	content := randomContent(t, 16*1024)
	srv := serveContent(t, content)
	dir := t.TempDir()

	coord, col := testCoordinator(t, config.Default())
	defer coord.Stop()

	id, err := coord.Add(srv.URL, filepath.Join(dir, "a.bin"), AddOptions{})
	require.NoError(t, err)
	col.waitFor(t, id, events.TaskCompleted)

	require.NoError(t, coord.ClearCompleted())
	tasks, err := coord.List()
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestOnCompleteCallback(t *testing.T) {
	content := randomContent(t, 16*1024)
	srv := serveContent(t, content)
	dest := filepath.Join(t.TempDir(), "a.bin")

	coord, col := testCoordinator(t, config.Default())
	defer coord.Stop()

	type result struct {
		id      string
		outcome download.Outcome
	}
	results := make(chan result, 1)
	require.NoError(t, coord.OnComplete(func(taskID string, outcome download.Outcome) {
		results <- result{id: taskID, outcome: outcome}
	}))

	id, err := coord.Add(srv.URL, dest, AddOptions{})
	require.NoError(t, err)
	col.waitFor(t, id, events.TaskCompleted)

	select {
	case r := <-results:
		assert.Equal(t, id, r.id)
		assert.Equal(t, download.OutcomeCompleted, r.outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("completion callback not invoked")
	}
}
