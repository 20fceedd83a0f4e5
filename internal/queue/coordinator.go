package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tanmayb/downpour/internal/checkpoint"
	"github.com/tanmayb/downpour/internal/client"
	"github.com/tanmayb/downpour/internal/config"
	"github.com/tanmayb/downpour/internal/download"
	"github.com/tanmayb/downpour/internal/events"
	"github.com/tanmayb/downpour/internal/task"
	"github.com/tanmayb/downpour/utils"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrNotRemovable = errors.New("cannot remove task in current status")
	ErrShuttingDown = errors.New("coordinator is shutting down")
)

// CompleteFunc is invoked on the coordinator's loop for every finished run;
// it must not block.
type CompleteFunc func(taskID string, outcome download.Outcome)

// AddOptions carries the optional attributes of a new task.
type AddOptions struct {
	Priority   task.Priority
	Checksum   *task.Checksum
	Headers    map[string]string
	AutoRename bool
}

// Coordinator owns the task registry. A single loop goroutine consumes
// commands, admits pending tasks up to the concurrency limit, persists queue
// state after every mutation and fans lifecycle events out on the bus, which
// keeps per-task event order total without any cross-goroutine locking.
type Coordinator struct {
	cfg       config.Config
	client    *client.Client
	bus       *events.Bus
	statePath string
	cmds      chan any
	stopped   chan struct{}
	stopOnce  sync.Once
	loopDone  chan struct{}
	log       zerolog.Logger
}

// commands processed by the loop

type addCmd struct {
	url, dest string
	opts      AddOptions
	reply     chan string
}

type controlCmd struct {
	op    string // pause, resume, cancel, remove, clear_completed
	id    string
	reply chan error
}

type listCmd struct{ reply chan []*task.Task }

type getCmd struct {
	id    string
	reply chan *task.Task
}

type callbackCmd struct{ cb CompleteFunc }

type progressCmd struct {
	id string
	p  events.Progress
}

type verifyCmd struct {
	id      string
	started bool
	success bool
}

type outcomeCmd struct {
	id      string
	outcome download.Outcome
	err     error
}

type stopCmd struct{ reply chan struct{} }

// New builds a coordinator over the given transport client and state path.
// Events are published on bus until Stop.
func New(cfg config.Config, c *client.Client, bus *events.Bus, statePath string) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		client:    c,
		bus:       bus,
		statePath: statePath,
		cmds:      make(chan any, 1024),
		stopped:   make(chan struct{}),
		loopDone:  make(chan struct{}),
		log:       utils.GetLogger("queue"),
	}
}

// Start loads persisted queue state and begins admitting tasks. Tasks found
// in Downloading are demoted to Pending; their drivers died with the old
// process and they will re-admit from their checkpoints.
func (q *Coordinator) Start() error {
	st, err := loadState(q.statePath)
	if err != nil {
		q.log.Warn().Err(err).Msg("Discarding unreadable queue state")
		st = nil
	}
	loop := &loopState{
		q:       q,
		tasks:   make(map[string]*task.Task),
		running: make(map[string]*download.Control),
	}
	if st != nil {
		loop.nextSeq = st.NextAdmissionCursor
		for _, t := range st.Tasks {
			if t.Status == task.StatusDownloading {
				t.Status = task.StatusPending
			}
			t.Speed = 0
			t.ETA = nil
			loop.tasks[t.ID] = t
			if t.Status == task.StatusPending {
				loop.push(t)
			}
		}
	}
	go loop.run()
	return nil
}

// Add enqueues a new download and returns its task ID.
func (q *Coordinator) Add(url, dest string, opts AddOptions) (string, error) {
	reply := make(chan string, 1)
	if err := q.send(addCmd{url: url, dest: dest, opts: opts, reply: reply}); err != nil {
		return "", err
	}
	return <-reply, nil
}

func (q *Coordinator) Pause(id string) error  { return q.control("pause", id) }
func (q *Coordinator) Resume(id string) error { return q.control("resume", id) }
func (q *Coordinator) Cancel(id string) error { return q.control("cancel", id) }
func (q *Coordinator) Remove(id string) error { return q.control("remove", id) }

// ClearCompleted drops every completed task from the registry.
func (q *Coordinator) ClearCompleted() error { return q.control("clear_completed", "") }

// List returns snapshots of every task.
func (q *Coordinator) List() ([]*task.Task, error) {
	reply := make(chan []*task.Task, 1)
	if err := q.send(listCmd{reply: reply}); err != nil {
		return nil, err
	}
	return <-reply, nil
}

// Get returns a snapshot of one task, or nil when unknown.
func (q *Coordinator) Get(id string) (*task.Task, error) {
	reply := make(chan *task.Task, 1)
	if err := q.send(getCmd{id: id, reply: reply}); err != nil {
		return nil, err
	}
	return <-reply, nil
}

// OnComplete replaces the completion callback. It runs on the coordinator's
// loop and must not block.
func (q *Coordinator) OnComplete(cb CompleteFunc) error {
	return q.send(callbackCmd{cb: cb})
}

// Stop pauses running downloads, waits for their outcomes, persists state
// and closes the event bus.
func (q *Coordinator) Stop() {
	reply := make(chan struct{})
	if err := q.send(stopCmd{reply: reply}); err != nil {
		return
	}
	<-reply
	q.stopOnce.Do(func() { close(q.stopped) })
	<-q.loopDone
	q.bus.Close()
}

func (q *Coordinator) control(op, id string) error {
	reply := make(chan error, 1)
	if err := q.send(controlCmd{op: op, id: id, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

func (q *Coordinator) send(cmd any) error {
	select {
	case <-q.stopped:
		return ErrShuttingDown
	case q.cmds <- cmd:
		return nil
	}
}

// loopState is owned exclusively by the loop goroutine.
type loopState struct {
	q        *Coordinator
	tasks    map[string]*task.Task
	pending  admissionHeap
	running  map[string]*download.Control
	nextSeq  int64
	onDone   CompleteFunc
	stopping bool
	stopAck  chan struct{}
}

func (l *loopState) run() {
	defer close(l.q.loopDone)
	l.fillSlots()
	for cmd := range l.q.cmds {
		switch c := cmd.(type) {
		case addCmd:
			c.reply <- l.add(c.url, c.dest, c.opts)
		case controlCmd:
			c.reply <- l.handleControl(c.op, c.id)
		case listCmd:
			out := make([]*task.Task, 0, len(l.tasks))
			for _, t := range l.tasks {
				out = append(out, t.Clone())
			}
			c.reply <- out
		case getCmd:
			if t, ok := l.tasks[c.id]; ok {
				c.reply <- t.Clone()
			} else {
				c.reply <- nil
			}
		case callbackCmd:
			l.onDone = c.cb
		case progressCmd:
			l.handleProgress(c)
		case verifyCmd:
			if c.started {
				l.q.bus.Publish(events.Event{Type: events.VerifyStarted, TaskID: c.id})
			} else {
				l.q.bus.Publish(events.Event{Type: events.VerifyCompleted, TaskID: c.id, Success: c.success})
			}
		case outcomeCmd:
			l.handleOutcome(c)
			if l.stopping && len(l.running) == 0 {
				l.finishStop()
				return
			}
		case stopCmd:
			l.stopping = true
			l.stopAck = c.reply
			for _, ctrl := range l.running {
				ctrl.Pause()
			}
			if len(l.running) == 0 {
				l.finishStop()
				return
			}
		}
	}
}

func (l *loopState) finishStop() {
	l.persist()
	l.stopAck <- struct{}{}
	// Drain queued commands so senders blocked on send() cannot leak; the
	// stopped channel closes right after.
	go func() {
		for cmd := range l.q.cmds {
			switch c := cmd.(type) {
			case addCmd:
				c.reply <- ""
			case controlCmd:
				c.reply <- ErrShuttingDown
			case listCmd:
				c.reply <- nil
			case getCmd:
				c.reply <- nil
			case stopCmd:
				c.reply <- struct{}{}
			}
		}
	}()
}

func (l *loopState) add(url, dest string, opts AddOptions) string {
	t := task.New(url, dest, opts.Priority, opts.Checksum)
	t.Headers = opts.Headers
	t.AutoRename = opts.AutoRename
	l.tasks[t.ID] = t
	l.push(t)
	l.persist()
	l.q.bus.Publish(events.Event{Type: events.TaskAdded, TaskID: t.ID})
	l.q.log.Debug().Str("task", t.ID).Str("url", url).Str("priority", t.Priority.String()).Msg("Task added")
	l.fillSlots()
	return t.ID
}

func (l *loopState) push(t *task.Task) {
	heap.Push(&l.pending, &admissionItem{
		id:        t.ID,
		priority:  t.Priority,
		createdAt: t.CreatedAt,
		seq:       l.nextSeq,
	})
	l.nextSeq++
}

// fillSlots admits pending tasks while active slots are free.
func (l *loopState) fillSlots() {
	if l.stopping {
		return
	}
	for len(l.running) < l.q.cfg.MaxActiveTasks && l.pending.Len() > 0 {
		item := heap.Pop(&l.pending).(*admissionItem)
		t, ok := l.tasks[item.id]
		if !ok || t.Status != task.StatusPending {
			continue
		}
		l.admit(t)
	}
}

func (l *loopState) admit(t *task.Task) {
	l.resolveDest(t)
	t.Status = task.StatusDownloading
	t.Error = ""
	l.persist()
	l.q.bus.Publish(events.Event{Type: events.TaskStarted, TaskID: t.ID})

	ctrl := download.NewControl()
	l.running[t.ID] = ctrl
	snapshot := t.Clone()
	dl := download.New(l.q.client, download.Config{
		ChunkSize:             l.q.cfg.ChunkSize,
		MaxConcurrentChunks:   l.q.cfg.MaxConcurrentChunks,
		SpeedLimitBytesPerSec: l.q.cfg.SpeedLimitBytesPerSec,
	})
	id := t.ID
	hooks := download.Hooks{
		Progress: func(p events.Progress) {
			l.q.cmds <- progressCmd{id: id, p: p}
		},
		VerifyStarted: func() {
			l.q.cmds <- verifyCmd{id: id, started: true}
		},
		VerifyCompleted: func(success bool) {
			l.q.cmds <- verifyCmd{id: id, success: success}
		},
	}
	go func() {
		outcome, err := dl.Run(context.Background(), snapshot, ctrl, hooks)
		l.q.cmds <- outcomeCmd{id: id, outcome: outcome, err: err}
	}()
}

// resolveDest applies admission-time auto-renaming. A destination with a
// matching checkpoint is a resume and keeps its path.
func (l *loopState) resolveDest(t *task.Task) {
	if !t.AutoRename {
		return
	}
	if _, err := os.Stat(t.Dest); os.IsNotExist(err) {
		return
	}
	if rec, err := checkpoint.Load(t.Dest); err == nil && rec != nil && rec.URL == t.URL {
		return
	}
	renamed := utils.AutoRename(t.Dest)
	if renamed != t.Dest {
		l.q.log.Debug().Str("task", t.ID).Str("dest", renamed).Msg("Destination renamed to avoid collision")
		t.Dest = renamed
	}
}

func (l *loopState) handleControl(op, id string) error {
	if op == "clear_completed" {
		for tid, t := range l.tasks {
			if t.Status == task.StatusCompleted {
				delete(l.tasks, tid)
			}
		}
		l.persist()
		return nil
	}
	t, ok := l.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	switch op {
	case "pause":
		switch t.Status {
		case task.StatusDownloading:
			// The downloader reports Paused once its workers wind down; the
			// status flips on the outcome.
			l.running[id].Pause()
		case task.StatusPending:
			t.Status = task.StatusPaused
			l.persist()
			l.q.bus.Publish(events.Event{Type: events.TaskPaused, TaskID: id})
		}
		return nil
	case "resume":
		if t.Status != task.StatusPaused && t.Status != task.StatusFailed {
			return nil
		}
		t.Status = task.StatusPending
		t.Error = ""
		l.push(t)
		l.persist()
		l.q.bus.Publish(events.Event{Type: events.TaskResumed, TaskID: id})
		l.fillSlots()
		return nil
	case "cancel":
		switch t.Status {
		case task.StatusDownloading:
			l.running[id].Cancel()
		case task.StatusPending, task.StatusPaused:
			t.Status = task.StatusCancelled
			l.removeFiles(t)
			l.persist()
			l.q.bus.Publish(events.Event{Type: events.TaskCancelled, TaskID: id})
		}
		// Cancel on a terminal task is a no-op.
		return nil
	case "remove":
		if !t.Status.Terminal() {
			return ErrNotRemovable
		}
		delete(l.tasks, id)
		l.persist()
		return nil
	}
	return fmt.Errorf("unknown control op %q", op)
}

func (l *loopState) handleProgress(c progressCmd) {
	t, ok := l.tasks[c.id]
	if !ok {
		return
	}
	t.Downloaded = c.p.Downloaded
	t.TotalSize = c.p.Total
	t.Speed = c.p.Speed
	t.ETA = c.p.ETA
	l.q.bus.Publish(events.Event{Type: events.TaskProgress, TaskID: c.id, Progress: &c.p})
}

func (l *loopState) handleOutcome(c outcomeCmd) {
	delete(l.running, c.id)
	t, ok := l.tasks[c.id]
	if !ok {
		l.fillSlots()
		return
	}
	switch c.outcome {
	case download.OutcomeCompleted:
		t.Status = task.StatusCompleted
		t.Speed = 0
		t.ETA = nil
		if t.TotalSize > 0 {
			t.Downloaded = t.TotalSize
		}
		l.q.bus.Publish(events.Event{Type: events.TaskCompleted, TaskID: c.id})
	case download.OutcomePaused:
		t.Status = task.StatusPaused
		t.Speed = 0
		t.ETA = nil
		l.q.bus.Publish(events.Event{Type: events.TaskPaused, TaskID: c.id})
	case download.OutcomeCancelled:
		t.Status = task.StatusCancelled
		t.Speed = 0
		t.ETA = nil
		l.removeFiles(t)
		l.q.bus.Publish(events.Event{Type: events.TaskCancelled, TaskID: c.id})
	case download.OutcomeFailed:
		t.Status = task.StatusFailed
		t.Speed = 0
		t.ETA = nil
		msg := "unknown error"
		if c.err != nil {
			msg = fmt.Sprintf("%s: %v", download.Kind(c.err), c.err)
		}
		t.Error = msg
		l.q.log.Debug().Str("task", c.id).Str("error", msg).Msg("Task failed")
		l.q.bus.Publish(events.Event{Type: events.TaskFailed, TaskID: c.id, Error: msg})
	}
	l.persist()
	if l.onDone != nil {
		l.onDone(c.id, c.outcome)
	}
	l.fillSlots()
}

// removeFiles drops the partial destination and its sidecar after a cancel.
func (l *loopState) removeFiles(t *task.Task) {
	if err := os.Remove(t.Dest); err != nil && !os.IsNotExist(err) {
		l.q.log.Warn().Err(err).Str("dest", t.Dest).Msg("Could not remove cancelled download")
	}
	if err := checkpoint.Remove(t.Dest); err != nil {
		l.q.log.Warn().Err(err).Str("dest", t.Dest).Msg("Could not remove checkpoint")
	}
}

func (l *loopState) persist() {
	st := &State{
		Tasks:               make([]*task.Task, 0, len(l.tasks)),
		NextAdmissionCursor: l.nextSeq,
	}
	for _, t := range l.tasks {
		st.Tasks = append(st.Tasks, t)
	}
	sort.Slice(st.Tasks, func(i, j int) bool {
		if st.Tasks[i].CreatedAt != st.Tasks[j].CreatedAt {
			return st.Tasks[i].CreatedAt < st.Tasks[j].CreatedAt
		}
		return st.Tasks[i].ID < st.Tasks[j].ID
	})
	if err := saveState(l.q.statePath, st); err != nil {
		l.q.log.Warn().Err(err).Msg("Could not persist queue state")
	}
}
