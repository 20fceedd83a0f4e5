package output

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tanmayb/downpour/internal/events"
)

type row struct {
	name       string
	downloaded int64
	total      int64
	speed      int64
	eta        *int64
	status     string
	err        string
	order      int
}

// Display renders live queue progress from the event bus, redrawing in place
// a few times per second the way an interactive download manager does.
type Display struct {
	mu       sync.RWMutex
	rows     map[string]*row
	names    map[string]string
	numLines int
	doneCh   chan struct{}
	drawWg   sync.WaitGroup
	quiet    bool
}

func NewDisplay(quiet bool) *Display {
	return &Display{
		rows:   make(map[string]*row),
		names:  make(map[string]string),
		doneCh: make(chan struct{}),
		quiet:  quiet,
	}
}

// Label associates a human-readable name (usually the destination file) with
// a task ID before its events arrive.
func (d *Display) Label(taskID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names[taskID] = name
	if r, ok := d.rows[taskID]; ok {
		r.name = name
	}
}

// Watch consumes the bus until it closes. Call in its own goroutine.
func (d *Display) Watch(ch <-chan events.Event) {
	d.drawWg.Add(1)
	go d.drawLoop()
	for e := range ch {
		d.apply(e)
	}
	close(d.doneCh)
	d.drawWg.Wait()
}

func (d *Display) apply(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rows[e.TaskID]
	if !ok {
		name := d.names[e.TaskID]
		if name == "" {
			name = e.TaskID
		}
		r = &row{name: name, status: "pending", order: len(d.rows)}
		d.rows[e.TaskID] = r
	}
	switch e.Type {
	case events.TaskStarted:
		r.status = "downloading"
	case events.TaskProgress:
		if e.Progress != nil {
			r.downloaded = e.Progress.Downloaded
			r.total = e.Progress.Total
			r.speed = e.Progress.Speed
			r.eta = e.Progress.ETA
		}
	case events.TaskPaused:
		r.status = "paused"
	case events.TaskResumed:
		r.status = "pending"
	case events.VerifyStarted:
		r.status = "verifying"
	case events.TaskCompleted:
		r.status = "completed"
		if r.total > 0 {
			r.downloaded = r.total
		}
	case events.TaskCancelled:
		r.status = "cancelled"
	case events.TaskFailed:
		r.status = "failed"
		r.err = e.Error
	}
}

func (d *Display) drawLoop() {
	defer d.drawWg.Done()
	if d.quiet {
		<-d.doneCh
		return
	}
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.draw()
		case <-d.doneCh:
			d.draw()
			return
		}
	}
}

func (d *Display) draw() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.numLines != 0 {
		fmt.Printf("\033[%dA\033[J", d.numLines)
	}
	ids := make([]string, 0, len(d.rows))
	for id := range d.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return d.rows[ids[i]].order < d.rows[ids[j]].order })

	width := getTerminalWidth()
	barWidth := 30
	if width < 80 {
		barWidth = 15
	}
	lines := 0
	for _, id := range ids {
		r := d.rows[id]
		name := r.name
		if len(name) > 25 {
			name = "..." + name[len(name)-22:]
		}
		switch r.status {
		case "completed":
			fmt.Printf("%s %-25s %s\n", successStyle.Render(styleSymbols["pass"]), name, FormatBytes(uint64(r.downloaded)))
		case "failed":
			fmt.Printf("%s %-25s %s\n", errorStyle.Render(styleSymbols["fail"]), name, errorStyle.Render(r.err))
		case "cancelled":
			fmt.Printf("%s %-25s cancelled\n", warningStyle.Render(styleSymbols["fail"]), name)
		case "paused":
			fmt.Printf("%s %-25s paused at %s\n", warningStyle.Render(styleSymbols["pending"]), name, FormatBytes(uint64(r.downloaded)))
		case "verifying":
			fmt.Printf("%s %-25s verifying checksum\n", pendingStyle.Render(styleSymbols["pending"]), name)
		case "downloading":
			fmt.Printf("%s %-25s %s %s %s eta %s\n", pendingStyle.Render(styleSymbols["arrow"]), name,
				ProgressBar(r.downloaded, r.total, barWidth),
				FormatBytes(uint64(r.downloaded)), FormatSpeed(uint64(r.speed)), FormatETA(r.eta))
		default:
			fmt.Printf("%s %-25s waiting\n", detailStyle.Render(styleSymbols["pending"]), name)
		}
		lines++
	}
	d.numLines = lines
}

// Summary prints the number of completed and failed tasks after the queue
// drains; the per-task lines come from the last redraw.
func (d *Display) Summary() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	completed, failed := 0, 0
	for _, r := range d.rows {
		switch r.status {
		case "completed":
			completed++
		case "failed":
			failed++
		}
	}
	fmt.Println()
	if failed == 0 {
		PrintSuccess(fmt.Sprintf("%d download(s) completed", completed))
	} else {
		PrintWarning(fmt.Sprintf("%d completed, %d failed", completed, failed))
	}
}
