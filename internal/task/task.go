package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queued download.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether a run has ended in this status: completed, failed
// or cancelled. A failed task can still be resumed, which requeues it.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders tasks for admission. Higher wins.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority accepts the names used on the CLI and in batch lists.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// ChecksumAlgo selects the digest used for post-download verification.
type ChecksumAlgo string

const (
	ChecksumMD5    ChecksumAlgo = "md5"
	ChecksumSHA256 ChecksumAlgo = "sha256"
)

// Checksum is an expected digest in lowercase hex.
type Checksum struct {
	Algo ChecksumAlgo `json:"algo" yaml:"algo"`
	Hex  string       `json:"hex" yaml:"hex"`
}

// ParseChecksum parses "md5:<hex>" or "sha256:<hex>".
func ParseChecksum(s string) (*Checksum, error) {
	if s == "" {
		return nil, nil
	}
	algo, hexDigest, found := strings.Cut(s, ":")
	if !found {
		return nil, fmt.Errorf("checksum must be algo:hex, got %q", s)
	}
	cs := &Checksum{Algo: ChecksumAlgo(strings.ToLower(algo)), Hex: strings.ToLower(hexDigest)}
	switch cs.Algo {
	case ChecksumMD5:
		if len(cs.Hex) != 32 {
			return nil, fmt.Errorf("md5 digest must be 32 hex chars, got %d", len(cs.Hex))
		}
	case ChecksumSHA256:
		if len(cs.Hex) != 64 {
			return nil, fmt.Errorf("sha256 digest must be 64 hex chars, got %d", len(cs.Hex))
		}
	default:
		return nil, fmt.Errorf("unknown checksum algorithm %q", algo)
	}
	return cs, nil
}

// Task is one queued download. Values handed to observers are snapshots;
// only the coordinator mutates the canonical copy.
type Task struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Dest       string            `json:"dest"`
	Status     Status            `json:"status"`
	TotalSize  int64             `json:"total_size"`
	Downloaded int64             `json:"downloaded"`
	CreatedAt  int64             `json:"created_at"`
	Error      string            `json:"error,omitempty"`
	Priority   Priority          `json:"priority"`
	Speed      int64             `json:"speed"`
	ETA        *int64            `json:"eta,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Checksum   *Checksum         `json:"checksum,omitempty"`
	AutoRename bool              `json:"auto_rename,omitempty"`
}

// New creates a pending task with a fresh ID.
func New(url, dest string, priority Priority, checksum *Checksum) *Task {
	return &Task{
		ID:        uuid.New().String(),
		URL:       url,
		Dest:      dest,
		Status:    StatusPending,
		Priority:  priority,
		CreatedAt: time.Now().Unix(),
		Checksum:  checksum,
	}
}

// Clone returns a snapshot safe to hand outside the coordinator.
func (t *Task) Clone() *Task {
	c := *t
	if t.ETA != nil {
		eta := *t.ETA
		c.ETA = &eta
	}
	if t.Headers != nil {
		c.Headers = make(map[string]string, len(t.Headers))
		for k, v := range t.Headers {
			c.Headers[k] = v
		}
	}
	if t.Checksum != nil {
		cs := *t.Checksum
		c.Checksum = &cs
	}
	return &c
}
