package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tanmayb/downpour/utils"
)

// Suffix is appended to the destination path to form the sidecar path.
const Suffix = ".ckpt"

// Chunk is the durable progress of one half-open byte range [Start, End).
type Chunk struct {
	Start   int64 `json:"start"`
	End     int64 `json:"end"`
	Written int64 `json:"written"`
}

// Size is the range length in bytes.
func (c Chunk) Size() int64 {
	return c.End - c.Start
}

// Done reports whether every byte of the range has been written.
func (c Chunk) Done() bool {
	return c.Written >= c.Size()
}

// Record is the per-download sidecar persisted next to the destination file.
// It is written only by the downloader's progress aggregator.
type Record struct {
	URL          string  `json:"url"`
	Dest         string  `json:"dest"`
	TotalSize    int64   `json:"total_size"`
	ETag         string  `json:"etag,omitempty"`
	LastModified string  `json:"last_modified,omitempty"`
	Chunks       []Chunk `json:"chunks"`
}

// Path returns the sidecar path for a destination file.
func Path(dest string) string {
	return dest + Suffix
}

// Downloaded sums the per-chunk progress.
func (r *Record) Downloaded() int64 {
	var total int64
	for _, c := range r.Chunks {
		total += c.Written
	}
	return total
}

// Validate checks internal consistency: chunks must cover [0, TotalSize)
// exactly once in order, and no chunk may have written past its range.
func (r *Record) Validate() error {
	if r.URL == "" || r.Dest == "" {
		return errors.New("checkpoint missing url or dest")
	}
	if len(r.Chunks) == 0 {
		return errors.New("checkpoint has no chunks")
	}
	var cursor int64
	for i, c := range r.Chunks {
		if c.Start != cursor || c.End <= c.Start {
			return fmt.Errorf("chunk %d range [%d, %d) does not continue from %d", i, c.Start, c.End, cursor)
		}
		if c.Written < 0 || c.Written > c.Size() {
			return fmt.Errorf("chunk %d written %d outside range size %d", i, c.Written, c.Size())
		}
		cursor = c.End
	}
	if r.TotalSize > 0 && cursor != r.TotalSize {
		return fmt.Errorf("chunks cover %d bytes, total size is %d", cursor, r.TotalSize)
	}
	return nil
}

// Resumable reports whether the record can seed a resumed download of the
// given destination file length.
func (r *Record) Resumable(destLen int64) bool {
	return r.Validate() == nil && destLen >= r.Downloaded()
}

// Save writes the record atomically: temp file in the same directory, then
// rename over the sidecar path.
func Save(r *Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("error encoding checkpoint: %w", err)
	}
	return utils.WriteFileAtomic(Path(r.Dest), data, 0644)
}

// Load reads the sidecar for dest. A missing file returns (nil, nil); a
// corrupt one returns an error so the caller can discard it and restart.
func Load(dest string) (*Record, error) {
	data, err := os.ReadFile(Path(dest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading checkpoint: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("error parsing checkpoint %s: %w", Path(dest), err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Remove deletes the sidecar. Missing files are not an error.
func Remove(dest string) error {
	err := os.Remove(Path(dest))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Discard removes a sidecar that failed to load, logging instead of failing;
// the download restarts from zero.
func Discard(dest string) {
	log := utils.GetLogger("checkpoint")
	if err := os.Remove(Path(dest)); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", filepath.Base(Path(dest))).Msg("Could not remove stale checkpoint")
	}
}
