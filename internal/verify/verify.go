package verify

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/tanmayb/downpour/internal/task"
	"github.com/tanmayb/downpour/utils"
)

// readSize is the fixed read granularity; cancellation latency is bounded by
// one read.
const readSize = 64 * 1024

// ErrCancelled is returned when the cancel flag trips mid-verification.
var ErrCancelled = errors.New("verification cancelled")

// MismatchError reports a digest that did not match the expected value.
type MismatchError struct {
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// File streams the destination file through the configured digest and
// compares case-insensitively against the expected lowercase hex. A nil
// cancel flag disables cancellation. Returns nil on match, *MismatchError on
// mismatch, ErrCancelled if interrupted.
func File(path string, cs *task.Checksum, cancel *atomic.Bool) error {
	log := utils.GetLogger("verify")
	var h hash.Hash
	switch cs.Algo {
	case task.ChecksumMD5:
		h = md5.New()
	case task.ChecksumSHA256:
		h = sha256.New()
	default:
		return fmt.Errorf("unknown checksum algorithm %q", cs.Algo)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening file for verification: %w", err)
	}
	defer f.Close()

	buf := make([]byte, readSize)
	for {
		if cancel != nil && cancel.Load() {
			return ErrCancelled
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading file for verification: %w", err)
		}
	}
	actual := hex.EncodeToString(h.Sum(nil))
	expected := strings.ToLower(cs.Hex)
	if actual != expected {
		log.Debug().Str("expected", expected).Str("actual", actual).Msg("Digest mismatch")
		return &MismatchError{Expected: expected, Actual: actual}
	}
	return nil
}
