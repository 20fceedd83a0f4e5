package download

import (
	"context"
	"errors"
	"io"
	"net"
	"os"

	"github.com/tanmayb/downpour/internal/client"
	"github.com/tanmayb/downpour/internal/verify"
)

// ErrRangeUnsupported distinguishes a server that returned full content for
// a ranged request (any chunk of a multi-chunk plan, or a resumed offset);
// continuing would corrupt the file.
var ErrRangeUnsupported = errors.New("server returned full content for a ranged request")

// Error kinds surfaced on TaskFailed events.
const (
	KindNetwork          = "network"
	KindHTTPStatus       = "http_status"
	KindRangeUnsupported = "range_unsupported"
	KindIO               = "io"
	KindChecksumMismatch = "checksum_mismatch"
	KindInternal         = "internal"
)

// Kind maps an error to its TaskFailed kind label.
func Kind(err error) string {
	var statusErr *client.HTTPStatusError
	var mismatchErr *verify.MismatchError
	var pathErr *os.PathError
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrRangeUnsupported):
		return KindRangeUnsupported
	case errors.As(err, &mismatchErr):
		return KindChecksumMismatch
	case errors.As(err, &statusErr):
		return KindHTTPStatus
	case errors.As(err, &pathErr):
		return KindIO
	default:
		return KindNetwork
	}
}

// retryable reports whether the downloader should spend a retry on the
// error. Network-level failures, stalled reads and transient HTTP statuses
// qualify, and so does any unclassified error (Kind labels it network).
// Range, checksum, local I/O, cancellation and non-transient status errors
// surface immediately.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRangeUnsupported) || errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *client.HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	var mismatchErr *verify.MismatchError
	if errors.As(err, &mismatchErr) {
		return false
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}
