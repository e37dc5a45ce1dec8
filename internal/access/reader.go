package access

import (
	"errors"
	"fmt"

	"github.com/breezy-team/groupstore/internal/vfs"
)

// Reader fetches raw record content from a single open container file by
// direct offset, using the Memo values a Writer previously handed out.
type Reader struct {
	f           vfs.RandomAccessFile
	containerID uint64
}

// NewReader wraps an already-open random-access file as a reader for the
// container identified by containerID. Memos presented to GetRawRecord must
// carry a matching ContainerID.
func NewReader(f vfs.RandomAccessFile, containerID uint64) *Reader {
	return &Reader{f: f, containerID: containerID}
}

// GetRawRecord reads the content bytes addressed by memo.
func (r *Reader) GetRawRecord(memo Memo) ([]byte, error) {
	if memo.ContainerID != r.containerID {
		return nil, fmt.Errorf("access: memo container %d does not match reader container %d", memo.ContainerID, r.containerID)
	}
	buf := make([]byte, memo.Length)
	n, err := r.f.ReadAt(buf, memo.Offset)
	if err != nil {
		return nil, wrapRetry(err)
	}
	return buf[:n], nil
}

// GetRawRecords reads every memo in the batch, in the order given. Memos
// are expected to already be sorted by (container, offset) by the caller
// for I/O locality; this method does not reorder them.
func (r *Reader) GetRawRecords(memos []Memo) ([][]byte, error) {
	out := make([][]byte, len(memos))
	for i, m := range memos {
		buf, err := r.GetRawRecord(m)
		if err != nil {
			return nil, err
		}
		out[i] = buf
	}
	return out, nil
}

// retryError wraps a transient I/O failure as the access layer's
// distinguished retry condition: the facade catches it once per raw record
// read, reopens the container, and replays that read. The retry budget is
// not shared across the reads of one batch.
type retryError struct {
	cause error
}

func (e *retryError) Error() string { return fmt.Sprintf("access: retry: %v", e.cause) }
func (e *retryError) Unwrap() error { return e.cause }

func wrapRetry(err error) error { return &retryError{cause: err} }

// IsRetry reports whether err (or anything it wraps) is a retryable access
// failure.
func IsRetry(err error) bool {
	var re *retryError
	return errors.As(err, &re)
}
