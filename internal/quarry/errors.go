package quarry

import (
	"errors"
	"fmt"
)

var (
	// ErrIOFault wraps device-level read/write failures. Never retried
	// internally, callers decide.
	ErrIOFault = errors.New("i/o fault")

	// ErrCorruptPage means a page checksum did not match on read.
	ErrCorruptPage = errors.New("corrupt page: checksum mismatch")

	// ErrInvalidPage means the requested page is not allocated.
	ErrInvalidPage = errors.New("invalid page")

	ErrNotFound = errors.New("not found")

	// ErrBufferPoolExhausted means every frame is pinned. Callers should
	// release pins and retry, the pool never blocks waiting for a frame.
	ErrBufferPoolExhausted = errors.New("buffer pool exhausted")

	// ErrStructuralInconsistency is surfaced when a tree operation detects
	// a broken invariant. Never patched silently.
	ErrStructuralInconsistency = errors.New("structural inconsistency")

	ErrDuplicateKey = errors.New("duplicate key")

	ErrNoMoreRows = errors.New("no more rows")

	ErrTableExists = errors.New("table already exists")

	ErrIndexExists = errors.New("index already exists")

	// ErrRecordTooLarge means a serialized row cannot fit into a single
	// page body even when the page is empty.
	ErrRecordTooLarge = errors.New("record too large for page")
)

func ioFault(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrIOFault, err)
}
