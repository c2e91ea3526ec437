package obj

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrReleased is returned when handle is released more than once.
	ErrReleased = errors.New("object handle already released")

	// ErrNullPointer is returned when null pointer is dereferenced.
	ErrNullPointer = errors.New("null pointer")

	// ErrLogFull is returned when transaction log has no space for another record. Transaction may be retried.
	ErrLogFull = errors.New("transaction log full")
)

// AbortError is returned when transaction is aborted because the function run inside it failed.
type AbortError struct {
	Err error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("transaction aborted: %s", e.Err)
}

// Unwrap returns the error which caused the abort.
func (e *AbortError) Unwrap() error {
	return e.Err
}
