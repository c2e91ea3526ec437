package types

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalid is returned if opened object fails shape or magic validation.
	ErrInvalid = errors.New("invalid object")

	// ErrOutOfSlots is the reason of the panic raised when view runs out of slots or chain buckets.
	ErrOutOfSlots = errors.New("out of slots")

	// ErrUnsupported is returned for operations defined by the layout but not implemented, like
	// resolving symbolic FOT entries.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrTimeout is returned when sleep expires before the wake-up.
	ErrTimeout = errors.New("timeout")
)

// OSError is returned when kernel operation fails.
type OSError struct {
	Code int
}

func (e *OSError) Error() string {
	return fmt.Sprintf("kernel operation failed with code %d", e.Code)
}
