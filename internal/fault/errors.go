package fault

import (
	"errors"
	"fmt"

	"resilience/internal/transport"
)

var (
	// ErrFault is returned by runtime calls once a fault is pending. Entry
	// points return it (or any error wrapping it) to hand control back to
	// the restart dispatcher.
	ErrFault = errors.New("fault pending")

	ErrProcessLost = errors.New("process lost")
)

// AbortError reports that the whole group terminated. Code is the exit
// status every process should use.
type AbortError struct {
	Code   int
	Origin int
	Reason string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("group aborted by rank %d (code %d): %s", e.Origin, e.Code, e.Reason)
}

func (e *AbortError) Is(target error) bool {
	return target == transport.ErrAborted
}
