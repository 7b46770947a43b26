package download

import (
	"errors"
	"fmt"
)

// ErrNotFound means the peer answered a block request with notfound.
var ErrNotFound = errors.New("block not found by peer")

// FailedHeightError is returned when a block could not be obtained within
// the retry limit. It stops the whole download run.
type FailedHeightError struct {
	Height   int32
	Attempts int
	Err      error
}

func (e *FailedHeightError) Error() string {
	return fmt.Sprintf("block at height %d failed after %d attempts: %v", e.Height, e.Attempts, e.Err)
}

func (e *FailedHeightError) Unwrap() error { return e.Err }
