package storage

import (
	"errors"
	"fmt"
)

// PersistenceError reports a failed read or write against local storage.
// Chain state cannot be trusted after one, so callers treat it as fatal.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError reports whether err carries a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func persistErr(op string, key []byte, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Key: string(key), Err: err}
}
