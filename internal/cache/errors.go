package cache

import (
	"errors"
	"fmt"
)

// StorageError reports that the underlying store failed to open or rejected
// an operation. It is returned as-is to the caller and never retried.
type StorageError struct {
	Op    string // get, set, delete, cleanup, open, close
	Store string // store name
	Err   error
}

func (e *StorageError) Error() string {
	if e.Store == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Store, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is or wraps a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
