package consent

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers compare with errors.Is; every error returned by
// this package wraps exactly one of them.
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrAccessDenied = errors.New("access denied")
	ErrStorage      = errors.New("storage unavailable")
)

// StorageError wraps a backend failure. errors.Is(err, ErrStorage) is true
// for it, and the driver error stays reachable through errors.As/Is.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrStorage, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	// Already classified errors pass through unchanged.
	for _, sentinel := range []error{ErrValidation, ErrNotFound, ErrInvalidState, ErrAccessDenied, ErrStorage} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return &StorageError{Op: op, Err: err}
}

func validationErr(field string) error {
	return fmt.Errorf("%w: %s is required", ErrValidation, field)
}

func notFoundErr(requestID string) error {
	return fmt.Errorf("%w: access request %q", ErrNotFound, requestID)
}

func invalidStateErr(requestID string, current Status) error {
	return fmt.Errorf("%w: access request %q is already %s", ErrInvalidState, requestID, current)
}

var errDuplicateID = errors.New("duplicate request id")
