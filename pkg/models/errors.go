package models

import (
	"errors"
	"fmt"
)

// ErrNotConnected marks an operation attempted before Connect.
var ErrNotConnected = errors.New("engine not connected")

// ValidationError rejects malformed parameters before any native query is
// built. It is the only error an unsafe field name can ever produce.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// BackendError wraps a driver or network failure, tagged with the engine
// that produced it so multi-backend deployments stay diagnosable.
type BackendError struct {
	Engine string
	Op     string
	Err    error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Engine, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
