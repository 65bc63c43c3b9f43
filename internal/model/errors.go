package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation error")
	ErrVersionConflict   = errors.New("version conflict")
	ErrRemoteUnavailable = errors.New("remote calendar unavailable")

	ErrNothingToUndo       = errors.New("nothing to undo")
	ErrIncompleteAuditData = errors.New("incomplete audit data")
)

// Validationf wraps ErrValidation with field-level detail.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// PartialFailureError reports a move that left the remote store in an
// inconsistent state (the event may exist in both collections). It always
// requires manual remediation and must never be retried automatically.
type PartialFailureError struct {
	EventUID         string
	SourceCollection string
	TargetCollection string
	Err              error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf(
		"move of event %s from %s to %s failed partway and compensation did not complete; "+
			"the event may exist in both collections and requires manual cleanup: %v",
		e.EventUID, e.SourceCollection, e.TargetCollection, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool        { return errors.Is(err, ErrNotFound) }
func IsValidation(err error) bool      { return errors.Is(err, ErrValidation) }
func IsVersionConflict(err error) bool { return errors.Is(err, ErrVersionConflict) }
func IsRemoteUnavailable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable)
}

func IsPartialFailure(err error) bool {
	var pf *PartialFailureError
	return errors.As(err, &pf)
}
