// Package collaborators holds the failure taxonomy shared by the external
// services curator's pipeline calls out to. The adapters live in
// subpackages.
package collaborators

import (
	"context"
	"errors"
	"fmt"

	infraerrors "github.com/jonesrussell/curator/infrastructure/errors"
)

// StageError classifies a collaborator failure for the retry policy.
type StageError struct {
	Permanent bool
	Err       error
}

func (e *StageError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s: %v", kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Permanent: true, Err: err}
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Err: err}
}

// IsPermanent reports whether err was marked permanent. Unclassified errors
// are treated as transient.
func IsPermanent(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Permanent
	}
	return false
}

// FromHTTP classifies an error from a downstream HTTP call. Temporary
// statuses, timeouts and transport errors are transient, other 4xx are
// permanent.
func FromHTTP(err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	var herr *infraerrors.HTTPError
	if errors.As(err, &herr) && !herr.Temporary() {
		return Permanent(err)
	}
	return Transient(err)
}
