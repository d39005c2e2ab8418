// Package errs defines the upload engine's error taxonomy. Callers match
// categories with errors.Is and read per-file context with errors.As.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidationRejected marks a file that never entered the pipeline.
	ErrValidationRejected = errors.New("validation rejected")

	// ErrCompressionFailed is recorded when re-encoding failed and the
	// original bytes were sent instead.
	ErrCompressionFailed = errors.New("compression failed")

	// ErrDestinationDenied means the broker response omitted the file.
	ErrDestinationDenied = errors.New("destination denied")

	// ErrTransferFailed covers non-2xx responses and network errors.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrConfirmationFailed means the server rejected a batch confirmation.
	ErrConfirmationFailed = errors.New("confirmation failed")

	ErrCanceled          = errors.New("upload canceled")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrSessionRunning    = errors.New("session already running")
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskBusy          = errors.New("task is in flight")
)

// Error is a per-file failure with the operation that produced it.
type Error struct {
	// Op is the pipeline step, e.g. "destinations", "transfer", "confirm"
	Op string

	// LocalID is the task the error belongs to (if any)
	LocalID string

	// StatusCode is the HTTP status for transfer/broker failures (0 if none)
	StatusCode int

	// Err is the category sentinel or underlying cause
	Err error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.LocalID != "" {
		msg += " " + e.LocalID
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", msg, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error for op wrapping err.
func New(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

// WithID attaches the task id.
func (e *Error) WithID(id string) *Error {
	e.LocalID = id
	return e
}

// WithStatus attaches an HTTP status code.
func (e *Error) WithStatus(code int) *Error {
	e.StatusCode = code
	return e
}

// Wrap joins a category sentinel with its cause so both match errors.Is.
func Wrap(category, cause error) error {
	if cause == nil {
		return category
	}
	return fmt.Errorf("%w: %w", category, cause)
}
