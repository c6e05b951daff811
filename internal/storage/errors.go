// Package storage defines the failures shared by the document store and its consumers.
package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrRoadmapNotFound is returned when a project has no roadmap yet.
	ErrRoadmapNotFound = errors.New("roadmap not found")
	// ErrProjectNotFound is returned for an unknown project id.
	ErrProjectNotFound = errors.New("project not found")
	// ErrSubscription marks a snapshot read that failed even after the unordered fallback.
	ErrSubscription = errors.New("subscription failed")
	// ErrInvalid marks input rejected before any write was attempted.
	ErrInvalid = errors.New("invalid input")
	// ErrGenerationUnavailable is absorbed by the assistant's fallback and only logged.
	ErrGenerationUnavailable = errors.New("generation unavailable")
)

// WriteError reports a failed write to the document store, including a failed
// read that a write depended on. Writes are safe to retry.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// NewWriteError wraps err unless it already is a *WriteError.
func NewWriteError(op string, err error) error {
	if err == nil {
		return nil
	}
	var we *WriteError
	if errors.As(err, &we) {
		return err
	}
	return &WriteError{Op: op, Err: err}
}

// IsWriteError reports whether err is a failed store write.
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}
