package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/domain"
)

// SyncError represents a failure while applying a queued job.
//
// SyncError includes structured fields for diagnostics and recovery.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a human-readable description.
	Message string

	// JobID identifies the affected job.
	JobID string

	// Kind is the job's kind.
	Kind domain.JobKind

	// Entity is the collection/id the job mutates.
	Entity string

	// Step is set for settlement cascade failures.
	Step domain.SettlementStep

	// Err is the underlying cause.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeRemoteFailure indicates a remote call failed.
	ErrCodeRemoteFailure SyncErrorCode = "REMOTE_FAILURE"

	// ErrCodeUnknownJobKind indicates a payload variant the processor does
	// not handle.
	ErrCodeUnknownJobKind SyncErrorCode = "UNKNOWN_JOB_KIND"

	// ErrCodeInvalidPayload indicates a payload that cannot be applied.
	ErrCodeInvalidPayload SyncErrorCode = "INVALID_PAYLOAD"

	// ErrCodeCascadeStep indicates a settlement step failed after billing.
	ErrCodeCascadeStep SyncErrorCode = "CASCADE_STEP"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	var msg string
	switch {
	case e.Step != "":
		msg = fmt.Sprintf("%s: %s (job=%s, entity=%s, step=%s)", e.Code, e.Message, e.JobID, e.Entity, e.Step)
	case e.JobID != "":
		msg = fmt.Sprintf("%s: %s (job=%s, entity=%s)", e.Code, e.Message, e.JobID, e.Entity)
	default:
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error { return e.Err }

// Permanent reports whether retrying cannot help.
func (e *SyncError) Permanent() bool {
	return e.Code == ErrCodeUnknownJobKind || e.Code == ErrCodeInvalidPayload
}

// IsRemoteFailure returns true if the error is a remote call failure.
// Uses errors.As to handle wrapped errors.
func IsRemoteFailure(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == ErrCodeRemoteFailure
	}
	return false
}

// IsCascadeError returns true if a settlement step failed.
// Uses errors.As to handle wrapped errors.
func IsCascadeError(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == ErrCodeCascadeStep
	}
	return false
}

// IsPermanent returns true if the error will fail the same way on retry.
func IsPermanent(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Permanent()
	}
	return false
}

func newJobError(code SyncErrorCode, job domain.Job, msg string, err error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: msg,
		JobID:   job.ID,
		Kind:    job.Kind(),
		Entity:  job.Entity().String(),
		Err:     err,
	}
}
