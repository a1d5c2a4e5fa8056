package engine

import (
	"errors"
	"fmt"
)

// SyncError represents an error detected while advancing sync state.
//
// Sync errors include:
//   - Out-of-order operation: a data batch does not advance a bucket's log
//   - Checksum mismatch: a bucket disagrees with its checkpoint checksum
//   - Write rejected: the server refused an uploaded local write
//   - Apply interrupted: a checkpoint apply was cancelled before commit
//
// SyncError includes structured fields for diagnostics and recovery.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a human-readable description.
	Message string

	// Bucket identifies the affected bucket (ordering/checksum errors).
	Bucket string

	// Checkpoint identifies the affected checkpoint, when known.
	Checkpoint int64

	// ClientID identifies the rejected write (write rejection errors).
	ClientID string

	// Err is the underlying cause, if any.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeOutOfOrder indicates a data batch did not advance a bucket's log.
	ErrCodeOutOfOrder SyncErrorCode = "OUT_OF_ORDER_OPERATION"

	// ErrCodeChecksumMismatch indicates a bucket's accumulated checksum
	// disagrees with the checkpoint.
	ErrCodeChecksumMismatch SyncErrorCode = "CHECKSUM_MISMATCH"

	// ErrCodeWriteRejected indicates the server refused a local write.
	ErrCodeWriteRejected SyncErrorCode = "WRITE_REJECTED"

	// ErrCodeApplyInterrupted indicates a checkpoint apply was cancelled
	// before commit; no partial state was published.
	ErrCodeApplyInterrupted SyncErrorCode = "APPLY_INTERRUPTED"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	switch {
	case e.Bucket != "":
		return fmt.Sprintf("%s: %s (bucket=%s)", e.Code, e.Message, e.Bucket)
	case e.ClientID != "":
		return fmt.Sprintf("%s: %s (client_id=%s)", e.Code, e.Message, e.ClientID)
	case e.Checkpoint != 0:
		return fmt.Sprintf("%s: %s (checkpoint=%d)", e.Code, e.Message, e.Checkpoint)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsOutOfOrderError returns true if the error is an ordering violation.
// Uses errors.As to handle wrapped errors.
func IsOutOfOrderError(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Code == ErrCodeOutOfOrder
}

// IsChecksumMismatchError returns true if the error is a checksum mismatch.
func IsChecksumMismatchError(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Code == ErrCodeChecksumMismatch
}

// IsWriteRejectedError returns true if the error is a write rejection.
func IsWriteRejectedError(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Code == ErrCodeWriteRejected
}

// IsApplyInterruptedError returns true if the error is an interrupted apply.
func IsApplyInterruptedError(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Code == ErrCodeApplyInterrupted
}

// NewWriteRejectedError creates a SyncError for a rejected local write.
func NewWriteRejectedError(clientID, reason string) *SyncError {
	if reason == "" {
		reason = "server rejected write"
	}
	return &SyncError{
		Code:     ErrCodeWriteRejected,
		Message:  reason,
		ClientID: clientID,
	}
}

// NewApplyInterruptedError creates a SyncError for an apply cancelled before
// commit.
func NewApplyInterruptedError(checkpointID int64, cause error) *SyncError {
	return &SyncError{
		Code:       ErrCodeApplyInterrupted,
		Message:    "checkpoint apply interrupted before commit",
		Checkpoint: checkpointID,
		Err:        cause,
	}
}
