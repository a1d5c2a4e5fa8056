package store

import (
	"errors"
	"fmt"

	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
)

// OutOfOrderError is returned when an appended operation does not advance
// a bucket's log. Every operation appended to a bucket must carry an op_id
// strictly greater than any already present.
type OutOfOrderError struct {
	Bucket  string
	OpID    int64 // offending op_id
	MaxOpID int64 // highest op_id already in the bucket
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("bucket %q: op_id %d does not advance log (max %d)",
		e.Bucket, e.OpID, e.MaxOpID)
}

// ChecksumMismatchError is returned when a bucket's accumulated checksum
// does not match the value declared by a checkpoint. The bucket's local
// data can no longer be trusted and must be discarded and re-fetched.
type ChecksumMismatchError struct {
	Bucket   string
	Expected oplog.Checksum
	Actual   oplog.Checksum
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("bucket %q: checksum mismatch: expected %s, got %s",
		e.Bucket, e.Expected, e.Actual)
}

// IsOutOfOrder reports whether err is (or wraps) an OutOfOrderError.
func IsOutOfOrder(err error) bool {
	var e *OutOfOrderError
	return errors.As(err, &e)
}

// IsChecksumMismatch reports whether err is (or wraps) a ChecksumMismatchError.
func IsChecksumMismatch(err error) bool {
	var e *ChecksumMismatchError
	return errors.As(err, &e)
}

// ErrEntryNotFound is returned when acknowledging or rejecting an outbox
// entry that does not exist (already acknowledged, or never enqueued).
var ErrEntryNotFound = errors.New("outbox entry not found")
