// Package common defines shared constants and sentinel errors used across
// client and server layers of draftsync. Callers should use errors.Is to
// match these values and errors.As to extract the typed variants.
package common

import (
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// ErrTransientNetwork marks a send or fetch that failed because the
	// remote side was unreachable. Owners retry; it is never surfaced unless
	// retries are exhausted.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrQuotaExceeded is the family of out-of-budget conditions for the
	// local store and the cache.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrPermanentSyncFailure is matched by every PermanentSyncFailure.
	ErrPermanentSyncFailure = errors.New("permanent sync failure")

	// ErrCorruptState is matched by every CorruptStateError.
	ErrCorruptState = errors.New("corrupt draft state")

	// Validation errors.
	ErrUnknownField     = errors.New("unknown field path")
	ErrFieldKindInvalid = errors.New("field value kind does not match schema")
	ErrMalformedOp      = errors.New("malformed operation")
	ErrOutOfOrder       = errors.New("operation out of causal order")

	// Auth errors.
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// ErrStaleSnapshot is returned when a snapshot is older than state the
	// client already holds as settled.
	ErrStaleSnapshot = errors.New("stale snapshot")

	// ErrDraftDeleted is returned for work on a draft removed locally.
	ErrDraftDeleted = errors.New("draft deleted")
)

// StorageFullError reports that the local store could not commit because
// the device or the configured log quota is exhausted.
type StorageFullError struct {
	DraftID string
	Err     error
}

func (e *StorageFullError) Error() string {
	return fmt.Sprintf("storage full for draft %s: %v", e.DraftID, e.Err)
}

func (e *StorageFullError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrQuotaExceeded) match a StorageFullError.
func (e *StorageFullError) Is(target error) bool { return target == ErrQuotaExceeded }

// PermanentSyncFailure is raised when a queue entry exhausted its attempts
// or the server rejected it for a non-version reason.
type PermanentSyncFailure struct {
	DraftID string
	OpID    string
	Reason  string
	Err     error
}

func (e *PermanentSyncFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sync of %s failed permanently: %s: %v", e.OpID, e.Reason, e.Err)
	}
	return fmt.Sprintf("sync of %s failed permanently: %s", e.OpID, e.Reason)
}

func (e *PermanentSyncFailure) Unwrap() error { return e.Err }

func (e *PermanentSyncFailure) Is(target error) bool { return target == ErrPermanentSyncFailure }

// CorruptStateError reports that replaying a draft's log produced an
// invalid draft. It is fatal for that draft only.
type CorruptStateError struct {
	DraftID string
	Seq     int64
	Err     error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("draft %s corrupt at log seq %d: %v", e.DraftID, e.Seq, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

func (e *CorruptStateError) Is(target error) bool { return target == ErrCorruptState }
