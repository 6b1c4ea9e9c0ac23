// Error taxonomy shared by every module. Handlers and the retry executor
// decide behavior from the classification, never from error strings.
package models

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying (network, timeout,
// 5xx-equivalent).
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Cause: err}
}

// RejectedError marks a definitive business rejection (validation failure,
// duplicate email, invalid code). Never retried; Reason is safe to show the
// user.
type RejectedError struct {
	Op     string
	Reason string
	Cause  error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected in %s: %s", e.Op, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Cause }

// Rejected creates a business rejection with a user-safe reason.
func Rejected(op, reason string) error {
	return &RejectedError{Op: op, Reason: reason}
}

// NotFoundError marks a lookup that matched no record.
type NotFoundError struct {
	Op   string
	What string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found in %s", e.What, e.Op)
}

// NotFound creates a not-found failure for a named resource.
func NotFound(op, what string) error {
	return &NotFoundError{Op: op, What: what}
}

// ConflictError marks an optimistic write that lost a race. The caller
// re-reads and re-applies, or tells the user to retry.
type ConflictError struct {
	Op       string
	Identity string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting write in %s for %s", e.Op, e.Identity)
}

// Conflict creates an optimistic-concurrency conflict.
func Conflict(op, identity string) error {
	return &ConflictError{Op: op, Identity: identity}
}

// FatalError marks an unrecoverable failure for the current event (store
// unreachable, missing configuration). Logged, generic apology sent, no state
// mutation committed.
type FatalError struct {
	Op    string
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal failure in %s: %v", e.Op, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Fatal wraps err as unrecoverable for the current event.
func Fatal(op string, err error) error {
	return &FatalError{Op: op, Cause: err}
}

// IsTransient reports whether err (or its chain) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected reports whether err is a business rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// IsNotFound reports whether err is a missing-record failure.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// IsConflict reports whether err is an optimistic-write conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// RejectionReason extracts the user-safe reason from a rejection, or "".
func RejectionReason(err error) string {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
