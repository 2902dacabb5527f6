// Package domain – error taxonomy.
//
// Sentinel errors live in the domain package so that leaf packages (the
// backend client, the media uploader) can classify failures without
// importing the service layer. Services and handlers check them with
// errors.Is; translation into HTTP status codes happens at the handler
// layer.
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated indicates that no session is available. Read
	// operations degrade to empty results instead of returning it; write
	// operations surface it.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNotEligible indicates that a context-specific precondition failed,
	// e.g. both participants of a connection conversation must be verified.
	// Returned wrapped in a NotEligibleError carrying the reason.
	ErrNotEligible = errors.New("not eligible")

	// ErrConflict indicates a duplicate-creation race on the backend. It is
	// recovered internally by re-fetching and matching, never surfaced.
	ErrConflict = errors.New("conflict")

	// ErrTransientIO indicates a network or backend failure that may succeed
	// on retry. Callers serve cached data when available.
	ErrTransientIO = errors.New("transient io failure")

	// ErrUploadFailed indicates a media upload failure. It is surfaced as a
	// failed send with retry.
	ErrUploadFailed = errors.New("upload failed")

	// ErrConversationNotFound indicates that the requested conversation does
	// not exist or is not visible to the current user.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrPendingSendNotFound indicates that a retry or discard referenced an
	// unknown pending send.
	ErrPendingSendNotFound = errors.New("pending send not found")

	// ErrEmptyMessage is returned when a text send carries no content.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrTooLong is returned when message content exceeds the configured
	// maximum length.
	ErrTooLong = errors.New("message too long")

	// ErrRetriesExhausted is returned when a pending send has already been
	// retried the configured maximum number of times.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrRetryTooSoon is returned when a retry is attempted before the
	// backoff window for the pending send has elapsed.
	ErrRetryTooSoon = errors.New("retry attempted before backoff elapsed")
)

// NotEligibleError carries the human-readable reason an eligibility check
// failed. It matches ErrNotEligible under errors.Is.
type NotEligibleError struct {
	Reason string
}

// Error implements the error interface.
func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("not eligible: %s", e.Reason)
}

// Is reports whether target is ErrNotEligible.
func (e *NotEligibleError) Is(target error) bool { return target == ErrNotEligible }
