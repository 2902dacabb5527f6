// Package services implements the messaging synchronization engine: the
// conversation repository, the message thread store, the optimistic send
// pipeline, the realtime reconciliation channel, and unread accounting.
//
// The error taxonomy is defined in the domain package so that the backend
// client and the media uploader can return the same sentinels without
// importing this package. It is re-exported here because service callers
// conventionally check services.Err*.
package services

import "github.com/localloop/msgsync/internal/domain"

var (
	ErrNotAuthenticated     = domain.ErrNotAuthenticated
	ErrNotEligible          = domain.ErrNotEligible
	ErrConflict             = domain.ErrConflict
	ErrTransientIO          = domain.ErrTransientIO
	ErrUploadFailed         = domain.ErrUploadFailed
	ErrConversationNotFound = domain.ErrConversationNotFound
	ErrPendingSendNotFound  = domain.ErrPendingSendNotFound
	ErrEmptyMessage         = domain.ErrEmptyMessage
	ErrTooLong              = domain.ErrTooLong
	ErrRetriesExhausted     = domain.ErrRetriesExhausted
	ErrRetryTooSoon         = domain.ErrRetryTooSoon
)

// NotEligibleError carries the human-readable reason an eligibility check
// failed. It matches ErrNotEligible under errors.Is.
type NotEligibleError = domain.NotEligibleError
