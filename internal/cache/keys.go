// Package cache implements the local read-through cache shared by the
// messaging services: TTL-stamped entries over a pluggable durable backend,
// substring invalidation, and generation tags that keep a stale background
// refresh from resurrecting data written before the last invalidation.
//
// Key naming lives here and only here. Every call site builds keys through
// the typed constructors below, so invalidation patterns can never drift
// from the names used on write.
package cache

import (
	"github.com/localloop/msgsync/internal/domain"
)

// Class selects the TTL applied to an entry.
type Class int

const (
	// ClassConversations covers conversation lists (short TTL).
	ClassConversations Class = iota
	// ClassThread covers per-conversation message pages (medium TTL).
	ClassThread
	// ClassCounts covers unread counters and other ancillary lookups
	// (short TTL).
	ClassCounts
)

// Key is a namespaced cache key with its TTL class.
type Key struct {
	Name  string
	Class Class
}

// Prefixes used by the constructors. Invalidation call sites use the
// matching Scope* helpers rather than raw strings.
const (
	prefixConversations = "conversations:"
	prefixThread        = "thread:"
	prefixUnread        = "unread:"
)

// Conversations keys the conversation list of one user in one context.
func Conversations(userID string, c domain.Context) Key {
	return Key{Name: prefixConversations + userID + ":" + string(c), Class: ClassConversations}
}

// Thread keys the message page cache of one conversation.
func Thread(conversationID string) Key {
	return Key{Name: prefixThread + conversationID, Class: ClassThread}
}

// Unread keys the unread counters of one user.
func Unread(userID string) Key {
	return Key{Name: prefixUnread + userID, Class: ClassCounts}
}

// ScopeConversations matches every cached conversation list of userID,
// across contexts. Pass it to Store.Invalidate.
func ScopeConversations(userID string) string { return prefixConversations + userID }

// ScopeThread matches the cached pages of one conversation.
func ScopeThread(conversationID string) string { return prefixThread + conversationID }

// ScopeUnread matches the unread counters of userID.
func ScopeUnread(userID string) string { return prefixUnread + userID }
