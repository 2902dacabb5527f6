// Package backend defines the remote-procedure contract the engine requires
// from the platform backend, together with an HTTP JSON client
// implementation. The engine never talks to the backend schema directly;
// everything goes through the Procedures interface so tests can substitute
// a fake.
package backend

import (
	"context"
	"time"

	"github.com/localloop/msgsync/internal/domain"
)

// ConversationRow is the raw conversation shape returned by the backend,
// before the conversation repository transforms it into the client view.
// Both participants are present; the repository picks the peer.
type ConversationRow struct {
	ID            string         `json:"id"`
	UserA         string         `json:"user_a"`
	UserB         string         `json:"user_b"`
	Context       domain.Context `json:"context"`
	ListingID     string         `json:"listing_id,omitempty"`
	ListingTitle  string         `json:"listing_title,omitempty"`
	PeerName      string         `json:"peer_name"`
	PeerAvatar    string         `json:"peer_avatar,omitempty"`
	PeerStatus    string         `json:"peer_status,omitempty"`
	LastMessage   string         `json:"last_message,omitempty"`
	LastMessageAt time.Time      `json:"last_message_at"`
	Unread        int            `json:"unread"`
}

// Procedures is the set of remote procedures the engine calls. Every method
// may fail with domain.ErrTransientIO (network, 5xx),
// domain.ErrNotAuthenticated (401), or a structured error documented on
// the method.
type Procedures interface {
	// ListConversations returns the conversations of userID filtered by
	// context. An empty context returns all of them.
	ListConversations(ctx context.Context, userID string, c domain.Context) ([]ConversationRow, error)

	// GetOrCreateConversation returns the identifier of the conversation
	// between the two users in the given context, creating it when absent.
	// A unique-constraint race on creation fails with domain.ErrConflict;
	// the caller recovers by re-fetching and matching.
	GetOrCreateConversation(ctx context.Context, userID, otherID string, c domain.Context, listingID string) (string, error)

	// ListMessages returns messages of a conversation, oldest first.
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]domain.Message, error)

	// InsertMessage submits a message and returns the server-authoritative
	// version (permanent identifier, exact timestamp).
	InsertMessage(ctx context.Context, m domain.Message) (domain.Message, error)

	// MarkRead marks every message of the conversation addressed to userID
	// as read.
	MarkRead(ctx context.Context, conversationID, userID string) error

	// UnreadCounts returns the derived unread counters for userID.
	UnreadCounts(ctx context.Context, userID string) (domain.UnreadCounts, error)

	// UserStatus returns the status tier of a member, for eligibility
	// checks.
	UserStatus(ctx context.Context, userID string) (string, error)
}
