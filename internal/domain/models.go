// Package domain defines the core data model of the messaging
// synchronization engine: conversations, messages, pending sends, and the
// change events delivered by the realtime feed. Persisted types
// (CacheEntry, PendingSend, Idempotency) are mapped with GORM; the rest are
// plain values exchanged between the services and the HTTP layer.
package domain

import (
	"strings"
	"time"
)

// Context partitions conversations by purpose.
type Context string

const (
	// ContextDirect is peer-to-peer messaging between two members.
	ContextDirect Context = "direct"
	// ContextMarketplace groups conversations attached to a listing.
	ContextMarketplace Context = "marketplace"
	// ContextConnection is messaging between mutually connected members and
	// requires both participants to pass an eligibility check.
	ContextConnection Context = "connection"
)

// ValidContext reports whether c is one of the known conversation contexts.
func ValidContext(c Context) bool {
	switch c {
	case ContextDirect, ContextMarketplace, ContextConnection:
		return true
	}
	return false
}

// MessageType describes the payload kind of a message.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeAudio MessageType = "audio"
)

// TempIDPrefix namespaces client-generated message identifiers so they can
// never collide with server-assigned UUIDs.
const TempIDPrefix = "tmp_"

// IsTempID reports whether id is a client-generated provisional identifier.
func IsTempID(id string) bool { return strings.HasPrefix(id, TempIDPrefix) }

// Conversation is the client-side view of one conversation, as assembled by
// the conversation repository from backend rows. Unread is always >= 0 and
// is reset to zero only by an explicit read action.
type Conversation struct {
	ID            string    `json:"id"`
	PeerID        string    `json:"peer_id"`
	PeerName      string    `json:"peer_name"`
	PeerAvatar    string    `json:"peer_avatar,omitempty"`
	PeerStatus    string    `json:"peer_status,omitempty"`
	Context       Context   `json:"context"`
	ListingID     string    `json:"listing_id,omitempty"`
	ListingTitle  string    `json:"listing_title,omitempty"`
	LastMessage   string    `json:"last_message,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	Unread        int       `json:"unread"`
}

// Message is a single thread entry. Until a send is confirmed its ID carries
// the TempIDPrefix and Pending is true; reconciliation swaps in the
// server-assigned identifier without moving the entry.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content,omitempty"`
	MediaURL       string      `json:"media_url,omitempty"`
	ListingID      string      `json:"listing_id,omitempty"`
	Read           bool        `json:"read"`
	CreatedAt      time.Time   `json:"created_at"`

	// Pending marks an optimistic entry that has not been confirmed by the
	// backend yet. Never set on server-originated messages.
	Pending bool `json:"pending,omitempty"`
}

// UnreadCounts is derived state, never independently authoritative.
type UnreadCounts struct {
	Total      int             `json:"total"`
	PerContext map[Context]int `json:"per_context"`
}

// EventType distinguishes realtime change events.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
)

// ChangeEvent is one row-level mutation delivered by the realtime feed.
type ChangeEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Message        *Message  `json:"message,omitempty"`
}

// CacheEntry is one durable cache row. Validity is decided by the cache
// store from WrittenAt and the entry's TTL class, not stored here.
type CacheEntry struct {
	Key       string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Payload   []byte    `gorm:"type:BLOB NOT NULL"`
	WrittenAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (CacheEntry) TableName() string { return "cache_entries" }

// PendingSend is a failed optimistic send retained for retry. It exists only
// between a failed submission and either a successful retry or a
// user-initiated discard.
type PendingSend struct {
	ID             string      `gorm:"type:TEXT NOT NULL;primaryKey" json:"id"`
	ConversationID string      `gorm:"type:TEXT NOT NULL;index" json:"conversation_id"`
	SenderID       string      `gorm:"type:TEXT NOT NULL" json:"sender_id"`
	Type           MessageType `gorm:"type:TEXT NOT NULL" json:"type"`
	Content        string      `gorm:"type:TEXT" json:"content,omitempty"`
	MediaURL       string      `gorm:"type:TEXT" json:"media_url,omitempty"`
	ListingID      string      `gorm:"type:TEXT" json:"listing_id,omitempty"`
	Retries        int         `gorm:"type:INTEGER NOT NULL" json:"retries"`
	LastError      string      `gorm:"type:TEXT" json:"last_error,omitempty"`
	CreatedAt      time.Time   `gorm:"type:DATETIME NOT NULL;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time   `gorm:"type:DATETIME NOT NULL;autoUpdateTime" json:"updated_at"`
}

// TableName implements the GORM tabler interface.
func (PendingSend) TableName() string { return "pending_sends" }

// AsMessage converts the stored send back into an optimistic message with a
// fresh temporary identifier, for retry.
func (p PendingSend) AsMessage(tempID string, at time.Time) Message {
	return Message{
		ID:             tempID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Type:           p.Type,
		Content:        p.Content,
		MediaURL:       p.MediaURL,
		ListingID:      p.ListingID,
		CreatedAt:      at,
		Pending:        true,
	}
}
