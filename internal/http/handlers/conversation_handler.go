// Conversation HTTP handlers.
//
// This file exposes REST endpoints for conversation resources:
//   - GET  /conversations        (list, optionally filtered by context)
//   - POST /conversations        (find-or-create against another user)
//   - POST /conversations/{id}/read
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses. Staleness of cached data is
// surfaced to clients through the `stale` field rather than an error, so the
// UI can render immediately and refresh when fresh data lands.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/localloop/msgsync/internal/domain"
	"github.com/localloop/msgsync/internal/identity"
	"github.com/localloop/msgsync/internal/search"
	"github.com/localloop/msgsync/internal/services"
)

//
// Service contracts (context-aware)
//

// ConversationService defines conversation listing and creation operations
// consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ConversationService interface {
	// List returns the user's conversations for a context ("" means all),
	// with stale=true when the data came from an expired cache entry.
	List(ctx context.Context, reqContext domain.Context) ([]domain.Conversation, bool, error)
	// GetOrCreate finds or creates the conversation with otherID in the
	// given context and returns its identifier.
	GetOrCreate(ctx context.Context, otherID string, c domain.Context, listingID string) (string, error)
}

// ThreadService defines message-thread retrieval and lookup operations.
type ThreadService interface {
	// List returns a page of a conversation's messages, oldest first.
	List(ctx context.Context, conversationID string, limit, offset int) ([]domain.Message, bool, error)
	// Lookup finds a single message in the loaded thread state.
	Lookup(conversationID, messageID string) (domain.Message, bool)
}

// SendService defines the optimistic send pipeline operations.
type SendService interface {
	// Send submits a message; on failure the content is retained for retry.
	Send(ctx context.Context, in services.SendInput) (domain.Message, error)
	// Failed lists retained failed sends, optionally for one conversation.
	Failed(ctx context.Context, conversationID string) ([]domain.PendingSend, error)
	// Retry re-submits a retained send.
	Retry(ctx context.Context, pendingID string) (domain.Message, error)
	// Discard drops a retained send permanently.
	Discard(ctx context.Context, pendingID string) error
}

// UnreadService defines unread accounting operations.
type UnreadService interface {
	// Counts returns total and per-context unread counts.
	Counts(ctx context.Context) (domain.UnreadCounts, error)
	// MarkRead zeroes a conversation's unread state.
	MarkRead(ctx context.Context, conversationID string) error
}

// SearchService defines free-text search over locally held messages.
type SearchService interface {
	// Search ranks confirmed messages against the query; conversationID ""
	// searches all loaded threads.
	Search(ctx context.Context, conversationID, query string, k int) ([]search.Result, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for conversations, messages, the outbox,
// unread counts, and realtime subscriptions. It depends on abstract service
// interfaces to keep transport concerns separate from business logic.
type Handlers struct {
	convSvc   ConversationService
	threadSvc ThreadService
	sendSvc   SendService
	unreadSvc UnreadService
	searchSvc SearchService
	rtSvc     *services.RealtimeService
	identity  identity.Provider
	db        *gorm.DB
}

// New constructs and returns a Handlers instance bound to the given services.
// db is used for idempotency record storage and may be nil in tests.
func New(convSvc ConversationService, threadSvc ThreadService, sendSvc SendService, unreadSvc UnreadService, searchSvc SearchService, rtSvc *services.RealtimeService, id identity.Provider, db *gorm.DB) *Handlers {
	return &Handlers{
		convSvc:   convSvc,
		threadSvc: threadSvc,
		sendSvc:   sendSvc,
		unreadSvc: unreadSvc,
		searchSvc: searchSvc,
		rtSvc:     rtSvc,
		identity:  id,
		db:        db,
	}
}

// currentUserID resolves the session user for idempotency bookkeeping. The
// services resolve the user themselves through the identity provider; this
// helper exists only for transport-level state keyed by user.
func (h *Handlers) currentUserID(ctx context.Context) string {
	if h.identity == nil {
		return ""
	}
	u, ok := h.identity.CurrentUser(ctx)
	if !ok {
		return ""
	}
	return u.ID
}

//
// DTOs
//

// CreateConversationRequest is the JSON payload for finding or creating a
// conversation with another user.
type CreateConversationRequest struct {
	// OtherID is the peer's user identifier.
	OtherID string `json:"other_id" binding:"required"`
	// Context selects the messaging surface: direct, marketplace, or connection.
	Context string `json:"context" binding:"required"`
	// ListingID ties a marketplace conversation to a listing. Optional.
	ListingID string `json:"listing_id"`
}

// CreateConversationResponse carries the resolved conversation identifier.
type CreateConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

// ListConversationsResponse wraps the conversation list. Stale is true when
// the payload came from an expired cache entry and a refresh is underway.
type ListConversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
	Stale         bool                  `json:"stale"`
}

//
// Handlers
//

// ListConversations returns the current user's conversations, newest activity
// first. The optional `context` query parameter filters by messaging surface.
func (h *Handlers) ListConversations(c *gin.Context) {
	reqContext := domain.Context(strings.TrimSpace(c.Query("context")))
	if reqContext != "" && !domain.ValidContext(reqContext) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown context")
		return
	}

	convs, stale, err := h.convSvc.List(c.Request.Context(), reqContext)
	if err != nil {
		writeServiceError(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListConversationsResponse{Conversations: convs, Stale: stale})
}

// CreateConversation finds or creates the conversation with another user and
// returns its identifier. Eligibility rules apply per context; a concurrent
// creation by the peer resolves to the same conversation.
func (h *Handlers) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "other_id and context required")
		return
	}
	reqContext := domain.Context(strings.TrimSpace(req.Context))
	if !domain.ValidContext(reqContext) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown context")
		return
	}

	id, err := h.convSvc.GetOrCreate(c.Request.Context(), strings.TrimSpace(req.OtherID), reqContext, req.ListingID)
	if err != nil {
		var ne *services.NotEligibleError
		switch {
		case errors.As(err, &ne):
			fail(c, http.StatusForbidden, ErrCodeNotEligible, ne.Reason)
		case errors.Is(err, services.ErrNotEligible):
			fail(c, http.StatusForbidden, ErrCodeNotEligible, "not eligible for this context")
		default:
			writeServiceError(c, err, ErrCodeInternal)
		}
		return
	}
	ok(c, http.StatusCreated, CreateConversationResponse{ConversationID: id})
}

// MarkConversationRead zeroes the unread state of a conversation. The local
// count is zero immediately; backend reconciliation happens in the background.
func (h *Handlers) MarkConversationRead(c *gin.Context) {
	if err := h.unreadSvc.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		writeServiceError(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// GetUnreadCounts returns the total and per-context unread counts for the
// current user.
func (h *Handlers) GetUnreadCounts(c *gin.Context) {
	counts, err := h.unreadSvc.Counts(c.Request.Context())
	if err != nil {
		writeServiceError(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, counts)
}

// writeServiceError maps the service error taxonomy onto HTTP responses.
// fallbackCode is used for errors outside the taxonomy.
func writeServiceError(c *gin.Context, err error, fallbackCode string) {
	switch {
	case errors.Is(err, services.ErrNotAuthenticated):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
	case errors.Is(err, services.ErrConversationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
	case errors.Is(err, services.ErrPendingSendNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "pending send not found")
	case errors.Is(err, services.ErrTransientIO):
		fail(c, http.StatusBadGateway, ErrCodeUpstream, err.Error())
	case errors.Is(err, services.ErrConflict):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	default:
		fail(c, http.StatusInternalServerError, fallbackCode, err.Error())
	}
}
