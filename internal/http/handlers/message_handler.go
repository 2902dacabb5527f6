// Message HTTP handlers.
//
// This file exposes REST endpoints for conversation messages:
//   - GET  /conversations/{id}/messages   (list, oldest first, paginated)
//   - POST /conversations/{id}/messages   (optimistic send)
//
// Handlers are transport-thin:
//   - validate & normalize inputs (including newline and length constraints)
//   - delegate to application services (SendService, ThreadService)
//   - implement idempotency semantics
//
// Sends accept two shapes: a JSON body for text messages, and a
// multipart/form-data body carrying a media file plus form fields for media
// messages. The media bytes are uploaded before the message is inserted; an
// upload failure fails the send.
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// result exists for (user, conversation, key), the handler returns that
// recorded message and sets `Idempotency-Replayed: true`.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/localloop/msgsync/internal/domain"
	"github.com/localloop/msgsync/internal/repo"
	"github.com/localloop/msgsync/internal/services"
	"github.com/localloop/msgsync/internal/utils"
)

//
// DTOs
//

// PostMessageRequest is the JSON payload for sending a text message.
//
// Content is normalized by the handler (line endings and excessive blank
// lines) before being passed to the send pipeline, which enforces the
// configured maximum rune count.
type PostMessageRequest struct {
	// Type selects the message kind; defaults to "text".
	Type string `json:"type"`
	// Content is the message body. Required for text messages.
	Content string `json:"content"`
	// ListingID optionally ties the message to a marketplace listing.
	ListingID string `json:"listing_id"`
}

// PostMessageResponse is the JSON envelope for a confirmed message.
type PostMessageResponse struct {
	// Message is the server-confirmed message, carrying its permanent id.
	Message domain.Message `json:"message"`
}

// ListMessagesResponse contains a page of messages, oldest first. Stale is
// true when the payload came from an expired cache entry and a background
// refresh is underway.
type ListMessagesResponse struct {
	Messages []domain.Message `json:"messages"`
	Stale    bool             `json:"stale"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

//
// Helpers
//

// clampWindow parses limit/offset from query parameters, applies sane
// defaults and caps, and returns the validated (limit, offset).
func clampWindow(c *gin.Context) (limit, offset int) {
	const (
		defaultLimit = services.DefaultPageSize
		maxLimit     = 200
	)
	limit = utils.Clamp(utils.AtoiDefault(c.Query("limit"), defaultLimit), 1, maxLimit)
	offset = utils.AtoiDefault(c.Query("offset"), 0)
	if offset < 0 {
		offset = 0
	}
	return
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

//
// Handlers
//

// PostMessage sends a message into a conversation. The send is optimistic:
// the pipeline places the message in the thread immediately and confirms or
// demotes it based on the backend outcome. A demoted send surfaces here as
// an error; its content is retained in the outbox for retry.
func (h *Handlers) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()
	conversationID := c.Param("id")

	in, err := h.bindSendInput(c, conversationID)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := middlewareGetIdempotencyKey(c)
	currentUser := h.currentUserID(ctx)
	if idemKey != "" && h.db != nil && currentUser != "" {
		if rec, err := repo.GetIdempotency(ctx, h.db, currentUser, conversationID, idemKey, time.Now().UTC()); err == nil && rec != nil {
			if prev, found := h.threadSvc.Lookup(conversationID, rec.MessageID); found {
				c.Header("Idempotency-Replayed", "true")
				ok(c, http.StatusOK, PostMessageResponse{Message: prev})
				return
			}
		}
	}

	m, err := h.sendSvc.Send(ctx, in)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEmptyMessage):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		case errors.Is(err, services.ErrTooLong):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content too long")
		case errors.Is(err, services.ErrUploadFailed):
			fail(c, http.StatusBadGateway, ErrCodeUploadFailed, err.Error())
		case errors.Is(err, services.ErrTransientIO):
			fail(c, http.StatusBadGateway, ErrCodeSendFailed, "send failed, message retained for retry")
		default:
			writeServiceError(c, err, ErrCodeSendFailed)
		}
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" && h.db != nil && currentUser != "" {
		ttl := 24 * time.Hour
		_, _ = repo.CreateIdempotency(ctx, h.db, currentUser, conversationID, idemKey, m.ID, http.StatusOK, ttl)
	}

	ok(c, http.StatusOK, PostMessageResponse{Message: m})
}

// bindSendInput builds a SendInput from either a JSON body (text) or a
// multipart form (media). Validation beyond shape lives in the pipeline.
func (h *Handlers) bindSendInput(c *gin.Context, conversationID string) (services.SendInput, error) {
	in := services.SendInput{ConversationID: conversationID, Type: domain.TypeText}

	ct := c.ContentType()
	if strings.HasPrefix(ct, "multipart/form-data") {
		file, err := c.FormFile("media")
		if err != nil {
			return in, fmt.Errorf("media file required")
		}
		f, err := file.Open()
		if err != nil {
			return in, fmt.Errorf("media file unreadable")
		}
		// The pipeline consumes the reader before returning; Gin closes the
		// underlying request body after the handler.
		in.Media = f
		in.MediaFilename = file.Filename
		in.MediaContentType = file.Header.Get("Content-Type")
		in.Content = sanitizeContent(c.PostForm("content"))
		in.ListingID = strings.TrimSpace(c.PostForm("listing_id"))
		if t := strings.TrimSpace(c.PostForm("type")); t != "" {
			in.Type = domain.MessageType(t)
		} else {
			in.Type = domain.TypeImage
		}
		return in, nil
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return in, fmt.Errorf("invalid JSON body")
	}
	if t := strings.TrimSpace(req.Type); t != "" {
		in.Type = domain.MessageType(t)
	}
	in.Content = sanitizeContent(req.Content)
	in.ListingID = strings.TrimSpace(req.ListingID)
	return in, nil
}

// ListMessages returns a page of a conversation's messages, oldest first.
// Cached data is served immediately; `stale` signals that a refresh is
// running and the client should expect a follow-up change event.
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	conversationID := c.Param("id")
	limit, offset := clampWindow(c)

	items, stale, err := h.threadSvc.List(ctx, conversationID, limit, offset)
	if err != nil {
		writeServiceError(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages: items,
		Stale:    stale,
		Limit:    limit,
		Offset:   offset,
	})
}

// middlewareGetIdempotencyKey extracts an idempotency key if an upstream
// middleware has already validated/stashed it. The fallback behavior reads
// the "Idempotency-Key" header directly when no dedicated middleware exists.
func middlewareGetIdempotencyKey(c *gin.Context) (string, bool) {
	if v := strings.TrimSpace(c.GetHeader("Idempotency-Key")); v != "" {
		return v, true
	}
	return "", false
}
