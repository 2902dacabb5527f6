// Outbox HTTP handlers.
//
// Failed sends are retained durably with their retry state. These endpoints
// let the client list what is waiting, re-submit an entry, or drop it:
//   - GET    /outbox              (list retained sends, oldest first)
//   - POST   /outbox/{id}/retry   (re-enter the send pipeline)
//   - DELETE /outbox/{id}         (discard permanently)
package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/localloop/msgsync/internal/domain"
	"github.com/localloop/msgsync/internal/repo"
	"github.com/localloop/msgsync/internal/services"
)

// ListOutboxResponse wraps the retained failed sends of the current user,
// with aggregate metadata so the UI can badge the outbox without decoding
// the full list.
type ListOutboxResponse struct {
	Pending []domain.PendingSend `json:"pending"`
	Count   int64                `json:"count"`
	// UpdatedAt is the newest retry-state change, RFC3339; empty when the
	// outbox is empty.
	UpdatedAt string `json:"updated_at,omitempty"`
}

// ListOutbox returns the user's retained failed sends, oldest first. The
// optional `conversation_id` query parameter scopes the list to one thread.
func (h *Handlers) ListOutbox(c *gin.Context) {
	conversationID := strings.TrimSpace(c.Query("conversation_id"))
	pending, err := h.sendSvc.Failed(c.Request.Context(), conversationID)
	if err != nil {
		writeServiceError(c, err, ErrCodeListFailed)
		return
	}

	resp := ListOutboxResponse{Pending: pending, Count: int64(len(pending))}
	if h.db != nil {
		if count, last, err := repo.OutboxStats(c.Request.Context(), h.db, h.currentUserID(c.Request.Context()), conversationID); err == nil {
			resp.Count = count
			if last != nil {
				resp.UpdatedAt = last.UTC().Format(time.RFC3339)
			}
		}
	}
	ok(c, http.StatusOK, resp)
}

// RetryOutbox re-submits a retained send. The retry counter and backoff
// window are enforced by the pipeline; a send past its retry budget returns
// 409 and can only be discarded.
func (h *Handlers) RetryOutbox(c *gin.Context) {
	m, err := h.sendSvc.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrRetriesExhausted):
			fail(c, http.StatusConflict, ErrCodeRetriesExhausted, "retry budget exhausted, discard and recompose")
		case errors.Is(err, services.ErrRetryTooSoon):
			fail(c, http.StatusTooManyRequests, ErrCodeRetryTooSoon, err.Error())
		case errors.Is(err, services.ErrUploadFailed):
			fail(c, http.StatusConflict, ErrCodeUploadFailed, err.Error())
		case errors.Is(err, services.ErrTransientIO):
			fail(c, http.StatusBadGateway, ErrCodeSendFailed, "retry failed, message retained")
		default:
			writeServiceError(c, err, ErrCodeSendFailed)
		}
		return
	}
	ok(c, http.StatusOK, PostMessageResponse{Message: m})
}

// DiscardOutbox drops a retained send permanently.
func (h *Handlers) DiscardOutbox(c *gin.Context) {
	if err := h.sendSvc.Discard(c.Request.Context(), c.Param("id")); err != nil {
		writeServiceError(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}
