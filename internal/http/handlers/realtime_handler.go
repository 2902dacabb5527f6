// Realtime subscription HTTP handlers.
//
// The gateway keeps at most one live channel per scope. Opening a thread in
// the UI subscribes its conversation; closing it unsubscribes. These
// endpoints drive that lifecycle and expose the current channel table:
//   - POST   /conversations/{id}/subscribe
//   - DELETE /conversations/{id}/subscribe
//   - GET    /realtime
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/localloop/msgsync/internal/realtime"
)

// SubscriptionState describes one live channel.
type SubscriptionState struct {
	// Scope identifies what the channel covers (conversation or user).
	Scope string `json:"scope"`
	// Mode is "push" for a live transport channel, "poll" for the fallback.
	Mode string `json:"mode"`
	// Status is the transport connection state.
	Status string `json:"status"`
}

// ListRealtimeResponse wraps the current channel table.
type ListRealtimeResponse struct {
	Subscriptions []SubscriptionState `json:"subscriptions"`
}

// SubscribeConversation opens (or replaces) the live channel for a
// conversation. When the transport cannot be established inside the
// configured window the channel degrades to interval polling; the response
// reports which mode is active.
func (h *Handlers) SubscribeConversation(c *gin.Context) {
	hd := h.rtSvc.SubscribeConversation(c.Request.Context(), c.Param("id"))
	ok(c, http.StatusCreated, SubscriptionState{
		Scope:  hd.Scope().Key(),
		Mode:   string(hd.Mode()),
		Status: string(hd.Status()),
	})
}

// UnsubscribeConversation closes the live channel for a conversation. It is
// safe to call for a conversation that has no channel.
func (h *Handlers) UnsubscribeConversation(c *gin.Context) {
	h.rtSvc.Unsubscribe(realtime.Scope{ConversationID: c.Param("id")})
	noContent(c)
}

// ListRealtime returns the current channel table, for diagnostics and for
// the UI's connection indicator.
func (h *Handlers) ListRealtime(c *gin.Context) {
	handles := h.rtSvc.Handles()
	out := make([]SubscriptionState, 0, len(handles))
	for _, hd := range handles {
		out = append(out, SubscriptionState{
			Scope:  hd.Scope().Key(),
			Mode:   string(hd.Mode()),
			Status: string(hd.Status()),
		})
	}
	ok(c, http.StatusOK, ListRealtimeResponse{Subscriptions: out})
}
