// Message search HTTP handler.
//
//   - GET /search?q=...&conversation_id=...&limit=...
//
// Search runs over the locally synchronized thread state only; it never
// reaches the backend. An empty corpus or a query with no matches returns an
// empty result list, not an error.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/localloop/msgsync/internal/search"
	"github.com/localloop/msgsync/internal/utils"
)

// SearchResponse wraps ranked message matches.
type SearchResponse struct {
	Query   string          `json:"query"`
	Results []search.Result `json:"results"`
}

// SearchMessages ranks confirmed local messages against a free-text query.
// The optional conversation_id parameter restricts the corpus to one thread.
func (h *Handlers) SearchMessages(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "q is required")
		return
	}
	limit := utils.AtoiDefault(c.Query("limit"), 0)

	results, err := h.searchSvc.Search(c.Request.Context(), c.Query("conversation_id"), q, limit)
	if err != nil {
		writeServiceError(c, err, ErrCodeInternal)
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	ok(c, http.StatusOK, SearchResponse{Query: q, Results: results})
}
