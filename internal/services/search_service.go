// Package services – SearchService
//
// SearchService answers free-text queries over the locally synchronized
// message state. It builds a throwaway token index per request from the
// confirmed entries of the loaded threads, so results always reflect the
// current reconciliation state and nothing has to be kept in sync with the
// thread store.
package services

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/localloop/msgsync/internal/domain"
	"github.com/localloop/msgsync/internal/identity"
	"github.com/localloop/msgsync/internal/search"
)

// SearchService ranks locally held messages against a query string.
type SearchService struct {
	Threads  *ThreadService
	Identity identity.Provider
	Log      zerolog.Logger

	// MaxResults caps k regardless of what the caller asks for.
	MaxResults int
}

// NewSearchService builds a SearchService.
func NewSearchService(threads *ThreadService, id identity.Provider, log zerolog.Logger, maxResults int) *SearchService {
	if maxResults <= 0 {
		maxResults = 20
	}
	return &SearchService{
		Threads:    threads,
		Identity:   id,
		Log:        log.With().Str("component", "search").Logger(),
		MaxResults: maxResults,
	}
}

// Search returns the best-matching text messages across the loaded threads.
// When conversationID is non-empty only that thread is searched. Optimistic
// entries are excluded; only confirmed, synchronized messages are ranked.
func (s *SearchService) Search(ctx context.Context, conversationID, query string, k int) ([]search.Result, error) {
	tr := otel.Tracer("services/SearchService")
	_, span := tr.Start(ctx, "Search")
	defer span.End()

	if _, ok := s.Identity.CurrentUser(ctx); !ok {
		return nil, ErrNotAuthenticated
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if k <= 0 || k > s.MaxResults {
		k = s.MaxResults
	}

	var ids []string
	if conversationID != "" {
		ids = []string{conversationID}
	} else {
		ids = s.Threads.Loaded()
	}

	var entries []search.Entry
	for _, id := range ids {
		for _, m := range s.Threads.Confirmed(id) {
			if m.Type != domain.TypeText || m.Content == "" {
				continue
			}
			entries = append(entries, search.Entry{
				ConversationID: m.ConversationID,
				MessageID:      m.ID,
				Text:           m.Content,
			})
		}
	}
	span.SetAttributes(
		attribute.Int("search.corpus", len(entries)),
		attribute.String("search.conversation_id", conversationID),
	)
	if len(entries) == 0 {
		return nil, nil
	}

	results := search.NewIndex(entries).TopK(query, k)
	s.Log.Debug().
		Str("conversation_id", conversationID).
		Int("corpus", len(entries)).
		Int("results", len(results)).
		Msg("search served")
	return results, nil
}
