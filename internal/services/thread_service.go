// Package services – ThreadService
//
// ThreadService is the message thread store: it owns the ordered,
// deduplicated message sequence of every conversation the gateway has
// touched, the cache snapshots behind them, and the pending-set used to
// recognize realtime echoes of messages this client sent optimistically.
//
// Ownership note: the pending-set lives here, under the same mutex as the
// sequences, so the pipeline's reconciliation and the realtime handler can
// never both claim the same identifier — check-and-remove is one lock
// acquisition, not two steps.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/localloop/msgsync/internal/backend"
	"github.com/localloop/msgsync/internal/cache"
	"github.com/localloop/msgsync/internal/domain"
	"github.com/localloop/msgsync/internal/identity"
)

// DefaultPageSize is used when a caller passes a non-positive limit.
const DefaultPageSize = 50

// ThreadService fetches, caches, and paginates messages per conversation and
// exposes the ordered append/reconcile/upsert operations every other part of
// the engine folds changes through.
type ThreadService struct {
	Backend     backend.Procedures
	Cache       *cache.Store
	Identity    identity.Provider
	Log         zerolog.Logger
	LoadTimeout time.Duration

	// OnFetched runs after every fresh page fetch, outside the read path.
	// The realtime service points it at the read-receipt scheduler so a slow
	// mark-as-read write never blocks message display.
	OnFetched func(conversationID string)

	mu      sync.Mutex
	threads map[string][]domain.Message
	pending map[string]struct{}
	loaded  map[string]bool
}

// NewThreadService builds a ThreadService with empty state.
func NewThreadService(b backend.Procedures, c *cache.Store, id identity.Provider, log zerolog.Logger, loadTimeout time.Duration) *ThreadService {
	return &ThreadService{
		Backend:     b,
		Cache:       c,
		Identity:    id,
		Log:         log.With().Str("component", "thread").Logger(),
		LoadTimeout: loadTimeout,
		threads:     make(map[string][]domain.Message),
		pending:     make(map[string]struct{}),
		loaded:      make(map[string]bool),
	}
}

// List returns one page of the conversation's messages, oldest first. The
// stale flag is true when cached data is served because a fresh fetch failed.
// Without a session it returns an empty page and no error.
func (s *ThreadService) List(ctx context.Context, conversationID string, limit, offset int) (msgs []domain.Message, stale bool, err error) {
	tr := otel.Tracer("services/ThreadService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("limit", limit),
			attribute.Int("offset", offset),
		),
	)
	defer span.End()

	if _, ok := s.Identity.CurrentUser(ctx); !ok {
		return []domain.Message{}, false, nil
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	key := cache.Thread(conversationID)
	payload, valid := s.Cache.Get(key)

	if valid {
		s.ensureLoaded(conversationID, payload)
		// Fast path served from cache; still refresh silently so the next
		// read converges on the backend.
		s.refreshAsync(conversationID, limit, offset)
		return s.page(conversationID, limit, offset), false, nil
	}

	// Miss or stale: fetch in the foreground, bounded by the safety timeout.
	fctx, cancel := context.WithTimeout(ctx, s.LoadTimeout)
	defer cancel()
	fetched, ferr := s.Backend.ListMessages(fctx, conversationID, limit, offset)
	if ferr != nil {
		if payload != nil {
			// Serve the stale snapshot rather than blocking display.
			s.Log.Warn().Err(ferr).Str("conversation_id", conversationID).Msg("thread refresh failed, serving stale cache")
			s.ensureLoaded(conversationID, payload)
			return s.page(conversationID, limit, offset), true, nil
		}
		if errors.Is(ferr, context.DeadlineExceeded) {
			ferr = fmt.Errorf("%w: thread load timed out", ErrTransientIO)
		}
		return nil, false, ferr
	}

	s.applyFetched(conversationID, fetched)
	s.notifyFetched(conversationID)
	return s.page(conversationID, limit, offset), false, nil
}

// refreshAsync fetches the same page in the background and swaps it in,
// unless the cache was invalidated while the fetch was in flight.
func (s *ThreadService) refreshAsync(conversationID string, limit, offset int) {
	key := cache.Thread(conversationID)
	gen := s.Cache.Generation(key)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.LoadTimeout)
		defer cancel()
		fetched, err := s.Backend.ListMessages(ctx, conversationID, limit, offset)
		if err != nil {
			s.Log.Debug().Err(err).Str("conversation_id", conversationID).Msg("background thread refresh failed")
			return
		}
		s.applyFetchedIfCurrent(conversationID, fetched, gen)
		s.notifyFetched(conversationID)
	}()
}

func (s *ThreadService) notifyFetched(conversationID string) {
	if s.OnFetched != nil {
		go s.OnFetched(conversationID)
	}
}

// ensureLoaded hydrates the in-memory sequence from a cache payload once.
func (s *ThreadService) ensureLoaded(conversationID string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded[conversationID] {
		return
	}
	var msgs []domain.Message
	if err := json.Unmarshal(payload, &msgs); err != nil {
		s.Log.Warn().Err(err).Str("conversation_id", conversationID).Msg("discarding undecodable thread snapshot")
		return
	}
	for _, m := range msgs {
		s.insertLocked(conversationID, m)
	}
	s.loaded[conversationID] = true
}

// applyFetched merges a fresh page into the sequence (idempotent per id) and
// re-caches the confirmed entries.
func (s *ThreadService) applyFetched(conversationID string, fetched []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range fetched {
		s.insertLocked(conversationID, m)
	}
	s.loaded[conversationID] = true
	s.snapshotLocked(conversationID)
}

// applyFetchedIfCurrent is applyFetched gated on the cache generation
// captured before the fetch started: a refresh that resolves after a newer
// invalidation must not resurrect old data.
func (s *ThreadService) applyFetchedIfCurrent(conversationID string, fetched []domain.Message, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range fetched {
		s.insertLocked(conversationID, m)
	}
	s.loaded[conversationID] = true
	payload, err := json.Marshal(s.confirmedLocked(conversationID))
	if err != nil {
		return
	}
	if !s.Cache.SetIfCurrent(cache.Thread(conversationID), payload, gen) {
		s.Log.Debug().Str("conversation_id", conversationID).Msg("discarding refresh older than last invalidation")
	}
}

// page returns a copy of one page, oldest first.
func (s *ThreadService) page(conversationID string, limit, offset int) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.threads[conversationID]
	if offset >= len(seq) {
		return []domain.Message{}
	}
	end := offset + limit
	if end > len(seq) {
		end = len(seq)
	}
	out := make([]domain.Message, end-offset)
	copy(out, seq[offset:end])
	return out
}

// Append inserts the message unless an entry with its identifier already
// exists. It reports whether the sequence changed.
func (s *ThreadService) Append(m domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.insertLocked(m.ConversationID, m)
	if changed {
		s.snapshotLocked(m.ConversationID)
	}
	return changed
}

// AppendOptimistic inserts a provisional message and registers its temporary
// identifier in the pending-set, as one atomic step.
func (s *ThreadService) AppendOptimistic(m domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(m.ConversationID, m)
	s.pending[m.ID] = struct{}{}
	// Optimistic entries are not snapshotted: a restart must not replay
	// unconfirmed sends from the cache.
}

// Confirm reconciles the entry holding tempID with the server-authoritative
// message: identifier and timestamp are replaced in place, position is
// preserved, and the temporary identifier leaves the pending-set. If the
// realtime echo raced ahead and already appended the permanent identifier,
// the provisional entry is dropped instead, so exactly one visible message
// remains.
func (s *ThreadService) Confirm(tempID string, server domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, tempID)

	seq := s.threads[server.ConversationID]
	tempIdx := -1
	permExists := false
	for i := range seq {
		switch seq[i].ID {
		case tempID:
			tempIdx = i
		case server.ID:
			permExists = true
		}
	}

	switch {
	case tempIdx >= 0 && permExists:
		s.threads[server.ConversationID] = append(seq[:tempIdx], seq[tempIdx+1:]...)
	case tempIdx >= 0:
		server.Pending = false
		seq[tempIdx] = server
	case !permExists:
		s.insertLocked(server.ConversationID, server)
	}
	s.snapshotLocked(server.ConversationID)
}

// Fail removes the optimistic entry and its pending-set registration,
// returning the message content so the pipeline can retain it for retry.
func (s *ThreadService) Fail(tempID, conversationID string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, tempID)
	seq := s.threads[conversationID]
	for i := range seq {
		if seq[i].ID == tempID {
			m := seq[i]
			s.threads[conversationID] = append(seq[:i], seq[i+1:]...)
			return m, true
		}
	}
	return domain.Message{}, false
}

// Upsert replaces the entry matching the message identifier in place,
// without resorting the sequence. Unknown identifiers are ignored.
func (s *ThreadService) Upsert(m domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.threads[m.ConversationID]
	for i := range seq {
		if seq[i].ID == m.ID {
			created := seq[i].CreatedAt
			seq[i] = m
			seq[i].CreatedAt = created
			s.snapshotLocked(m.ConversationID)
			return true
		}
	}
	return false
}

// HandleRemoteInsert folds a realtime INSERT into the sequence. When the
// identifier is in the pending-set the event is the server echo of our own
// optimistic send: it is swallowed and the identifier leaves the set. The
// check and the append happen under one lock acquisition.
func (s *ThreadService) HandleRemoteInsert(m domain.Message) (appended, swallowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[m.ID]; ok {
		delete(s.pending, m.ID)
		return false, true
	}
	if s.insertLocked(m.ConversationID, m) {
		s.snapshotLocked(m.ConversationID)
		return true, false
	}
	return false, false
}

// Lookup returns a message from the in-memory thread state by identifier.
func (s *ThreadService) Lookup(conversationID, messageID string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.threads[conversationID] {
		if m.ID == messageID {
			return m, true
		}
	}
	return domain.Message{}, false
}

// Loaded returns the identifiers of conversations with in-memory thread
// state, sorted for deterministic iteration.
func (s *ThreadService) Loaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.threads))
	for id := range s.threads {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Confirmed returns a copy of the confirmed entries of a loaded thread,
// excluding optimistic sends.
func (s *ThreadService) Confirmed(conversationID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmedLocked(conversationID)
}

// PendingIDs returns a copy of the pending-set, for tests and diagnostics.
func (s *ThreadService) PendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// insertLocked inserts m in creation-time order unless its identifier is
// already present. Equal timestamps keep arrival order.
func (s *ThreadService) insertLocked(conversationID string, m domain.Message) bool {
	seq := s.threads[conversationID]
	for i := range seq {
		if seq[i].ID == m.ID {
			return false
		}
	}
	pos := sort.Search(len(seq), func(i int) bool {
		return seq[i].CreatedAt.After(m.CreatedAt)
	})
	seq = append(seq, domain.Message{})
	copy(seq[pos+1:], seq[pos:])
	seq[pos] = m
	s.threads[conversationID] = seq
	return true
}

// confirmedLocked returns the sequence without optimistic entries, the shape
// persisted to the cache.
func (s *ThreadService) confirmedLocked(conversationID string) []domain.Message {
	seq := s.threads[conversationID]
	out := make([]domain.Message, 0, len(seq))
	for _, m := range seq {
		if m.Pending || domain.IsTempID(m.ID) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// snapshotLocked writes the confirmed entries through to the cache.
func (s *ThreadService) snapshotLocked(conversationID string) {
	payload, err := json.Marshal(s.confirmedLocked(conversationID))
	if err != nil {
		s.Log.Warn().Err(err).Str("conversation_id", conversationID).Msg("thread snapshot failed")
		return
	}
	s.Cache.Set(cache.Thread(conversationID), payload)
}
