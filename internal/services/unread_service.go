// Package services – UnreadService
//
// UnreadService keeps the per-context unread totals. Counts are served from
// the short-TTL counts cache; marking a conversation read zeroes the local
// state immediately and reconciles with the backend in the background, so
// the badge never lags behind the user's own action.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

// UnreadService answers unread-count queries and applies read receipts.
type UnreadService struct {
	Backend  backend.Procedures
	Cache    *cache.Store
	Conv     *ConversationService
	Identity identity.Provider
	Log      zerolog.Logger

	LoadTimeout time.Duration
}

// NewUnreadService builds an UnreadService.
func NewUnreadService(b backend.Procedures, c *cache.Store, conv *ConversationService, id identity.Provider, log zerolog.Logger, loadTimeout time.Duration) *UnreadService {
	return &UnreadService{
		Backend:     b,
		Cache:       c,
		Conv:        conv,
		Identity:    id,
		Log:         log.With().Str("component", "unread").Logger(),
		LoadTimeout: loadTimeout,
	}
}

// Counts returns the total and per-context unread counts for the current
// user. A valid cached value is served as-is; otherwise the backend is
// asked, falling back to a stale cached value when the call fails.
func (s *UnreadService) Counts(ctx context.Context) (domain.UnreadCounts, error) {
	tr := otel.Tracer("services/UnreadService")
	ctx, span := tr.Start(ctx, "Counts")
	defer span.End()

	user, ok := s.Identity.CurrentUser(ctx)
	if !ok {
		return domain.UnreadCounts{PerContext: map[domain.Context]int{}}, nil
	}
	key := cache.Unread(user.ID)

	if payload, valid := s.Cache.Get(key); valid {
		if counts, err := decodeCounts(payload); err == nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return counts, nil
		}
	}

	gen := s.Cache.Generation(key)
	fetchCtx, cancel := context.WithTimeout(ctx, s.LoadTimeout)
	defer cancel()
	counts, err := s.Backend.UnreadCounts(fetchCtx, user.ID)
	if err != nil {
		if payload, _ := s.Cache.Get(key); payload != nil {
			if stale, derr := decodeCounts(payload); derr == nil {
				s.Log.Warn().Err(err).Str("user_id", user.ID).Msg("serving stale unread counts")
				return stale, nil
			}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.UnreadCounts{}, fmt.Errorf("%w: unread counts timed out", ErrTransientIO)
		}
		return domain.UnreadCounts{}, err
	}
	if counts.PerContext == nil {
		counts.PerContext = map[domain.Context]int{}
	}
	if payload, merr := json.Marshal(counts); merr == nil {
		s.Cache.SetIfCurrent(key, payload, gen)
	}
	return counts, nil
}

// MarkRead zeroes the unread state of a conversation locally and tells the
// backend in the background. The caller always observes a zero count
// immediately; backend failures are logged, and the next refresh converges.
func (s *UnreadService) MarkRead(ctx context.Context, conversationID string) error {
	tr := otel.Tracer("services/UnreadService")
	ctx, span := tr.Start(ctx, "MarkRead",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	user, ok := s.Identity.CurrentUser(ctx)
	if !ok {
		return ErrNotAuthenticated
	}

	s.Conv.ZeroUnread(user.ID, conversationID)
	s.Cache.Invalidate(cache.ScopeUnread(user.ID))

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), s.LoadTimeout)
		defer cancel()
		if err := s.Backend.MarkRead(bgCtx, conversationID, user.ID); err != nil {
			s.Log.Warn().Err(err).
				Str("conversation_id", conversationID).
				Msg("mark-read reconciliation failed, will converge on refresh")
		}
	}()
	return nil
}

// Start runs the periodic count refresh until ctx is cancelled. The loop
// only repopulates the cache; readers keep going through Counts.
func (s *UnreadService) Start(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.refresh(ctx)
			}
		}
	}()
}

func (s *UnreadService) refresh(ctx context.Context) {
	user, ok := s.Identity.CurrentUser(ctx)
	if !ok {
		return
	}
	key := cache.Unread(user.ID)
	gen := s.Cache.Generation(key)
	fetchCtx, cancel := context.WithTimeout(ctx, s.LoadTimeout)
	defer cancel()
	counts, err := s.Backend.UnreadCounts(fetchCtx, user.ID)
	if err != nil {
		s.Log.Debug().Err(err).Msg("background unread refresh failed")
		return
	}
	if payload, merr := json.Marshal(counts); merr == nil {
		s.Cache.SetIfCurrent(key, payload, gen)
	}
}

func decodeCounts(payload []byte) (domain.UnreadCounts, error) {
	var counts domain.UnreadCounts
	if err := json.Unmarshal(payload, &counts); err != nil {
		return domain.UnreadCounts{}, err
	}
	if counts.PerContext == nil {
		counts.PerContext = map[domain.Context]int{}
	}
	return counts, nil
}
