// Package services – ConversationService
//
// ConversationService is the conversation repository: it fetches, caches,
// and filters the conversation list of the current user by context, merges
// unread counts, and owns idempotent conversation creation, including
// recovery from duplicate-creation races.
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

// EligiblePredicate decides whether two status tiers may open a connection
// conversation. The reason is shown to the user when ok is false.
type EligiblePredicate func(viewerTier, peerTier string) (ok bool, reason string)

// DefaultEligible requires both participants to be verified members.
func DefaultEligible(viewerTier, peerTier string) (bool, string) {
	if viewerTier != identity.TierVerified {
		return false, "your account must be verified to start a connection conversation"
	}
	if peerTier != identity.TierVerified {
		return false, "the other member must be verified to start a connection conversation"
	}
	return true, ""
}

// ConversationService coordinates the conversation list and its cache.
type ConversationService struct {
	Backend     backend.Procedures
	Cache       *cache.Store
	Identity    identity.Provider
	Log         zerolog.Logger
	LoadTimeout time.Duration

	// Eligible gates connection-context creation. Nil falls back to
	// DefaultEligible.
	Eligible EligiblePredicate
}

// NewConversationService builds a ConversationService.
func NewConversationService(b backend.Procedures, c *cache.Store, id identity.Provider, log zerolog.Logger, loadTimeout time.Duration) *ConversationService {
	return &ConversationService{
		Backend:     b,
		Cache:       c,
		Identity:    id,
		Log:         log.With().Str("component", "conversations").Logger(),
		LoadTimeout: loadTimeout,
		Eligible:    DefaultEligible,
	}
}

// List returns the conversations of the current user, optionally filtered by
// context (empty means all). Restricted-tier accounts are always constrained
// to the marketplace context, regardless of what was requested: the server
// enforces this too, but the client re-applies it defensively. The stale
// flag is true when cached data is served because a fresh fetch failed.
func (s *ConversationService) List(ctx context.Context, reqContext domain.Context) (convs []domain.Conversation, stale bool, err error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(attribute.String("context", string(reqContext))),
	)
	defer span.End()

	user, ok := s.Identity.CurrentUser(ctx)
	if !ok {
		return []domain.Conversation{}, false, nil
	}
	if user.IsRestricted() {
		reqContext = domain.ContextMarketplace
	}

	key := cache.Conversations(user.ID, reqContext)
	payload, valid := s.Cache.Get(key)
	if valid {
		if cached, derr := decodeConversations(payload); derr == nil {
			s.refreshAsync(user, reqContext)
			return cached, false, nil
		}
	}

	fctx, cancel := context.WithTimeout(ctx, s.LoadTimeout)
	defer cancel()
	rows, ferr := s.Backend.ListConversations(fctx, user.ID, reqContext)
	if ferr != nil {
		if payload != nil {
			if cached, derr := decodeConversations(payload); derr == nil {
				s.Log.Warn().Err(ferr).Msg("conversation refresh failed, serving stale cache")
				return cached, true, nil
			}
		}
		if errors.Is(ferr, context.DeadlineExceeded) {
			ferr = fmt.Errorf("%w: conversation load timed out", ErrTransientIO)
		}
		return nil, false, ferr
	}

	out := s.transform(user, reqContext, rows)
	if encoded, merr := json.Marshal(out); merr == nil {
		s.Cache.Set(key, encoded)
	}
	return out, false, nil
}

// refreshAsync re-fetches the list in the background and swaps it into the
// cache unless an invalidation happened while the fetch was in flight.
func (s *ConversationService) refreshAsync(user identity.User, reqContext domain.Context) {
	key := cache.Conversations(user.ID, reqContext)
	gen := s.Cache.Generation(key)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.LoadTimeout)
		defer cancel()
		rows, err := s.Backend.ListConversations(ctx, user.ID, reqContext)
		if err != nil {
			s.Log.Debug().Err(err).Msg("background conversation refresh failed")
			return
		}
		out := s.transform(user, reqContext, rows)
		encoded, err := json.Marshal(out)
		if err != nil {
			return
		}
		if !s.Cache.SetIfCurrent(key, encoded, gen) {
			s.Log.Debug().Msg("discarding conversation refresh older than last invalidation")
		}
	}()
}

// transform shapes raw backend rows into the client view: peer selection,
// unread clamping, and the defensive context filter.
func (s *ConversationService) transform(user identity.User, reqContext domain.Context, rows []backend.ConversationRow) []domain.Conversation {
	out := make([]domain.Conversation, 0, len(rows))
	for _, r := range rows {
		if user.IsRestricted() && r.Context != domain.ContextMarketplace {
			continue
		}
		if reqContext != "" && r.Context != reqContext {
			continue
		}
		peer := r.UserA
		if peer == user.ID {
			peer = r.UserB
		}
		unread := r.Unread
		if unread < 0 {
			unread = 0
		}
		out = append(out, domain.Conversation{
			ID:            r.ID,
			PeerID:        peer,
			PeerName:      r.PeerName,
			PeerAvatar:    r.PeerAvatar,
			PeerStatus:    r.PeerStatus,
			Context:       r.Context,
			ListingID:     r.ListingID,
			ListingTitle:  r.ListingTitle,
			LastMessage:   r.LastMessage,
			LastMessageAt: r.LastMessageAt,
			Unread:        unread,
		})
	}
	return out
}

// GetOrCreate returns the identifier of the conversation with otherID in the
// given context, creating it when absent. It is idempotent: a concurrent
// creation on the backend surfaces as a conflict, which is recovered by
// re-fetching the list and matching, never shown to the user. Connection
// conversations additionally require both participants to pass the
// eligibility predicate, checked before the backend call.
func (s *ConversationService) GetOrCreate(ctx context.Context, otherID string, c domain.Context, listingID string) (string, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "GetOrCreate",
		trace.WithAttributes(
			attribute.String("context", string(c)),
			attribute.String("peer.id", otherID),
		),
	)
	defer span.End()

	user, ok := s.Identity.CurrentUser(ctx)
	if !ok {
		return "", ErrNotAuthenticated
	}
	if !domain.ValidContext(c) {
		return "", fmt.Errorf("unknown conversation context %q", c)
	}
	if user.IsRestricted() && c != domain.ContextMarketplace {
		return "", &NotEligibleError{Reason: "your account is limited to marketplace conversations"}
	}

	if c == domain.ContextConnection {
		peerTier, err := s.Identity.UserStatus(ctx, otherID)
		if err != nil {
			return "", fmt.Errorf("%w: status lookup: %v", ErrTransientIO, err)
		}
		eligible := s.Eligible
		if eligible == nil {
			eligible = DefaultEligible
		}
		if ok, reason := eligible(user.Tier, peerTier); !ok {
			return "", &NotEligibleError{Reason: reason}
		}
	}

	id, err := s.Backend.GetOrCreateConversation(ctx, user.ID, otherID, c, listingID)
	if err == nil {
		s.Cache.Invalidate(cache.ScopeConversations(user.ID))
		return id, nil
	}
	if !errors.Is(err, ErrConflict) {
		return "", err
	}

	// Unique-constraint race: someone else just created it. Re-fetch and
	// match instead of surfacing the conflict.
	s.Log.Debug().Str("peer.id", otherID).Msg("conversation creation raced, re-fetching")
	rows, lerr := s.Backend.ListConversations(ctx, user.ID, c)
	if lerr != nil {
		return "", lerr
	}
	for _, r := range rows {
		if r.Context != c {
			continue
		}
		if (r.UserA == user.ID && r.UserB == otherID) || (r.UserA == otherID && r.UserB == user.ID) {
			s.Cache.Invalidate(cache.ScopeConversations(user.ID))
			return r.ID, nil
		}
	}
	return "", fmt.Errorf("%w: conversation vanished after creation race", ErrTransientIO)
}

// ZeroUnread optimistically zeroes the unread count of one conversation in
// every cached list of the user, so reads reflect a mark-read before the
// background refresh lands.
func (s *ConversationService) ZeroUnread(userID, conversationID string) {
	for _, c := range []domain.Context{"", domain.ContextDirect, domain.ContextMarketplace, domain.ContextConnection} {
		key := cache.Conversations(userID, c)
		payload, _ := s.Cache.Get(key)
		if payload == nil {
			continue
		}
		convs, err := decodeConversations(payload)
		if err != nil {
			continue
		}
		changed := false
		for i := range convs {
			if convs[i].ID == conversationID && convs[i].Unread != 0 {
				convs[i].Unread = 0
				changed = true
			}
		}
		if !changed {
			continue
		}
		if encoded, err := json.Marshal(convs); err == nil {
			s.Cache.Set(key, encoded)
		}
	}
}

func decodeConversations(payload []byte) ([]domain.Conversation, error) {
	var out []domain.Conversation
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}
