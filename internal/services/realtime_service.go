// Package services – RealtimeService
//
// RealtimeService manages the live reconciliation channels. It holds at most
// one subscription per scope, tears down the previous one on re-subscribe,
// routes change events into the thread store and the caches, and degrades to
// interval polling when the push transport cannot be established in time.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/localloop/msgsync/internal/cache"
	"github.com/localloop/msgsync/internal/domain"
	"github.com/localloop/msgsync/internal/identity"
	"github.com/localloop/msgsync/internal/realtime"
)

var realtimeEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "msgsync_realtime_events_total",
		Help: "Realtime change events by disposition (applied, swallowed, ignored).",
	},
	[]string{"disposition"},
)

func init() {
	prometheus.MustRegister(realtimeEvents)
}

// Mode says how a handle keeps its scope fresh.
type Mode string

const (
	ModePush Mode = "push" // live transport subscription
	ModePoll Mode = "poll" // interval refresh fallback
)

// Handle is one live subscription. Close is idempotent.
type Handle struct {
	scope realtime.Scope
	mode  Mode

	mu     sync.Mutex
	status realtime.Status

	once sync.Once
	stop func()
	done chan struct{}
}

// Scope returns the scope the handle covers.
func (h *Handle) Scope() realtime.Scope { return h.scope }

// Mode reports whether the handle is push-driven or polling.
func (h *Handle) Mode() Mode { return h.mode }

// Status returns the last observed transport status. Polling handles report
// Connected for as long as they run.
func (h *Handle) Status() realtime.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) setStatus(st realtime.Status) {
	h.mu.Lock()
	h.status = st
	h.mu.Unlock()
}

// Close releases the subscription. Safe to call any number of times, from
// any goroutine.
func (h *Handle) Close() {
	h.once.Do(func() {
		close(h.done)
		if h.stop != nil {
			h.stop()
		}
		h.setStatus(realtime.StatusDisconnected)
	})
}

// RealtimeService owns the scope -> handle table.
type RealtimeService struct {
	Transport realtime.Transport
	Threads   *ThreadService
	Cache     *cache.Store
	Identity  identity.Provider
	Log       zerolog.Logger

	SubscribeTimeout time.Duration
	PollInterval     time.Duration

	// MarkRead is scheduled when a peer message lands in a subscribed
	// conversation, so the thread the user is watching acknowledges it.
	MarkRead func(conversationID string)
	// RefreshThread re-fetches one thread; used by the polling fallback.
	RefreshThread func(ctx context.Context, conversationID string)
	// RefreshUser re-fetches the conversation list and unread counts; used
	// for user-scope events and the user-scope polling fallback.
	RefreshUser func(ctx context.Context)

	mu   sync.Mutex
	subs map[string]*Handle
}

// NewRealtimeService builds a RealtimeService.
func NewRealtimeService(t realtime.Transport, threads *ThreadService, c *cache.Store, id identity.Provider, log zerolog.Logger, subscribeTimeout, pollInterval time.Duration) *RealtimeService {
	return &RealtimeService{
		Transport:        t,
		Threads:          threads,
		Cache:            c,
		Identity:         id,
		Log:              log.With().Str("component", "realtime").Logger(),
		SubscribeTimeout: subscribeTimeout,
		PollInterval:     pollInterval,
		subs:             map[string]*Handle{},
	}
}

// SubscribeConversation opens (or replaces) the live channel for one
// conversation. The returned handle is already registered; closing it
// removes it from the table.
func (s *RealtimeService) SubscribeConversation(ctx context.Context, conversationID string) *Handle {
	return s.subscribe(ctx, realtime.Scope{ConversationID: conversationID})
}

// SubscribeUser opens (or replaces) the user-wide channel carrying
// conversation-list and unread changes.
func (s *RealtimeService) SubscribeUser(ctx context.Context, userID string) *Handle {
	return s.subscribe(ctx, realtime.Scope{UserID: userID})
}

func (s *RealtimeService) subscribe(ctx context.Context, scope realtime.Scope) *Handle {
	key := scope.Key()

	s.mu.Lock()
	prev := s.subs[key]
	delete(s.subs, key)
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	h := &Handle{
		scope:  scope,
		status: realtime.StatusConnecting,
		done:   make(chan struct{}),
	}

	subCtx, cancel := context.WithTimeout(ctx, s.SubscribeTimeout)
	sub, err := s.Transport.Subscribe(subCtx, scope, s.dispatch(scope), h.setStatus)
	cancel()
	if err != nil {
		// Push could not be established inside the window. Fall back to
		// polling; the poller and a later push attempt never run together
		// because this handle owns the scope until it is closed.
		s.Log.Warn().Err(err).Str("scope", key).Dur("interval", s.PollInterval).
			Msg("realtime subscribe failed, degrading to polling")
		h.mode = ModePoll
		h.setStatus(realtime.StatusConnected)
		go s.poll(h)
	} else {
		h.mode = ModePush
		h.stop = func() {
			if uerr := sub.Unsubscribe(); uerr != nil {
				s.Log.Warn().Err(uerr).Str("scope", key).Msg("unsubscribe failed")
			}
		}
	}

	// The transport call above runs unlocked, so a concurrent subscribe for
	// the same scope may have registered meanwhile. The table keeps the
	// newest handle; whatever it displaces must not stay live.
	s.mu.Lock()
	displaced := s.subs[key]
	s.subs[key] = h
	s.mu.Unlock()
	if displaced != nil {
		displaced.Close()
	}
	return h
}

// Unsubscribe closes the handle for a scope, if one exists.
func (s *RealtimeService) Unsubscribe(scope realtime.Scope) {
	key := scope.Key()
	s.mu.Lock()
	h, ok := s.subs[key]
	if ok {
		delete(s.subs, key)
	}
	s.mu.Unlock()
	if ok {
		h.Close()
	}
}

// Handles returns the currently registered handles.
func (s *RealtimeService) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.subs))
	for _, h := range s.subs {
		out = append(out, h)
	}
	return out
}

// Shutdown closes every registered handle.
func (s *RealtimeService) Shutdown() {
	s.mu.Lock()
	hs := make([]*Handle, 0, len(s.subs))
	for k, h := range s.subs {
		hs = append(hs, h)
		delete(s.subs, k)
	}
	s.mu.Unlock()
	for _, h := range hs {
		h.Close()
	}
}

// dispatch routes one change event for a scope.
func (s *RealtimeService) dispatch(scope realtime.Scope) func(domain.ChangeEvent) {
	return func(ev domain.ChangeEvent) {
		if scope.UserID != "" {
			// User-wide signal: something about the conversation list or
			// the unread ledger changed upstream.
			s.Cache.Invalidate(cache.ScopeConversations(scope.UserID))
			s.Cache.Invalidate(cache.ScopeUnread(scope.UserID))
			realtimeEvents.WithLabelValues("applied").Inc()
			if s.RefreshUser != nil {
				s.RefreshUser(context.Background())
			}
			return
		}

		if ev.Message == nil {
			realtimeEvents.WithLabelValues("ignored").Inc()
			return
		}

		switch ev.Type {
		case domain.EventInsert:
			appended, swallowed := s.Threads.HandleRemoteInsert(*ev.Message)
			if swallowed {
				// Echo of our own optimistic send; already on screen.
				realtimeEvents.WithLabelValues("swallowed").Inc()
				return
			}
			realtimeEvents.WithLabelValues("applied").Inc()
			if !appended {
				return
			}
			user, ok := s.Identity.CurrentUser(context.Background())
			if ok {
				s.Cache.Invalidate(cache.ScopeConversations(user.ID))
				if ev.Message.SenderID != user.ID && s.MarkRead != nil {
					// The user has this thread open; acknowledge the
					// incoming message.
					s.MarkRead(ev.ConversationID)
				}
			}
		case domain.EventUpdate:
			s.Threads.Upsert(*ev.Message)
			realtimeEvents.WithLabelValues("applied").Inc()
		default:
			realtimeEvents.WithLabelValues("ignored").Inc()
		}
	}
}

// poll refreshes the scope on a fixed interval until the handle closes.
func (s *RealtimeService) poll(h *Handle) {
	t := time.NewTicker(s.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.PollInterval)
			if h.scope.ConversationID != "" && s.RefreshThread != nil {
				s.RefreshThread(ctx, h.scope.ConversationID)
			} else if h.scope.UserID != "" && s.RefreshUser != nil {
				s.RefreshUser(ctx)
			}
			cancel()
		}
	}
}
