// Package realtime defines the push-transport contract the reconciliation
// channel subscribes through, and a NATS implementation of it. Scopes map to
// subjects: one per conversation for thread events, one per user for
// conversation-list events.
package realtime

import (
	"context"
	"errors"

	"github.com/localloop/msgsync/internal/domain"
)

// Status is the connection state reported to subscribers.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Scope identifies what a subscription listens to.
type Scope struct {
	// ConversationID is set for thread-level subscriptions.
	ConversationID string
	// UserID is set for conversation-list-level subscriptions.
	UserID string
}

// Key returns the canonical identity of the scope, used to enforce at most
// one live subscription per scope.
func (s Scope) Key() string {
	if s.ConversationID != "" {
		return "conv:" + s.ConversationID
	}
	return "user:" + s.UserID
}

// Subscription is a live transport subscription. Unsubscribe must be safe to
// call more than once.
type Subscription interface {
	Unsubscribe() error
}

// Transport delivers change events for a scope. Handler and status callbacks
// are invoked from transport goroutines; the channel serializes them onto
// the store locks.
type Transport interface {
	Subscribe(ctx context.Context, scope Scope, handler func(domain.ChangeEvent), status func(Status)) (Subscription, error)
}

// Unavailable is a Transport whose subscriptions always fail, forcing
// callers into their polling fallback. It stands in for the broker when the
// connection could not be established at startup.
type Unavailable struct {
	Err error
}

// Subscribe reports the transport as disconnected and returns the startup
// error.
func (u Unavailable) Subscribe(_ context.Context, _ Scope, _ func(domain.ChangeEvent), status func(Status)) (Subscription, error) {
	if status != nil {
		status(StatusDisconnected)
	}
	if u.Err != nil {
		return nil, u.Err
	}
	return nil, errors.New("realtime transport unavailable")
}
