package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/localloop/msgsync/internal/domain"
)

// NATSTransport implements Transport over a NATS connection. Thread events
// arrive on "<prefix>.conv.<conversationID>", conversation-list events on
// "<prefix>.user.<userID>".
type NATSTransport struct {
	Conn   *nats.Conn
	Prefix string
	Log    zerolog.Logger
}

// ConnectNATS dials the NATS server with reconnection enabled and returns a
// transport using the given subject prefix.
func ConnectNATS(url, prefix string, log zerolog.Logger) (*NATSTransport, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(*nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSTransport{Conn: nc, Prefix: prefix, Log: log}, nil
}

func (t *NATSTransport) subject(scope Scope) string {
	if scope.ConversationID != "" {
		return t.Prefix + ".conv." + scope.ConversationID
	}
	return t.Prefix + ".user." + scope.UserID
}

// natsSubscription wraps a *nats.Subscription with an idempotent
// Unsubscribe.
type natsSubscription struct {
	sub  *nats.Subscription
	once sync.Once
	err  error
}

// Unsubscribe implements Subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.sub.Unsubscribe()
	})
	return s.err
}

// Subscribe implements Transport. The status callback fires with
// StatusConnecting immediately, then StatusConnected once the subscription
// has been flushed to the server.
func (t *NATSTransport) Subscribe(ctx context.Context, scope Scope, handler func(domain.ChangeEvent), status func(Status)) (Subscription, error) {
	subj := t.subject(scope)
	if status != nil {
		status(StatusConnecting)
	}

	sub, err := t.Conn.Subscribe(subj, func(m *nats.Msg) {
		var ev domain.ChangeEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			t.Log.Warn().Err(err).Str("subject", subj).Msg("dropping undecodable realtime event")
			return
		}
		handler(ev)
	})
	if err != nil {
		if status != nil {
			status(StatusDisconnected)
		}
		return nil, err
	}

	// Confirm the server saw the subscription before reporting connected.
	if err := t.Conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		if status != nil {
			status(StatusDisconnected)
		}
		return nil, err
	}
	if status != nil {
		status(StatusConnected)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains the underlying connection.
func (t *NATSTransport) Close() {
	if t.Conn != nil {
		t.Conn.Close()
	}
}
