// Package services – SendService
//
// SendService is the optimistic send pipeline. Each send walks the state
// machine Composing -> Pending -> {Confirmed | Failed}: the message appears
// in the thread immediately under a temporary identifier, the backend call
// happens afterwards, and the outcome either reconciles the entry with the
// server-assigned identifier or demotes it to a durable pending-send record
// the user can retry or discard. Media sends upload first; a failed upload
// is a failed send.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/localloop/msgsync/internal/backend"
	"github.com/localloop/msgsync/internal/cache"
	"github.com/localloop/msgsync/internal/domain"
	"github.com/localloop/msgsync/internal/identity"
	"github.com/localloop/msgsync/internal/media"
	"github.com/localloop/msgsync/internal/repo"
)

var sends = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "msgsync_sends_total",
		Help: "Optimistic sends by outcome (confirmed, failed).",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(sends)
}

// SendInput describes one send. Media is read exactly once, before the
// backend call.
type SendInput struct {
	ConversationID string
	Type           domain.MessageType
	Content        string
	ListingID      string

	// Media fields, required for non-text types.
	Media            io.Reader
	MediaFilename    string
	MediaContentType string
}

// SendService submits messages optimistically and reconciles the outcome.
type SendService struct {
	Backend  backend.Procedures
	Media    media.Uploader
	Identity identity.Provider
	Cache    *cache.Store
	Threads  *ThreadService
	DB       *gorm.DB
	Log      zerolog.Logger

	// Retry policy, from configuration.
	MaxRetries   int
	RetryBackoff time.Duration
	MaxRunes     int

	// now is a test seam.
	now func() time.Time
}

// NewSendService builds a SendService.
func NewSendService(b backend.Procedures, up media.Uploader, id identity.Provider, c *cache.Store, threads *ThreadService, db *gorm.DB, log zerolog.Logger, maxRetries int, backoff time.Duration, maxRunes int) *SendService {
	return &SendService{
		Backend:      b,
		Media:        up,
		Identity:     id,
		Cache:        c,
		Threads:      threads,
		DB:           db,
		Log:          log.With().Str("component", "send").Logger(),
		MaxRetries:   maxRetries,
		RetryBackoff: backoff,
		MaxRunes:     maxRunes,
		now:          time.Now,
	}
}

// Send validates the input and runs one pass of the pipeline. On success the
// returned message carries the permanent identifier; on failure the error is
// one of the taxonomy sentinels and the content is retained as a pending
// send.
func (s *SendService) Send(ctx context.Context, in SendInput) (domain.Message, error) {
	tr := otel.Tracer("services/SendService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("conversation.id", in.ConversationID),
			attribute.String("message.type", string(in.Type)),
		),
	)
	defer span.End()

	user, ok := s.Identity.CurrentUser(ctx)
	if !ok {
		return domain.Message{}, ErrNotAuthenticated
	}
	if err := s.validate(in); err != nil {
		return domain.Message{}, err
	}
	return s.attempt(ctx, user, in, 0)
}

func (s *SendService) validate(in SendInput) error {
	if in.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if in.Type == domain.TypeText {
		if strings.TrimSpace(in.Content) == "" {
			return ErrEmptyMessage
		}
	} else if in.Media == nil {
		return fmt.Errorf("%s messages require media", in.Type)
	}
	if s.MaxRunes > 0 && utf8.RuneCountInString(in.Content) > s.MaxRunes {
		return ErrTooLong
	}
	return nil
}

// attempt runs Composing -> Pending and resolves to Confirmed or Failed.
// priorRetries carries the retry counter across re-entries.
func (s *SendService) attempt(ctx context.Context, user identity.User, in SendInput, priorRetries int) (domain.Message, error) {
	tempID := domain.TempIDPrefix + uuid.NewString()
	msg := domain.Message{
		ID:             tempID,
		ConversationID: in.ConversationID,
		SenderID:       user.ID,
		Type:           in.Type,
		Content:        in.Content,
		ListingID:      in.ListingID,
		CreatedAt:      s.now().UTC(),
		Pending:        true,
	}

	// Optimistic display: the entry takes its thread position now, at the
	// moment of submission, and keeps it through confirmation.
	s.Threads.AppendOptimistic(msg)

	if in.Media != nil {
		url, err := s.Media.Upload(ctx, in.MediaFilename, in.MediaContentType, in.Media)
		if err != nil {
			werr := fmt.Errorf("%w: %v", ErrUploadFailed, err)
			s.demote(ctx, msg, priorRetries, werr)
			return domain.Message{}, werr
		}
		msg.MediaURL = url
	}

	server, err := s.Backend.InsertMessage(ctx, msg)
	if err != nil {
		if !errors.Is(err, ErrTransientIO) && !errors.Is(err, ErrNotAuthenticated) && !errors.Is(err, ErrConversationNotFound) {
			err = fmt.Errorf("%w: %v", ErrTransientIO, err)
		}
		s.demote(ctx, msg, priorRetries, err)
		return domain.Message{}, err
	}

	s.Threads.Confirm(tempID, server)
	s.Cache.Invalidate(cache.ScopeConversations(user.ID))
	sends.WithLabelValues("confirmed").Inc()
	return server, nil
}

// demote rolls the optimistic entry out of the thread and records the send
// for retry, preserving the original content.
func (s *SendService) demote(ctx context.Context, msg domain.Message, priorRetries int, cause error) {
	sends.WithLabelValues("failed").Inc()
	s.Threads.Fail(msg.ID, msg.ConversationID)
	rec := &domain.PendingSend{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Type:           msg.Type,
		Content:        msg.Content,
		MediaURL:       msg.MediaURL,
		ListingID:      msg.ListingID,
		Retries:        priorRetries,
		LastError:      cause.Error(),
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      s.now().UTC(),
	}
	if err := repo.SavePendingSend(ctx, s.DB, rec); err != nil {
		s.Log.Error().Err(err).Str("temp_id", msg.ID).Msg("failed to persist pending send")
	}
}

// Failed lists the retained failed sends of the current user, optionally
// scoped to one conversation.
func (s *SendService) Failed(ctx context.Context, conversationID string) ([]domain.PendingSend, error) {
	user, ok := s.Identity.CurrentUser(ctx)
	if !ok {
		return []domain.PendingSend{}, nil
	}
	return repo.ListPendingSends(ctx, s.DB, user.ID, conversationID)
}

// Retry re-enters the pipeline with the content of a failed send and a
// fresh temporary identifier. The retry counter and the exponential backoff
// window are enforced here; both come from configuration.
func (s *SendService) Retry(ctx context.Context, pendingID string) (domain.Message, error) {
	tr := otel.Tracer("services/SendService")
	ctx, span := tr.Start(ctx, "Retry",
		trace.WithAttributes(attribute.String("pending.id", pendingID)),
	)
	defer span.End()

	user, ok := s.Identity.CurrentUser(ctx)
	if !ok {
		return domain.Message{}, ErrNotAuthenticated
	}
	rec, err := repo.GetPendingSend(ctx, s.DB, pendingID)
	if repo.IsNotFound(err) {
		return domain.Message{}, ErrPendingSendNotFound
	}
	if err != nil {
		return domain.Message{}, err
	}
	if rec.SenderID != user.ID {
		return domain.Message{}, ErrPendingSendNotFound
	}
	if rec.Retries >= s.MaxRetries {
		return domain.Message{}, ErrRetriesExhausted
	}
	if wait := s.backoffRemaining(rec); wait > 0 {
		return domain.Message{}, fmt.Errorf("%w: wait %s", ErrRetryTooSoon, wait.Round(time.Millisecond))
	}
	if rec.Type != domain.TypeText && rec.MediaURL == "" {
		// The media bytes were never uploaded; they are not retained, so
		// this send has to be recomposed.
		return domain.Message{}, fmt.Errorf("%w: media is no longer available, attach it again", ErrUploadFailed)
	}

	if err := repo.DeletePendingSend(ctx, s.DB, rec.ID); err != nil && !repo.IsNotFound(err) {
		return domain.Message{}, err
	}

	in := SendInput{
		ConversationID: rec.ConversationID,
		Type:           rec.Type,
		Content:        rec.Content,
		ListingID:      rec.ListingID,
	}
	msg, err := s.attemptRetained(ctx, user, in, rec.MediaURL, rec.Retries+1)
	return msg, err
}

// attemptRetained is attempt for retries: the media URL was already secured
// on a previous pass, so no upload happens.
func (s *SendService) attemptRetained(ctx context.Context, user identity.User, in SendInput, mediaURL string, priorRetries int) (domain.Message, error) {
	tempID := domain.TempIDPrefix + uuid.NewString()
	msg := domain.Message{
		ID:             tempID,
		ConversationID: in.ConversationID,
		SenderID:       user.ID,
		Type:           in.Type,
		Content:        in.Content,
		MediaURL:       mediaURL,
		ListingID:      in.ListingID,
		CreatedAt:      s.now().UTC(),
		Pending:        true,
	}
	s.Threads.AppendOptimistic(msg)

	server, err := s.Backend.InsertMessage(ctx, msg)
	if err != nil {
		if !errors.Is(err, ErrTransientIO) && !errors.Is(err, ErrNotAuthenticated) && !errors.Is(err, ErrConversationNotFound) {
			err = fmt.Errorf("%w: %v", ErrTransientIO, err)
		}
		s.demote(ctx, msg, priorRetries, err)
		return domain.Message{}, err
	}

	s.Threads.Confirm(tempID, server)
	s.Cache.Invalidate(cache.ScopeConversations(user.ID))
	sends.WithLabelValues("confirmed").Inc()
	return server, nil
}

// backoffRemaining returns how long until the record may be retried:
// RetryBackoff doubled per completed attempt, measured from the last
// failure.
func (s *SendService) backoffRemaining(rec *domain.PendingSend) time.Duration {
	backoff := s.RetryBackoff
	for i := 0; i < rec.Retries; i++ {
		backoff *= 2
	}
	return rec.UpdatedAt.Add(backoff).Sub(s.now())
}

// Discard drops a failed send permanently.
func (s *SendService) Discard(ctx context.Context, pendingID string) error {
	user, ok := s.Identity.CurrentUser(ctx)
	if !ok {
		return ErrNotAuthenticated
	}
	rec, err := repo.GetPendingSend(ctx, s.DB, pendingID)
	if repo.IsNotFound(err) {
		return ErrPendingSendNotFound
	}
	if err != nil {
		return err
	}
	if rec.SenderID != user.ID {
		return ErrPendingSendNotFound
	}
	if err := repo.DeletePendingSend(ctx, s.DB, pendingID); err != nil {
		if repo.IsNotFound(err) {
			return ErrPendingSendNotFound
		}
		return err
	}
	return nil
}
