// Command msgsyncd runs the messaging synchronization gateway. It keeps a
// local, cache-backed copy of one user's conversations and message threads,
// submits sends optimistically with durable retry, reconciles state through
// NATS change events (or polling when the broker is unreachable), and serves
// the synced state to the UI layer over HTTP.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/localloop/msgsync/internal/backend"
	"github.com/localloop/msgsync/internal/cache"
	"github.com/localloop/msgsync/internal/config"
	httpapi "github.com/localloop/msgsync/internal/http"
	"github.com/localloop/msgsync/internal/identity"
	"github.com/localloop/msgsync/internal/media"
	"github.com/localloop/msgsync/internal/observability"
	"github.com/localloop/msgsync/internal/realtime"
	"github.com/localloop/msgsync/internal/repo"
	"github.com/localloop/msgsync/internal/services"
	"github.com/localloop/msgsync/internal/sysutil"
)

const version = "0.1.0"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	logger := log.With().Str("service", "msgsyncd").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		logger.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			logger.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	// Durable local storage. When the database cannot be opened the gateway
	// still runs: caches live in memory only and failed sends do not survive
	// a restart.
	var db *gorm.DB
	var kv cache.Backend
	if opened, err := repo.OpenSQLite(cfg.DBPath); err != nil {
		logger.Warn().Err(err).Str("path", cfg.DBPath).
			Msg("sqlite unavailable, running with memory-only cache")
		kv = cache.NewMemory()
	} else if err := repo.AutoMigrate(opened); err != nil {
		logger.Warn().Err(err).Msg("migration failed, running with memory-only cache")
		kv = cache.NewMemory()
	} else {
		db = opened
		kv = &repo.CacheKV{DB: db}
		if count, newest, err := repo.CacheStats(ctx, db); err == nil {
			ev := logger.Info().Int64("cache_entries", count)
			if newest != nil {
				ev = ev.Time("newest_write", *newest)
			}
			ev.Msg("durable cache attached")
		}
	}

	store := cache.New(kv, cache.TTLs{
		Conversations: cfg.Cache.ConversationsTTL,
		Thread:        cfg.Cache.ThreadTTL,
		Counts:        cfg.Cache.CountsTTL,
	}, logger)

	// Backend RPC client and media uploader.
	be := backend.NewClient(cfg.Backend.BaseURL,
		backend.WithToken(cfg.Backend.Token),
		backend.WithTimeout(cfg.Backend.CallTimeout),
	)
	uploader := media.NewHTTPUploader(cfg.Backend.UploadURL, cfg.Backend.Token)

	// Session identity. The gateway serves exactly one user; tier lookups
	// for eligibility checks go through the backend.
	ident := identity.Static{
		User:   identity.User{ID: cfg.UserID, Tier: cfg.UserTier},
		Lookup: be.UserStatus,
	}

	// Realtime transport; degraded mode polls instead of pushing.
	var transport realtime.Transport
	if nt, err := realtime.ConnectNATS(cfg.Realtime.NATSURL, cfg.Realtime.SubjectPrefix, logger); err != nil {
		logger.Warn().Err(err).Str("url", cfg.Realtime.NATSURL).
			Msg("nats unreachable, realtime degraded to polling")
		transport = realtime.Unavailable{Err: err}
	} else {
		transport = nt
		defer nt.Close()
	}

	// Engine services.
	threads := services.NewThreadService(be, store, ident, logger, cfg.LoadTimeout)
	conv := services.NewConversationService(be, store, ident, logger, cfg.LoadTimeout)
	sender := services.NewSendService(be, uploader, ident, store, threads, db, logger,
		cfg.Send.MaxRetries, cfg.Send.RetryBackoff, cfg.Send.MaxRunes)
	unread := services.NewUnreadService(be, store, conv, ident, logger, cfg.LoadTimeout)
	searcher := services.NewSearchService(threads, ident, logger, cfg.SearchMaxResults)
	rt := services.NewRealtimeService(transport, threads, store, ident, logger,
		cfg.Realtime.SubscribeTimeout, cfg.Realtime.PollInterval)
	// Opening a thread and receiving a peer message both schedule the same
	// read receipt.
	markRead := func(conversationID string) {
		mctx, cancel := context.WithTimeout(context.Background(), cfg.LoadTimeout)
		defer cancel()
		if err := unread.MarkRead(mctx, conversationID); err != nil {
			logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("auto mark-read failed")
		}
	}
	rt.MarkRead = markRead
	threads.OnFetched = markRead
	rt.RefreshThread = func(rctx context.Context, conversationID string) {
		_, _, _ = threads.List(rctx, conversationID, services.DefaultPageSize, 0)
	}
	rt.RefreshUser = func(rctx context.Context) {
		_, _, _ = conv.List(rctx, "")
		_, _ = unread.Counts(rctx)
	}

	// The user-wide channel carries conversation-list and unread changes for
	// the whole session.
	rt.SubscribeUser(ctx, cfg.UserID)
	defer rt.Shutdown()

	unread.Start(ctx, cfg.UnreadRefreshEvery)

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	httpapi.RegisterRoutes(engine, httpapi.Deps{
		DB:            db,
		Conversations: conv,
		Threads:       threads,
		Sends:         sender,
		Unread:        unread,
		Search:        searcher,
		Realtime:      rt,
		Identity:      ident,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("user_id", cfg.UserID).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
