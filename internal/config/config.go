// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server settings,
// logging, the durable cache database, cache TTL classes, backend and
// realtime endpoints, send retry policy, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/localloop/msgsync/internal/sysutil"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig controls the security response headers. HSTS should only
// be enabled when traffic is HTTPS end-to-end.
type SecurityConfig struct {
	EnableHSTS bool          // SECURITY_ENABLE_HSTS
	HSTSMaxAge time.Duration // SECURITY_HSTS_MAX_AGE
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// CacheConfig holds the per-entry-class TTLs of the local cache store.
// Conversations go stale quickly; threads are kept a bit longer; unread
// counts and other ancillary lookups use the short TTL.
type CacheConfig struct {
	ConversationsTTL time.Duration // CACHE_CONVERSATIONS_TTL
	ThreadTTL        time.Duration // CACHE_THREAD_TTL
	CountsTTL        time.Duration // CACHE_COUNTS_TTL
}

// SendConfig holds the retry policy of the optimistic send pipeline. The
// retry count and backoff are deliberately configuration, not constants.
type SendConfig struct {
	MaxRetries   int           // SEND_MAX_RETRIES
	RetryBackoff time.Duration // SEND_RETRY_BACKOFF (base, doubled per attempt)
	MaxRunes     int           // SEND_MAX_RUNES (0 disables the cap)
}

// RealtimeConfig holds realtime transport settings and the polling fallback.
type RealtimeConfig struct {
	NATSURL          string        // NATS_URL
	SubjectPrefix    string        // NATS_SUBJECT_PREFIX
	SubscribeTimeout time.Duration // REALTIME_SUBSCRIBE_TIMEOUT
	PollInterval     time.Duration // REALTIME_POLL_INTERVAL (fallback polling)
}

// BackendConfig holds the remote procedure endpoint settings.
type BackendConfig struct {
	BaseURL     string        // BACKEND_URL
	Token       string        // BACKEND_TOKEN (bearer, optional)
	CallTimeout time.Duration // BACKEND_CALL_TIMEOUT
	UploadURL   string        // MEDIA_UPLOAD_URL (object storage endpoint)
}

// Config holds all configuration values for the gateway.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool
	APIBasePath string

	// Session: the member this gateway synchronizes for. An empty UserID
	// makes every engine operation a no-op returning empty results.
	UserID   string // USER_ID
	UserTier string // USER_TIER (standard|restricted|verified)

	// Durable local storage (SQLite)
	DBPath string

	// Engine
	Cache    CacheConfig
	Send     SendConfig
	Realtime RealtimeConfig
	Backend  BackendConfig

	// Foreground load safety timeout: how long a view may wait on a fetch
	// before falling back to whatever cached data is available.
	LoadTimeout time.Duration // LOAD_TIMEOUT

	// Unread refresh interval for the background timer.
	UnreadRefreshEvery time.Duration // UNREAD_REFRESH_EVERY

	// Cap on local message-search results per query.
	SearchMaxResults int // SEARCH_MAX_RESULTS

	// Rate limiting
	RateRPS   float64
	RateBurst int

	// Web surface
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, applies defaults,
// normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8090"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Session. MSGSYNC_USER_ID wins over the legacy USER_ID name so the
		// gateway can coexist with tooling that exports its own USER_ID.
		UserID:   sysutil.FirstNonEmpty(os.Getenv("MSGSYNC_USER_ID"), os.Getenv("USER_ID")),
		UserTier: strings.ToLower(getenv("USER_TIER", "standard")),

		// Durable local storage
		DBPath: getenv("DB_PATH", "msgsync.db"),

		Cache: CacheConfig{
			ConversationsTTL: getdur("CACHE_CONVERSATIONS_TTL", 2*time.Minute),
			ThreadTTL:        getdur("CACHE_THREAD_TTL", 5*time.Minute),
			CountsTTL:        getdur("CACHE_COUNTS_TTL", 30*time.Second),
		},
		Send: SendConfig{
			MaxRetries:   getint("SEND_MAX_RETRIES", 3),
			RetryBackoff: getdur("SEND_RETRY_BACKOFF", 2*time.Second),
			MaxRunes:     getint("SEND_MAX_RUNES", 4000),
		},
		Realtime: RealtimeConfig{
			NATSURL:          getenv("NATS_URL", "nats://localhost:4222"),
			SubjectPrefix:    getenv("NATS_SUBJECT_PREFIX", "msg"),
			SubscribeTimeout: getdur("REALTIME_SUBSCRIBE_TIMEOUT", 5*time.Second),
			PollInterval:     getdur("REALTIME_POLL_INTERVAL", 15*time.Second),
		},
		Backend: BackendConfig{
			BaseURL:     getenv("BACKEND_URL", "http://localhost:8080"),
			Token:       getenv("BACKEND_TOKEN", ""),
			CallTimeout: getdur("BACKEND_CALL_TIMEOUT", 10*time.Second),
			UploadURL:   getenv("MEDIA_UPLOAD_URL", ""),
		},

		LoadTimeout:        getdur("LOAD_TIMEOUT", 8*time.Second),
		UnreadRefreshEvery: getdur("UNREAD_REFRESH_EVERY", 30*time.Second),
		SearchMaxResults:   getint("SEARCH_MAX_RESULTS", 20),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 10.0),
		RateBurst: getint("RATE_BURST", 20),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("SECURITY_ENABLE_HSTS", false),
			HSTSMaxAge: getdur("SECURITY_HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "msgsync"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.Cache.ConversationsTTL <= 0 || cfg.Cache.ThreadTTL <= 0 || cfg.Cache.CountsTTL <= 0 {
		return cfg, errors.New("cache TTLs must be positive durations")
	}
	if cfg.Send.MaxRetries < 0 {
		return cfg, errors.New("SEND_MAX_RETRIES must be >= 0")
	}
	if cfg.Send.RetryBackoff <= 0 {
		return cfg, errors.New("SEND_RETRY_BACKOFF must be > 0")
	}
	if cfg.Realtime.SubscribeTimeout <= 0 {
		return cfg, errors.New("REALTIME_SUBSCRIBE_TIMEOUT must be > 0")
	}
	if cfg.Realtime.PollInterval <= 0 {
		return cfg, errors.New("REALTIME_POLL_INTERVAL must be > 0")
	}
	if strings.TrimSpace(cfg.Backend.BaseURL) == "" {
		return cfg, errors.New("BACKEND_URL must not be empty")
	}
	if cfg.LoadTimeout <= 0 {
		return cfg, errors.New("LOAD_TIMEOUT must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
