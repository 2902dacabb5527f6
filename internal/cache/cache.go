package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Backend is the durable key/value storage underneath the cache. Every
// method may fail (quota, corruption, closed database); the store treats any
// failure as a miss and never propagates it.
type Backend interface {
	// Load returns the payload and write time for key. ok is false when the
	// key is absent.
	Load(key string) (payload []byte, writtenAt time.Time, ok bool, err error)
	// Store persists payload under key with the given write time,
	// replacing any previous value.
	Store(key string, payload []byte, writtenAt time.Time) error
	// RemoveContains deletes every key whose name contains substr.
	RemoveContains(substr string) error
}

// TTLs are the per-class validity windows. Zero values are rejected by
// config validation before they reach the store.
type TTLs struct {
	Conversations time.Duration
	Thread        time.Duration
	Counts        time.Duration
}

var (
	cacheReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_cache_reads_total",
			Help: "Cache reads by outcome (hit, stale, miss).",
		},
		[]string{"outcome"},
	)
	cacheInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_cache_invalidations_total",
			Help: "Explicit cache invalidation calls.",
		},
	)
)

func init() {
	prometheus.MustRegister(cacheReads, cacheInvalidations)
}

// Store is the process-wide cache. All access goes through one mutex; the
// generation map implements last-write-wins for background refreshes.
type Store struct {
	mu  sync.Mutex
	kv  Backend
	ttl TTLs
	gen map[string]uint64
	log zerolog.Logger

	// now is a test seam.
	now func() time.Time
}

// New builds a Store over the given backend.
func New(kv Backend, ttl TTLs, log zerolog.Logger) *Store {
	return &Store{
		kv:  kv,
		ttl: ttl,
		gen: make(map[string]uint64),
		log: log.With().Str("component", "cache").Logger(),
		now: time.Now,
	}
}

func (s *Store) ttlFor(c Class) time.Duration {
	switch c {
	case ClassThread:
		return s.ttl.Thread
	case ClassCounts:
		return s.ttl.Counts
	default:
		return s.ttl.Conversations
	}
}

// Get returns the cached payload for k and whether it is still within its
// TTL. A stale entry is returned with valid=false so the caller can decide
// to serve it anyway while refreshing. Backend failures degrade to a miss.
func (s *Store) Get(k Key) (payload []byte, valid bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, writtenAt, ok, err := s.kv.Load(k.Name)
	if err != nil {
		s.log.Warn().Err(err).Str("key", k.Name).Msg("cache read failed, treating as miss")
		cacheReads.WithLabelValues("miss").Inc()
		return nil, false
	}
	if !ok {
		cacheReads.WithLabelValues("miss").Inc()
		return nil, false
	}
	if s.now().Sub(writtenAt) >= s.ttlFor(k.Class) {
		cacheReads.WithLabelValues("stale").Inc()
		return payload, false
	}
	cacheReads.WithLabelValues("hit").Inc()
	return payload, true
}

// Set writes payload under k, stamping the current time. Failures are
// logged and swallowed; the system degrades to always-miss.
func (s *Store) Set(k Key, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(k, payload)
}

func (s *Store) store(k Key, payload []byte) {
	if err := s.kv.Store(k.Name, payload, s.now()); err != nil {
		s.log.Warn().Err(err).Str("key", k.Name).Msg("cache write failed")
	}
}

// Generation returns the current generation of k, registering the key so
// later invalidations are observed. A background refresh captures it before
// fetching and passes it to SetIfCurrent when done.
func (s *Store) Generation(k Key) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gen[k.Name]; !ok {
		s.gen[k.Name] = 0
	}
	return s.gen[k.Name]
}

// SetIfCurrent writes payload under k only when no invalidation has touched
// the key since gen was captured. It reports whether the write happened.
func (s *Store) SetIfCurrent(k Key, payload []byte, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen[k.Name] != gen {
		return false
	}
	s.store(k, payload)
	return true
}

// Invalidate removes every entry whose key contains substr and bumps the
// generation of the matching keys, so refreshes snapshotted earlier are
// discarded instead of resurrecting removed data.
func (s *Store) Invalidate(substr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cacheInvalidations.Inc()
	for name := range s.gen {
		if strings.Contains(name, substr) {
			s.gen[name]++
		}
	}
	if err := s.kv.RemoveContains(substr); err != nil {
		s.log.Warn().Err(err).Str("pattern", substr).Msg("cache invalidation failed")
	}
}
