package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/localloop/msgsync/internal/domain"
)

func newStore(t *testing.T, ttl TTLs) *Store {
	t.Helper()
	if ttl == (TTLs{}) {
		ttl = TTLs{Conversations: time.Minute, Thread: time.Minute, Counts: time.Minute}
	}
	return New(NewMemory(), ttl, zerolog.Nop())
}

func TestStore_GetSet_RoundTrip(t *testing.T) {
	s := newStore(t, TTLs{})
	k := Thread("c1")

	if payload, valid := s.Get(k); payload != nil || valid {
		t.Fatalf("empty store should miss, got %q valid=%v", payload, valid)
	}

	s.Set(k, []byte(`["m1"]`))
	payload, valid := s.Get(k)
	if !valid || string(payload) != `["m1"]` {
		t.Fatalf("round trip failed: %q valid=%v", payload, valid)
	}
}

func TestStore_Get_StaleAfterTTL(t *testing.T) {
	s := newStore(t, TTLs{})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }

	k := Unread("me")
	s.Set(k, []byte(`{"total":3}`))

	now = base.Add(30 * time.Second)
	if _, valid := s.Get(k); !valid {
		t.Fatalf("entry inside the TTL should be valid")
	}

	now = base.Add(2 * time.Minute)
	payload, valid := s.Get(k)
	if valid {
		t.Fatalf("entry past the TTL must be invalid")
	}
	if string(payload) != `{"total":3}` {
		t.Fatalf("stale payload should still be returned: %q", payload)
	}
}

func TestStore_TTLClassesAreIndependent(t *testing.T) {
	s := newStore(t, TTLs{Conversations: time.Hour, Thread: time.Minute, Counts: time.Second})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }

	s.Set(Conversations("me", domain.ContextDirect), []byte("a"))
	s.Set(Thread("c1"), []byte("b"))
	s.Set(Unread("me"), []byte("c"))

	now = base.Add(30 * time.Second)
	if _, valid := s.Get(Conversations("me", domain.ContextDirect)); !valid {
		t.Fatalf("conversation entry should outlive 30s")
	}
	if _, valid := s.Get(Thread("c1")); !valid {
		t.Fatalf("thread entry should outlive 30s")
	}
	if _, valid := s.Get(Unread("me")); valid {
		t.Fatalf("counts entry should expire within 30s")
	}
}

func TestStore_Invalidate_RemovesBySubstring(t *testing.T) {
	s := newStore(t, TTLs{})
	s.Set(Conversations("me", domain.ContextDirect), []byte("a"))
	s.Set(Conversations("me", domain.ContextMarketplace), []byte("b"))
	s.Set(Conversations("other", domain.ContextDirect), []byte("c"))

	s.Invalidate(ScopeConversations("me"))

	if payload, _ := s.Get(Conversations("me", domain.ContextDirect)); payload != nil {
		t.Fatalf("own direct list should be gone")
	}
	if payload, _ := s.Get(Conversations("me", domain.ContextMarketplace)); payload != nil {
		t.Fatalf("own marketplace list should be gone")
	}
	if payload, valid := s.Get(Conversations("other", domain.ContextDirect)); !valid || string(payload) != "c" {
		t.Fatalf("other user's list must survive: %q valid=%v", payload, valid)
	}
}

func TestStore_SetIfCurrent_LastWriteWins(t *testing.T) {
	s := newStore(t, TTLs{})
	k := Thread("c1")

	gen := s.Generation(k)
	// An invalidation lands while the refresh is in flight.
	s.Invalidate(ScopeThread("c1"))

	if s.SetIfCurrent(k, []byte("old fetch"), gen) {
		t.Fatalf("write with a pre-invalidation generation must be discarded")
	}
	if payload, _ := s.Get(k); payload != nil {
		t.Fatalf("discarded write must not land, got %q", payload)
	}

	gen = s.Generation(k)
	if !s.SetIfCurrent(k, []byte("fresh fetch"), gen) {
		t.Fatalf("write with the current generation should land")
	}
	if payload, valid := s.Get(k); !valid || string(payload) != "fresh fetch" {
		t.Fatalf("fresh write missing: %q valid=%v", payload, valid)
	}
}

func TestStore_Invalidate_OnlyBumpsMatchingGenerations(t *testing.T) {
	s := newStore(t, TTLs{})
	thread := Thread("c1")
	unread := Unread("me")

	tg := s.Generation(thread)
	ug := s.Generation(unread)

	s.Invalidate(ScopeThread("c1"))

	if !s.SetIfCurrent(unread, []byte("u"), ug) {
		t.Fatalf("unrelated key's generation must be untouched")
	}
	if s.SetIfCurrent(thread, []byte("t"), tg) {
		t.Fatalf("matching key's generation must be bumped")
	}
}

// failingBackend errors on every call, exercising the degrade-to-miss path.
type failingBackend struct{}

func (failingBackend) Load(string) ([]byte, time.Time, bool, error) {
	return nil, time.Time{}, false, errors.New("disk gone")
}
func (failingBackend) Store(string, []byte, time.Time) error { return errors.New("disk gone") }
func (failingBackend) RemoveContains(string) error           { return errors.New("disk gone") }

func TestStore_BackendFailuresDegradeToMiss(t *testing.T) {
	s := New(failingBackend{}, TTLs{Conversations: time.Minute, Thread: time.Minute, Counts: time.Minute}, zerolog.Nop())
	k := Thread("c1")

	s.Set(k, []byte("x")) // swallowed
	if payload, valid := s.Get(k); payload != nil || valid {
		t.Fatalf("failing backend should read as miss, got %q valid=%v", payload, valid)
	}
	s.Invalidate(ScopeThread("c1")) // logged, not fatal
}

func TestKeys_ConstructorsAndScopes(t *testing.T) {
	k := Conversations("u1", domain.ContextMarketplace)
	if k.Name != "conversations:u1:marketplace" || k.Class != ClassConversations {
		t.Fatalf("conversations key mismatch: %+v", k)
	}
	if k := Thread("c1"); k.Name != "thread:c1" || k.Class != ClassThread {
		t.Fatalf("thread key mismatch: %+v", k)
	}
	if k := Unread("u1"); k.Name != "unread:u1" || k.Class != ClassCounts {
		t.Fatalf("unread key mismatch: %+v", k)
	}
	if ScopeConversations("u1") != "conversations:u1" {
		t.Fatalf("conversations scope mismatch")
	}
}
