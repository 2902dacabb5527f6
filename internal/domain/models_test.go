package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	if (CacheEntry{}).TableName() != "cache_entries" {
		t.Fatalf("CacheEntry.TableName() = %q; want %q", (CacheEntry{}).TableName(), "cache_entries")
	}
	if (PendingSend{}).TableName() != "pending_sends" {
		t.Fatalf("PendingSend.TableName() = %q; want %q", (PendingSend{}).TableName(), "pending_sends")
	}
	if (Idempotency{}).TableName() != "idempotency" {
		t.Fatalf("Idempotency.TableName() = %q; want %q", (Idempotency{}).TableName(), "idempotency")
	}
}

func TestValidContext(t *testing.T) {
	for _, c := range []Context{ContextDirect, ContextMarketplace, ContextConnection} {
		if !ValidContext(c) {
			t.Fatalf("ValidContext(%q) = false", c)
		}
	}
	for _, c := range []Context{"", "group", "DIRECT"} {
		if ValidContext(c) {
			t.Fatalf("ValidContext(%q) = true", c)
		}
	}
}

func TestIsTempID(t *testing.T) {
	if !IsTempID(TempIDPrefix + "abc") {
		t.Fatalf("temp id not recognized")
	}
	if IsTempID("srv-1") || IsTempID("") {
		t.Fatalf("permanent id misclassified as temporary")
	}
}

func TestPendingSend_AsMessage(t *testing.T) {
	at := time.Now().UTC()
	p := PendingSend{
		ID:             TempIDPrefix + "old",
		ConversationID: "c1",
		SenderID:       "u1",
		Type:           TypeImage,
		Content:        "caption",
		MediaURL:       "https://cdn.example/x.jpg",
		ListingID:      "l1",
		Retries:        2,
		LastError:      "boom",
	}
	m := p.AsMessage(TempIDPrefix+"fresh", at)
	if m.ID != TempIDPrefix+"fresh" {
		t.Fatalf("id = %q, want the fresh temporary id", m.ID)
	}
	if !m.Pending {
		t.Fatalf("retried message must be optimistic")
	}
	if m.ConversationID != "c1" || m.SenderID != "u1" || m.Type != TypeImage ||
		m.Content != "caption" || m.MediaURL != "https://cdn.example/x.jpg" || m.ListingID != "l1" {
		t.Fatalf("payload fields lost: %+v", m)
	}
	if !m.CreatedAt.Equal(at) {
		t.Fatalf("created_at = %v, want %v", m.CreatedAt, at)
	}
}

func TestMessage_JSONPendingOmitted(t *testing.T) {
	b, err := json.Marshal(Message{ID: "srv-1", ConversationID: "c1", Type: TypeText})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "pending") {
		t.Fatalf("confirmed message must not carry the pending flag: %s", b)
	}
	b, _ = json.Marshal(Message{ID: TempIDPrefix + "x", Pending: true})
	if !strings.Contains(string(b), `"pending":true`) {
		t.Fatalf("optimistic message must carry the pending flag: %s", b)
	}
}

func TestMigrations_PersistedModels(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&CacheEntry{}, &PendingSend{}, &Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()
	for _, tbl := range []any{&CacheEntry{}, &PendingSend{}, &Idempotency{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}

	entry := CacheEntry{Key: "thread:c1", Payload: []byte("[]"), WrittenAt: time.Now().UTC()}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("insert cache entry: %v", err)
	}
	send := PendingSend{ID: TempIDPrefix + "1", ConversationID: "c1", SenderID: "u1", Type: TypeText, Content: "hi"}
	if err := db.Create(&send).Error; err != nil {
		t.Fatalf("insert pending send: %v", err)
	}

	var got PendingSend
	if err := db.First(&got, "id = ?", send.ID).Error; err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got.ConversationID != "c1" || got.Content != "hi" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
