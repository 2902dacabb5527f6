package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/localloop/msgsync/internal/domain"
)

func newStatusServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_MapsStatusCodesToSentinels(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{}`, domain.ErrNotAuthenticated},
		{"not found", http.StatusNotFound, `{}`, domain.ErrConversationNotFound},
		{"conflict", http.StatusConflict, `{"code":"conflict","message":"duplicate"}`, domain.ErrConflict},
		{"server error", http.StatusInternalServerError, `{"message":"boom"}`, domain.ErrTransientIO},
		{"bad gateway", http.StatusBadGateway, ``, domain.ErrTransientIO},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newStatusServer(t, tc.status, tc.body)
			c := NewClient(srv.URL)
			_, err := c.ListConversations(context.Background(), "u1", domain.ContextDirect)
			if !errors.Is(err, tc.want) {
				t.Fatalf("status %d: err = %v, want %v", tc.status, err, tc.want)
			}
		})
	}
}

func TestClient_NetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(srv.URL, WithTimeout(time.Second))
	if err := c.MarkRead(context.Background(), "c1", "u1"); !errors.Is(err, domain.ErrTransientIO) {
		t.Fatalf("err = %v, want ErrTransientIO", err)
	}
}

func TestClient_ListConversations_QueryAndAuth(t *testing.T) {
	var gotAuth, gotUser, gotContext string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUser = r.URL.Query().Get("user_id")
		gotContext = r.URL.Query().Get("context")
		_ = json.NewEncoder(w).Encode([]ConversationRow{{ID: "c1", UserA: "u1", UserB: "u2"}})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, WithToken("tok"))
	rows, err := c.ListConversations(context.Background(), "u1", domain.ContextMarketplace)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "c1" {
		t.Fatalf("rows = %+v", rows)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotUser != "u1" || gotContext != "marketplace" {
		t.Fatalf("query = user_id=%q context=%q", gotUser, gotContext)
	}
}

func TestClient_InsertMessage_OmitsTempID(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(domain.Message{ID: "srv-1", ConversationID: "c1"})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL)
	m, err := c.InsertMessage(context.Background(), domain.Message{
		ID: domain.TempIDPrefix + "x", ConversationID: "c1", SenderID: "u1",
		Type: domain.TypeText, Content: "hello",
	})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if m.ID != "srv-1" {
		t.Fatalf("id = %q, want srv-1", m.ID)
	}
	if _, present := body["id"]; present {
		t.Fatalf("temporary id must not be sent, body: %v", body)
	}
	if body["content"] != "hello" {
		t.Fatalf("content = %v", body["content"])
	}
}
