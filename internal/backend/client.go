package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/localloop/msgsync/internal/domain"
)

// DefaultTimeout bounds a single backend call when the config does not
// override it.
const DefaultTimeout = 10 * time.Second

// Client is the HTTP JSON implementation of Procedures.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token attached to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient substitutes the underlying http.Client (tests, custom
// transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient builds a Client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// errorBody is the backend's error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// doRequest performs one JSON round trip and maps failures onto the domain
// error taxonomy: 401 -> ErrNotAuthenticated, 404 -> ErrConversationNotFound,
// 409 -> ErrConflict, anything else non-2xx and transport errors ->
// ErrTransientIO.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		q := url.Values{}
		for k, v := range query {
			q.Set(k, v)
		}
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrTransientIO, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&eb)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return domain.ErrNotAuthenticated
	case http.StatusNotFound:
		return domain.ErrConversationNotFound
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrConflict, eb.Message)
	default:
		return fmt.Errorf("%w: %s %s: status %d %s", domain.ErrTransientIO, method, path, resp.StatusCode, eb.Message)
	}
}

// ListConversations implements Procedures.
func (c *Client) ListConversations(ctx context.Context, userID string, cc domain.Context) ([]ConversationRow, error) {
	q := map[string]string{"user_id": userID}
	if cc != "" {
		q["context"] = string(cc)
	}
	var rows []ConversationRow
	if err := c.doRequest(ctx, http.MethodGet, "/rpc/conversations", nil, q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GetOrCreateConversation implements Procedures.
func (c *Client) GetOrCreateConversation(ctx context.Context, userID, otherID string, cc domain.Context, listingID string) (string, error) {
	body := map[string]string{
		"user_id":  userID,
		"other_id": otherID,
		"context":  string(cc),
	}
	if listingID != "" {
		body["listing_id"] = listingID
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/rpc/conversations", body, nil, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// ListMessages implements Procedures.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]domain.Message, error) {
	q := map[string]string{
		"limit":  strconv.Itoa(limit),
		"offset": strconv.Itoa(offset),
	}
	var msgs []domain.Message
	path := "/rpc/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, q, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// InsertMessage implements Procedures. The temporary identifier is not sent;
// the server assigns the permanent one.
func (c *Client) InsertMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	body := map[string]any{
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"type":            m.Type,
		"content":         m.Content,
		"media_url":       m.MediaURL,
		"listing_id":      m.ListingID,
	}
	var out domain.Message
	path := "/rpc/conversations/" + url.PathEscape(m.ConversationID) + "/messages"
	if err := c.doRequest(ctx, http.MethodPost, path, body, nil, &out); err != nil {
		return domain.Message{}, err
	}
	return out, nil
}

// MarkRead implements Procedures.
func (c *Client) MarkRead(ctx context.Context, conversationID, userID string) error {
	body := map[string]string{"user_id": userID}
	path := "/rpc/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.doRequest(ctx, http.MethodPost, path, body, nil, nil)
}

// UnreadCounts implements Procedures.
func (c *Client) UnreadCounts(ctx context.Context, userID string) (domain.UnreadCounts, error) {
	var out domain.UnreadCounts
	err := c.doRequest(ctx, http.MethodGet, "/rpc/unread", nil, map[string]string{"user_id": userID}, &out)
	return out, err
}

// UserStatus implements Procedures.
func (c *Client) UserStatus(ctx context.Context, userID string) (string, error) {
	var out struct {
		Tier string `json:"tier"`
	}
	path := "/rpc/users/" + url.PathEscape(userID) + "/status"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return "", err
	}
	return out.Tier, nil
}
