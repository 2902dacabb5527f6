// Package media defines the object-storage contract used by the optimistic
// send pipeline for image, video, and audio messages, plus an HTTP multipart
// implementation. Upload failure is equivalent to send failure; the mapping
// onto domain.ErrUploadFailed happens in the send pipeline so network and
// storage failures surface uniformly.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Uploader stores a media blob and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, filename, contentType string, r io.Reader) (string, error)
}

// HTTPUploader posts multipart bodies to an object-storage endpoint that
// responds with {"url": "..."}.
type HTTPUploader struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
}

// NewHTTPUploader builds an HTTPUploader with a bounded default timeout.
func NewHTTPUploader(endpoint, token string) *HTTPUploader {
	return &HTTPUploader{
		Endpoint:   endpoint,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Upload implements Uploader.
func (u *HTTPUploader) Upload(ctx context.Context, filename, contentType string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.Endpoint, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if contentType != "" {
		req.Header.Set("X-Media-Content-Type", contentType)
	}
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}

	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload endpoint returned status %d", resp.StatusCode)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload endpoint returned no url")
	}
	return out.URL, nil
}
