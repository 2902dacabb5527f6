// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the structured request logger for
// the gateway. Conversation and search endpoints routinely carry peer
// identifiers in their query strings (user ids, marketplace contact emails,
// phone numbers exchanged in listings), and the backend bearer token rides
// on every proxied call, so the logger scrubs request metadata before it
// reaches the log stream.
//
// Guarantees:
//   - Request and response bodies are never logged
//   - Emails, phone numbers, and UUID-shaped identifiers are substituted
//     in query strings and header values
//   - Authorization, Cookie, Set-Cookie, X-User-ID, and Idempotency-Key are
//     fully masked, plus any extra headers the caller names
//
// Usage:
//
//	r := gin.New()
//	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
//	    MaskHeaders: []string{"X-Backend-Token"},
//	}))
//
// Scrubbing is pattern-based and best-effort; clients should still keep PII
// out of query strings where they can.
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RedactOptions adds to the built-in scrub behavior of RedactingLogger.
//
// MaskHeaders lists extra HTTP header names whose values are replaced with
// "[REDACTED]" wholesale. Matching is case-insensitive and merged with the
// built-in masked set.
type RedactOptions struct {
	MaskHeaders []string
}

// builtinMaskedHeaders are always replaced wholesale: credentials, the
// session user, and idempotency keys (client-chosen tokens that can embed
// anything).
var builtinMaskedHeaders = []string{
	"authorization",
	"cookie",
	"set-cookie",
	"x-user-id",
	"idempotency-key",
}

// RedactingLogger returns a Gin middleware that logs each request with
// sensitive values scrubbed.
//
// Each log line carries method, route, scrubbed query, status, response
// size, latency, the request id, and the scrubbed header map. Severity
// follows the response: INFO for 2xx/3xx, WARN for 4xx, ERROR for 5xx.
//
// NOTE: UUIDs are substituted *before* phone numbers so the phone pattern
// cannot latch onto the digit/hyphen runs inside a UUID.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	// Compile regex patterns once.
	uuidRE := regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE := regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits-only phone pattern; matches "+1 212-555-1212", "212 555 1212",
	// "(212) 555-1212" without touching hex runs.
	phoneRE := regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)

	redact := func(s string) string {
		if s == "" {
			return s
		}
		out := s
		// Order matters: IDs first, then email, then phone (the loosest).
		out = uuidRE.ReplaceAllString(out, "[REDACTED:id]")
		out = emailRE.ReplaceAllString(out, "[REDACTED:email]")
		out = phoneRE.ReplaceAllString(out, "[REDACTED:phone]")
		return out
	}

	// Case-insensitive header mask set: built-ins plus caller extras.
	maskHeaders := make(map[string]struct{}, len(builtinMaskedHeaders)+len(opts.MaskHeaders))
	for _, h := range builtinMaskedHeaders {
		maskHeaders[h] = struct{}{}
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			maskHeaders[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		// Request path and query.
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		rawQuery := c.Request.URL.RawQuery
		safeQuery := redact(rawQuery)

		// Scrub headers.
		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			keyLower := strings.ToLower(k)
			val := strings.Join(vv, ", ")
			if _, ok := maskHeaders[keyLower]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = redact(val)
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		size := c.Writer.Size()

		reqID := c.Writer.Header().Get("X-Request-ID")
		if reqID == "" {
			reqID = c.GetHeader("X-Request-ID")
		}

		// Severity based on status.
		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}

		ev.
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", safeQuery).
			Int("status", status).
			Int("bytes", size).
			Dur("latency", latency).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
