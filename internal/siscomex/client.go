// Package siscomex implements spec.md §4.3's HttpClient: one upstream call,
// gated by the rate gate, authenticated by the token authority, classified
// into success / auth-expired / rate-locked / transient / permanent.
package siscomex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/N1XSS/controle-siscomex-test/internal/rategate"
	"github.com/N1XSS/controle-siscomex-test/internal/siscomexerr"
	"github.com/N1XSS/controle-siscomex-test/internal/tokenauth"
)

// lockoutMarker is the literal error code the upstream embeds in a
// rate-lock response body, per spec.md §6.
const lockoutMarker = "PUCX-ER1001"

// lockoutPhrase precedes the HH:MM:SS release clock time in the message.
const lockoutPhrase = "liberado após as"

// Client wraps one upstream call with rate gating, authentication, and
// error classification. It holds no per-request state; safe for concurrent
// use by every pipeline worker.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Gate    *rategate.Gate
	Auth    *tokenauth.Authority
	Now     func() time.Time
	// Location interprets release-time strings embedded in lock-out
	// messages, per the TZ setting in spec.md §6.
	Location *time.Location
}

// Option configures a Client constructed by New.
type Option func(*Client)

// New builds a Client with sane defaults; override via Option.
func New(baseURL string, gate *rategate.Gate, auth *tokenauth.Authority, opts ...Option) *Client {
	c := &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		HTTP:     &http.Client{Timeout: 5 * time.Minute},
		Gate:     gate,
		Auth:     auth,
		Now:      time.Now,
		Location: time.UTC,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHTTPClient overrides the underlying http.Client (e.g. a shorter
// per-request timeout, or a transport pointed at a test server).
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.HTTP = h } }

// WithLocation overrides the timezone used to interpret lock-out release
// times (TZ).
func WithLocation(loc *time.Location) Option { return func(c *Client) { c.Location = loc } }

// Do executes one upstream request: Gate.Admit, attach auth headers, send,
// classify. method/path/body describe the request; out, if non-nil, is the
// target for JSON-decoding a successful response body.
func (c *Client) Do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return siscomexerr.New(siscomexerr.KindPermanent, "marshal-request", "", err)
		}
		reader = bytes.NewReader(raw)
	}

	correlationID := uuid.NewString()
	logger := log.With().Str("correlation_id", correlationID).Str("method", method).Str("path", path).Logger()

	return c.doWithAuthRetry(ctx, method, path, reader, out, &logger, false)
}

func (c *Client) doWithAuthRetry(ctx context.Context, method, path string, body io.Reader, out any, logger *zerolog.Logger, retriedAuth bool) error {
	if err := c.Gate.Admit(ctx); err != nil {
		return siscomexerr.New(siscomexerr.KindTransient, "rategate-admit", "", err)
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return siscomexerr.New(siscomexerr.KindPermanent, "read-request-body", "", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return siscomexerr.New(siscomexerr.KindPermanent, "build-request", "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	headers, err := c.Auth.AuthHeaders(ctx)
	if err != nil {
		return siscomexerr.New(siscomexerr.KindAuthentication, "auth-headers", "", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := c.Now()
	resp, err := c.HTTP.Do(req)
	duration := c.Now().Sub(start)
	if err != nil {
		logger.Warn().Err(err).Dur("duration", duration).Msg("siscomex request failed (transport)")
		return siscomexerr.New(siscomexerr.KindTransient, "do-request", "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return siscomexerr.New(siscomexerr.KindTransient, "read-response-body", "", err)
	}

	logger.Debug().Int("status", resp.StatusCode).Dur("duration", duration).Msg("siscomex request completed")

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return siscomexerr.New(siscomexerr.KindNormalizer, "decode-response", "", err)
			}
		}
		return nil

	case isLockout(resp.StatusCode, raw):
		release := parseLockoutRelease(raw, c.Now(), c.Location)
		c.Gate.NoteLockout(release)
		logger.Warn().Time("release", release).Msg("upstream rate lock-out observed")
		return siscomexerr.New(siscomexerr.KindRateLocked, "rate-locked", "",
			fmt.Errorf("upstream returned %s, locked until %s", lockoutMarker, release.Format(time.RFC3339)))

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if retriedAuth {
			return siscomexerr.New(siscomexerr.KindAuthentication, "auth-rejected", "",
				fmt.Errorf("status %d after token refresh: %s", resp.StatusCode, raw))
		}
		c.Auth.Invalidate()
		return c.doWithAuthRetry(ctx, method, path, bytes.NewReader(bodyBytes), out, logger, true)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return siscomexerr.New(siscomexerr.KindPermanent, "http-4xx", "",
			fmt.Errorf("status %d: %s", resp.StatusCode, raw))

	default:
		return siscomexerr.New(siscomexerr.KindTransient, "http-5xx", "",
			fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}
}

// isLockout reports whether the response signals the upstream's rate
// lock-out, located by substring search per spec.md §6.
func isLockout(status int, body []byte) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return bytes.Contains(body, []byte(lockoutMarker))
}

// parseLockoutRelease parses the HH:MM:SS that follows lockoutPhrase in the
// message, interpreted in loc. Falls back to the next hour boundary on any
// parse failure, per spec.md §6.
func parseLockoutRelease(body []byte, now time.Time, loc *time.Location) time.Time {
	idx := strings.Index(string(body), lockoutPhrase)
	if idx < 0 {
		return nextHourBoundary(now)
	}
	rest := strings.TrimSpace(string(body)[idx+len(lockoutPhrase):])
	if len(rest) < 8 {
		return nextHourBoundary(now)
	}
	clock := rest[:8] // "HH:MM:SS"
	parsedClock, err := time.Parse("15:04:05", clock)
	if err != nil {
		return nextHourBoundary(now)
	}

	nowInLoc := now.In(loc)
	release := time.Date(nowInLoc.Year(), nowInLoc.Month(), nowInLoc.Day(),
		parsedClock.Hour(), parsedClock.Minute(), parsedClock.Second(), 0, loc)
	if release.Before(nowInLoc) {
		release = release.Add(24 * time.Hour)
	}
	return release
}

func nextHourBoundary(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(time.Hour)
}

// RetryTransient wraps a pipeline step that may fail with a KindTransient
// error, retrying up to maxRetries times after the first attempt
// (maxRetries+1 attempts in total) with bounded jittered backoff,
// per spec.md §7's "retry up to 2 times with small jittered backoff".
func RetryTransient(ctx context.Context, maxRetries int, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxRetries)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if siscomexerr.KindOf(err) != siscomexerr.KindTransient {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}
