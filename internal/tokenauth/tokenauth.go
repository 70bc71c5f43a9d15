// Package tokenauth implements spec.md §4.2's TokenAuthority: the singleton
// holder of a bearer credential exchanged for client-id/secret, refreshed
// before it expires and attached to every outbound Siscomex call.
package tokenauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/N1XSS/controle-siscomex-test/internal/siscomexerr"
)

// Config configures a TokenAuthority.
type Config struct {
	ClientID     string
	ClientSecret string
	// TokenURL is the credential-exchange endpoint.
	TokenURL string
	// MinAuthInterval bounds how often a refresh may be attempted, even if
	// the caller hammers AuthHeaders (AUTH_INTERVAL_SEC).
	MinAuthInterval time.Duration
	// DefaultValidity is used when the token response omits an expiry and
	// the bearer isn't a JWT we can inspect (TOKEN_VALIDITY_MIN).
	DefaultValidity time.Duration
	// SafetyMargin triggers a proactive refresh this long before expiry
	// (TOKEN_SAFETY_MARGIN_MIN).
	SafetyMargin time.Duration
	// CachePath optionally persists the bearer between process restarts.
	// Empty disables persistence.
	CachePath string
	// HTTPClient is used for the credential exchange; defaults to a
	// 30-second-timeout client.
	HTTPClient *http.Client
}

// state is the singleton TokenState entity from spec.md §3.
type state struct {
	bearer      string
	acquiredAt  time.Time
	validFor    time.Duration
}

func (s state) expiresAt() time.Time { return s.acquiredAt.Add(s.validFor) }

// Authority is a process-wide, constructed-at-startup value — not an
// ambient global — passed explicitly to every component that needs it, per
// spec.md §9.
type Authority struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	current     *state
	lastAttempt time.Time
	refreshing  chan struct{} // non-nil while a refresh is in flight; single-flight
}

// New constructs an Authority. now defaults to time.Now when nil.
func New(cfg Config, now func() time.Time) (*Authority, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, siscomexerr.New(siscomexerr.KindConfiguration, "tokenauth.New", "",
			errors.New("CLIENT_ID and CLIENT_SECRET are required"))
	}
	if cfg.TokenURL == "" {
		return nil, siscomexerr.New(siscomexerr.KindConfiguration, "tokenauth.New", "",
			errors.New("token exchange URL is required"))
	}
	if now == nil {
		now = time.Now
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.DefaultValidity <= 0 {
		cfg.DefaultValidity = 60 * time.Minute
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 2 * time.Minute
	}

	a := &Authority{cfg: cfg, now: now}
	a.loadCached()
	return a, nil
}

// AuthHeaders returns headers for the next request, refreshing the
// credential if absent, expired, or within the safety margin of expiry.
func (a *Authority) AuthHeaders(ctx context.Context) (http.Header, error) {
	bearer, err := a.ensureFresh(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+bearer)
	return h, nil
}

// Invalidate forces a refresh on the next AuthHeaders call; called when a
// response indicates token rejection.
func (a *Authority) Invalidate() {
	a.mu.Lock()
	a.current = nil
	a.mu.Unlock()
}

func (a *Authority) ensureFresh(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.current != nil && a.now().Before(a.current.expiresAt().Add(-a.cfg.SafetyMargin)) {
		bearer := a.current.bearer
		a.mu.Unlock()
		return bearer, nil
	}

	// Single-flight: if a refresh is already underway, wait on it instead
	// of issuing a second credential exchange.
	if a.refreshing != nil {
		ch := a.refreshing
		a.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return a.ensureFresh(ctx)
	}

	ch := make(chan struct{})
	a.refreshing = ch
	a.mu.Unlock()

	err := a.refresh(ctx)

	a.mu.Lock()
	a.refreshing = nil
	close(ch)
	var bearer string
	if a.current != nil {
		bearer = a.current.bearer
	}
	a.mu.Unlock()

	if err != nil {
		return "", err
	}
	return bearer, nil
}

func (a *Authority) refresh(ctx context.Context) error {
	a.mu.Lock()
	if since := a.now().Sub(a.lastAttempt); a.cfg.MinAuthInterval > 0 && since < a.cfg.MinAuthInterval && a.current != nil {
		a.mu.Unlock()
		return nil
	}
	a.lastAttempt = a.now()
	a.mu.Unlock()

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)

	var resp *exchangeResponse
	op := func() error {
		r, err := a.exchange(ctx)
		if err != nil {
			var se *siscomexerr.Error
			if errors.As(err, &se) && se.Kind == siscomexerr.KindAuthentication {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		log.Error().Err(err).Msg("token refresh failed")
		return err
	}

	validFor := a.cfg.DefaultValidity
	if resp.ExpiresIn > 0 {
		validFor = time.Duration(resp.ExpiresIn) * time.Second
	} else if exp, ok := jwtExpiry(resp.AccessToken); ok {
		validFor = exp.Sub(a.now())
	}

	a.mu.Lock()
	a.current = &state{bearer: resp.AccessToken, acquiredAt: a.now(), validFor: validFor}
	a.mu.Unlock()

	a.saveCached()

	log.Info().Dur("valid_for", validFor).Msg("refreshed siscomex bearer token")
	return nil
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (a *Authority) exchange(ctx context.Context) (*exchangeResponse, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     a.cfg.ClientID,
		"client_secret": a.cfg.ClientSecret,
	})
	if err != nil {
		return nil, siscomexerr.New(siscomexerr.KindAuthentication, "exchange", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, siscomexerr.New(siscomexerr.KindAuthentication, "exchange", "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, siscomexerr.New(siscomexerr.KindTransient, "exchange", "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, siscomexerr.New(siscomexerr.KindTransient, "exchange", "", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, siscomexerr.New(siscomexerr.KindAuthentication, "exchange", "",
			fmt.Errorf("credential exchange rejected: status %d: %s", resp.StatusCode, raw))
	}
	if resp.StatusCode >= 500 {
		return nil, siscomexerr.New(siscomexerr.KindTransient, "exchange", "",
			fmt.Errorf("credential exchange server error: status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, siscomexerr.New(siscomexerr.KindAuthentication, "exchange", "",
			fmt.Errorf("unexpected credential exchange status %d: %s", resp.StatusCode, raw))
	}

	var out exchangeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, siscomexerr.New(siscomexerr.KindAuthentication, "exchange", "", err)
	}
	if out.AccessToken == "" {
		return nil, siscomexerr.New(siscomexerr.KindAuthentication, "exchange", "",
			errors.New("credential exchange returned no access_token"))
	}
	return &out, nil
}

// jwtExpiry parses (without verifying — Siscomex's own signature isn't ours
// to check) the exp claim of a JWT-shaped bearer, used only to schedule a
// proactive refresh. Returns ok=false for opaque, non-JWT bearers.
func jwtExpiry(bearer string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(bearer, claims); err != nil {
		return time.Time{}, false
	}
	expFloat, err := claims.GetExpirationTime()
	if err != nil || expFloat == nil {
		return time.Time{}, false
	}
	return expFloat.Time, true
}

type cachedToken struct {
	Bearer     string    `json:"bearer"`
	AcquiredAt time.Time `json:"acquired_at"`
	ValidFor   int64     `json:"valid_for_seconds"`
}

func (a *Authority) loadCached() {
	if a.cfg.CachePath == "" {
		return
	}
	raw, err := os.ReadFile(a.cfg.CachePath)
	if err != nil {
		return
	}
	var ct cachedToken
	if err := json.Unmarshal(raw, &ct); err != nil {
		return
	}
	s := &state{bearer: ct.Bearer, acquiredAt: ct.AcquiredAt, validFor: time.Duration(ct.ValidFor) * time.Second}
	if a.now().Before(s.expiresAt().Add(-a.cfg.SafetyMargin)) {
		a.current = s
		log.Info().Msg("loaded cached siscomex bearer token")
	}
}

func (a *Authority) saveCached() {
	if a.cfg.CachePath == "" {
		return
	}
	a.mu.Lock()
	s := a.current
	a.mu.Unlock()
	if s == nil {
		return
	}
	ct := cachedToken{Bearer: s.bearer, AcquiredAt: s.acquiredAt, ValidFor: int64(s.validFor.Seconds())}
	raw, err := json.Marshal(ct)
	if err != nil {
		return
	}
	if err := os.WriteFile(a.cfg.CachePath, raw, 0o600); err != nil {
		log.Warn().Err(err).Msg("failed to persist siscomex bearer token cache")
	}
}
