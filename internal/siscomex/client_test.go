package siscomex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/N1XSS/controle-siscomex-test/internal/rategate"
	"github.com/N1XSS/controle-siscomex-test/internal/siscomexerr"
	"github.com/N1XSS/controle-siscomex-test/internal/tokenauth"
)

func newAuthority(t *testing.T) *tokenauth.Authority {
	t.Helper()
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	}))
	t.Cleanup(tokenSrv.Close)
	a, err := tokenauth.New(tokenauth.Config{ClientID: "id", ClientSecret: "secret", TokenURL: tokenSrv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestDo_SuccessDecodesBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"number": "24BR0000000001"})
	}))
	defer upstream.Close()

	gate := rategate.New(100, nil)
	c := New(upstream.URL, gate, newAuthority(t))

	var out struct {
		Number string `json:"number"`
	}
	if err := c.Do(context.Background(), http.MethodGet, "/due/1", nil, &out); err != nil {
		t.Fatal(err)
	}
	if out.Number != "24BR0000000001" {
		t.Fatalf("unexpected decoded body: %+v", out)
	}
}

func TestDo_RateLockClassifiesAndNotesLockout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"PUCX-ER1001: acesso liberado após as 14:30:00"}`))
	}))
	defer upstream.Close()

	gate := rategate.New(100, nil)
	c := New(upstream.URL, gate, newAuthority(t), WithLocation(time.UTC))

	err := c.Do(context.Background(), http.MethodGet, "/due/1", nil, nil)
	if err == nil {
		t.Fatal("expected RateLocked error")
	}
	if siscomexerr.KindOf(err) != siscomexerr.KindRateLocked {
		t.Fatalf("expected KindRateLocked, got %v", siscomexerr.KindOf(err))
	}
	if gate.BlockedUntil().IsZero() {
		t.Fatal("expected gate to record the lock-out")
	}
}

func TestDo_RateLockFallsBackToNextHourOnUnparsableRelease(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"PUCX-ER1001: blocked"}`))
	}))
	defer upstream.Close()

	now := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	gate := rategate.New(100, func() time.Time { return now })
	c := New(upstream.URL, gate, newAuthority(t))
	c.Now = func() time.Time { return now }

	if err := c.Do(context.Background(), http.MethodGet, "/due/1", nil, nil); err == nil {
		t.Fatal("expected error")
	}
	want := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	if got := gate.BlockedUntil(); !got.Equal(want) {
		t.Fatalf("expected fallback to next hour boundary %v, got %v", want, got)
	}
}

func TestDo_TransientOn5xx(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	gate := rategate.New(100, nil)
	c := New(upstream.URL, gate, newAuthority(t))

	err := c.Do(context.Background(), http.MethodGet, "/due/1", nil, nil)
	if siscomexerr.KindOf(err) != siscomexerr.KindTransient {
		t.Fatalf("expected KindTransient, got %v", siscomexerr.KindOf(err))
	}
}

func TestDo_PermanentOnOther4xx(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	gate := rategate.New(100, nil)
	c := New(upstream.URL, gate, newAuthority(t))

	err := c.Do(context.Background(), http.MethodGet, "/due/1", nil, nil)
	if siscomexerr.KindOf(err) != siscomexerr.KindPermanent {
		t.Fatalf("expected KindPermanent, got %v", siscomexerr.KindOf(err))
	}
}

func TestDo_401InvalidatesAndRetriesOnce(t *testing.T) {
	var calls int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"ok": "true"})
	}))
	defer upstream.Close()

	gate := rategate.New(100, nil)
	c := New(upstream.URL, gate, newAuthority(t))

	if err := c.Do(context.Background(), http.MethodGet, "/due/1", nil, nil); err != nil {
		t.Fatalf("expected success after single retry, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 upstream calls, got %d", calls)
	}
}

func TestDo_401RetriedOnceThenFails(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	gate := rategate.New(100, nil)
	c := New(upstream.URL, gate, newAuthority(t))

	err := c.Do(context.Background(), http.MethodGet, "/due/1", nil, nil)
	if siscomexerr.KindOf(err) != siscomexerr.KindAuthentication {
		t.Fatalf("expected KindAuthentication after exhausting the single retry, got %v", siscomexerr.KindOf(err))
	}
}

func TestDo_EachGateAdmitConsumesOneSlot(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer upstream.Close()

	gate := rategate.New(2, nil)
	c := New(upstream.URL, gate, newAuthority(t))

	if err := c.Do(context.Background(), http.MethodGet, "/a", nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Do(context.Background(), http.MethodGet, "/b", nil, nil); err != nil {
		t.Fatal(err)
	}

	count, limit, _ := gate.InWindow()
	if count != limit {
		t.Fatalf("expected gate to be exhausted, got %d/%d", count, limit)
	}
}
