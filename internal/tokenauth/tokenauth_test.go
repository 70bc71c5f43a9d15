package tokenauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/N1XSS/controle-siscomex-test/internal/siscomexerr"
)

func newTestServer(t *testing.T, calls *int64, status int, expiresIn int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(exchangeResponse{AccessToken: "tok-abc", ExpiresIn: expiresIn})
	}))
}

func TestAuthHeaders_RefreshesOnFirstUse(t *testing.T) {
	var calls int64
	srv := newTestServer(t, &calls, http.StatusOK, 3600)
	defer srv.Close()

	a, err := New(Config{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}

	h, err := a.AuthHeaders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := h.Get("Authorization"); got != "Bearer tok-abc" {
		t.Fatalf("unexpected header: %q", got)
	}
	if calls != 1 {
		t.Fatalf("expected 1 exchange call, got %d", calls)
	}

	// Second call within validity window must not refresh again.
	if _, err := a.AuthHeaders(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected no additional exchange call, got %d total", calls)
	}
}

func TestAuthHeaders_RefreshesWithinSafetyMargin(t *testing.T) {
	var calls int64
	srv := newTestServer(t, &calls, http.StatusOK, 60) // expires in 1 minute
	defer srv.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	a, err := New(Config{
		ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL,
		SafetyMargin: 2 * time.Minute,
	}, clock)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.AuthHeaders(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}

	// Token's validity (60s) is already inside the 2-minute safety margin,
	// so the very next call should refresh again.
	if _, err := a.AuthHeaders(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected refresh within safety margin, got %d calls", calls)
	}
}

func TestInvalidate_ForcesRefresh(t *testing.T) {
	var calls int64
	srv := newTestServer(t, &calls, http.StatusOK, 3600)
	defer srv.Close()

	a, err := New(Config{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.AuthHeaders(context.Background()); err != nil {
		t.Fatal(err)
	}
	a.Invalidate()
	if _, err := a.AuthHeaders(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected refresh after Invalidate, got %d calls", calls)
	}
}

func TestRefresh_AuthenticationErrorFailsFast(t *testing.T) {
	var calls int64
	srv := newTestServer(t, &calls, http.StatusUnauthorized, 0)
	defer srv.Close()

	a, err := New(Config{ClientID: "id", ClientSecret: "bad", TokenURL: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = a.AuthHeaders(context.Background())
	if err == nil {
		t.Fatal("expected authentication error")
	}
	if siscomexerr.KindOf(err) != siscomexerr.KindAuthentication {
		t.Fatalf("expected KindAuthentication, got %v", siscomexerr.KindOf(err))
	}
	if calls != 1 {
		t.Fatalf("expected no retries on hard auth failure, got %d calls", calls)
	}
}

func TestEnsureFresh_SingleFlightsConcurrentCallers(t *testing.T) {
	var calls int64
	srv := newTestServer(t, &calls, http.StatusOK, 3600)
	defer srv.Close()

	a, err := New(Config{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := a.AuthHeaders(context.Background())
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent AuthHeaders failed: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 exchange under single-flight, got %d", calls)
	}
}
