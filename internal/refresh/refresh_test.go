package refresh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/N1XSS/controle-siscomex-test/internal/duefetch"
	"github.com/N1XSS/controle-siscomex-test/internal/normalizer"
	"github.com/N1XSS/controle-siscomex-test/internal/rategate"
	"github.com/N1XSS/controle-siscomex-test/internal/siscomex"
	"github.com/N1XSS/controle-siscomex-test/internal/store"
	"github.com/N1XSS/controle-siscomex-test/internal/tokenauth"
)

func getTestStore(t *testing.T) *store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}
	s, err := store.Open(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(s.Close)
	for _, table := range []string{"due_principal", "due_itens", "due_eventos_historico"} {
		if _, err := s.Pool.Exec(context.Background(), "DELETE FROM "+table); err != nil {
			t.Fatalf("failed to clean %s: %v", table, err)
		}
	}
	return s
}

func newAuthority(t *testing.T) *tokenauth.Authority {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	}))
	t.Cleanup(srv.Close)
	a, err := tokenauth.New(tokenauth.Config{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func seedDue(t *testing.T, s *store.Store, due, situation, revision string, syncedHoursAgo int) {
	t.Helper()
	ctx := context.Background()
	rev, err := time.Parse(time.RFC3339, revision)
	if err != nil {
		t.Fatal(err)
	}
	err = s.Scoped(ctx, func(tx pgx.Tx) error {
		return s.UpsertDuePrincipal(ctx, tx, normalizer.DuePrincipalRow{DueNumber: due, Situation: situation, RemoteRevision: rev})
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Pool.Exec(ctx, `UPDATE due_principal SET synced_at = now() - ($2 || ' hours')::interval WHERE due_number = $1`,
		due, syncedHoursAgo); err != nil {
		t.Fatal(err)
	}
}

// TestRun_SettledUnchanged is scenario 3 from spec.md §8.
func TestRun_SettledUnchanged(t *testing.T) {
	s := getTestStore(t)
	ctx := context.Background()
	seedDue(t, s, "24BR0000000001", "AVERBADA", "2024-03-01T10:00:00-03:00", 25)

	var calls int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"numero": "24BR0000000001", "situacao": "AVERBADA", "dataDeRegistro": "2024-03-01T10:00:00-03:00",
		})
	}))
	defer upstream.Close()

	gate := rategate.New(100, nil)
	client := siscomex.New(upstream.URL, gate, newAuthority(t))
	fetcher := duefetch.New(client, duefetch.Flags{})

	p := &Pipeline{Store: s, Fetcher: fetcher, Workers: 2, Staleness: 24 * time.Hour,
		Partitions: Partitions{Settled: []string{"AVERBADA"}}}
	summary, err := p.Run(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 upstream call (the probe), got %d", calls)
	}
	if summary.Unchanged != 1 || summary.FullFetches != 0 {
		t.Fatalf("expected 1 unchanged, 0 full fetches, got %+v", summary)
	}
}

// TestRun_SettledChanged is scenario 4 from spec.md §8.
func TestRun_SettledChanged(t *testing.T) {
	s := getTestStore(t)
	ctx := context.Background()
	seedDue(t, s, "24BR0000000002", "AVERBADA", "2024-03-01T10:00:00-03:00", 25)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"numero": "24BR0000000002", "situacao": "AVERBADA", "dataDeRegistro": "2024-03-02T12:00:00-03:00",
		})
	}))
	defer upstream.Close()

	gate := rategate.New(100, nil)
	client := siscomex.New(upstream.URL, gate, newAuthority(t))
	fetcher := duefetch.New(client, duefetch.Flags{})

	p := &Pipeline{Store: s, Fetcher: fetcher, Workers: 2, Staleness: 24 * time.Hour,
		Partitions: Partitions{Settled: []string{"AVERBADA"}}}
	summary, err := p.Run(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if summary.FullFetches != 1 {
		t.Fatalf("expected 1 full fetch, got %+v", summary)
	}

	rev, ok, err := s.GetDueRevision(ctx, "24BR0000000002")
	if err != nil {
		t.Fatal(err)
	}
	want, _ := time.Parse(time.RFC3339, "2024-03-02T12:00:00-03:00")
	if !ok || !rev.Equal(want) {
		t.Fatalf("expected updated revision %v, got %v (ok=%v)", want, rev, ok)
	}
}

// TestRun_CancelledDuesNeverRefreshed is property 4 from spec.md §8.
func TestRun_CancelledDuesNeverRefreshed(t *testing.T) {
	s := getTestStore(t)
	ctx := context.Background()
	seedDue(t, s, "24BR0000000003", "CANCELADA", "2024-03-01T10:00:00-03:00", 9999)

	var calls int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
	}))
	defer upstream.Close()

	gate := rategate.New(100, nil)
	client := siscomex.New(upstream.URL, gate, newAuthority(t))
	fetcher := duefetch.New(client, duefetch.Flags{})

	// Cancelled situations are deliberately absent from both Pending and
	// Settled partitions, so the pipeline must never select this DUE.
	p := &Pipeline{Store: s, Fetcher: fetcher, Workers: 2, Staleness: 24 * time.Hour,
		Partitions: Partitions{Settled: []string{"AVERBADA"}}}
	if _, err := p.Run(ctx, 10); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatalf("expected zero upstream calls for a cancelled DUE, got %d", calls)
	}
}
