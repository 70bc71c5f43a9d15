package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/N1XSS/controle-siscomex-test/internal/normalizer"
)

// getTestStore mirrors the teacher's getTestDB helper: skip, don't fail,
// when no test database is configured.
func getTestStore(t *testing.T) *Store {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	s, err := Open(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(s.Close)

	for _, table := range append([]string{"due_principal", "nf_due_vinculo", "nota_fiscal"}, childTables...) {
		if _, err := s.Pool.Exec(context.Background(), "DELETE FROM "+table); err != nil {
			t.Fatalf("failed to clean %s: %v", table, err)
		}
	}
	return s
}

func TestUpsertDuePrincipal_CreatesAndUpdates(t *testing.T) {
	s := getTestStore(t)
	ctx := context.Background()

	row := normalizer.DuePrincipalRow{
		DueNumber: "24BR0000000001", Situation: "REGISTRADA",
		RemoteRevision: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := s.Scoped(ctx, func(tx pgx.Tx) error { return s.UpsertDuePrincipal(ctx, tx, row) }); err != nil {
		t.Fatal(err)
	}

	rev, ok, err := s.GetDueRevision(ctx, row.DueNumber)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !rev.Equal(row.RemoteRevision) {
		t.Fatalf("expected revision %v, got %v (ok=%v)", row.RemoteRevision, rev, ok)
	}

	row.Situation = "AVERBADA"
	row.RemoteRevision = row.RemoteRevision.Add(time.Hour)
	if err := s.Scoped(ctx, func(tx pgx.Tx) error { return s.UpsertDuePrincipal(ctx, tx, row) }); err != nil {
		t.Fatal(err)
	}
	rev, ok, err = s.GetDueRevision(ctx, row.DueNumber)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !rev.Equal(row.RemoteRevision) {
		t.Fatalf("expected updated revision %v, got %v", row.RemoteRevision, rev)
	}
}

func TestGetDueRevision_UnknownDueReturnsNotOK(t *testing.T) {
	s := getTestStore(t)
	_, ok, err := s.GetDueRevision(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected ok=false for a DUE never persisted")
	}
}

func TestReplaceChildren_DeletesPriorRowsBeforeInserting(t *testing.T) {
	s := getTestStore(t)
	ctx := context.Background()
	due := "24BR0000000002"

	principal := normalizer.DuePrincipalRow{DueNumber: due, Situation: "REGISTRADA", RemoteRevision: time.Now().UTC()}
	first := normalizer.Result{
		Principal: principal,
		Items: []normalizer.DueItemRow{{DueNumber: due, ItemIndex: 1, NCM: "11112222"}},
		ItemNotes: []normalizer.ItemNoteRow{{DueNumber: due, ItemIndex: 1, Text: "first pass"}},
	}
	if err := s.Scoped(ctx, func(tx pgx.Tx) error {
		if err := s.UpsertDuePrincipal(ctx, tx, principal); err != nil {
			return err
		}
		return ReplaceChildren(ctx, tx, due, first)
	}); err != nil {
		t.Fatal(err)
	}

	second := normalizer.Result{
		Principal: principal,
		Items:     []normalizer.DueItemRow{{DueNumber: due, ItemIndex: 1, NCM: "33334444"}},
	}
	if err := s.Scoped(ctx, func(tx pgx.Tx) error { return ReplaceChildren(ctx, tx, due, second) }); err != nil {
		t.Fatal(err)
	}

	var ncm string
	if err := s.Pool.QueryRow(ctx, `SELECT ncm FROM due_itens WHERE due_number = $1`, due).Scan(&ncm); err != nil {
		t.Fatal(err)
	}
	if ncm != "33334444" {
		t.Fatalf("expected replaced item row, got ncm=%q", ncm)
	}

	var noteCount int
	if err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM due_item_notas_complementares WHERE due_number = $1`, due).Scan(&noteCount); err != nil {
		t.Fatal(err)
	}
	if noteCount != 0 {
		t.Fatalf("expected first pass's notes to be deleted, found %d", noteCount)
	}
}

func TestLinkCache_RememberAndFlush(t *testing.T) {
	s := getTestStore(t)
	ctx := context.Background()

	cache, err := NewLinkCache(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache on a clean database, got %d", cache.Len())
	}

	cache.Remember("nf-key-1", "24BR0000000003")
	if due, ok := cache.Lookup("nf-key-1"); !ok || due != "24BR0000000003" {
		t.Fatalf("expected in-memory lookup to hit immediately, got %q/%v", due, ok)
	}

	if err := s.UpsertLinks(ctx, cache.Pending()); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewLinkCache(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if due, ok := reloaded.Lookup("nf-key-1"); !ok || due != "24BR0000000003" {
		t.Fatalf("expected persisted link to survive reload, got %q/%v", due, ok)
	}
}

func TestListUnlinkedInvoiceKeys_ExcludesLinked(t *testing.T) {
	s := getTestStore(t)
	ctx := context.Background()

	_, err := s.Pool.Exec(ctx, `INSERT INTO nota_fiscal (invoice_key, issued_at) VALUES ($1, now()), ($2, now())`,
		"nf-unlinked", "nf-linked")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertLinks(ctx, map[string]string{"nf-linked": "24BR0000000004"}); err != nil {
		t.Fatal(err)
	}

	keys, err := s.ListUnlinkedInvoiceKeys(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "nf-unlinked" {
		t.Fatalf("expected only the unlinked key, got %v", keys)
	}
}

func TestSelectRefreshCandidates_FiltersBySituationAndStaleness(t *testing.T) {
	s := getTestStore(t)
	ctx := context.Background()

	fresh := normalizer.DuePrincipalRow{DueNumber: "24BR0000000005", Situation: "AVERBADA", RemoteRevision: time.Now().UTC()}
	stale := normalizer.DuePrincipalRow{DueNumber: "24BR0000000006", Situation: "AVERBADA", RemoteRevision: time.Now().UTC()}
	for _, row := range []normalizer.DuePrincipalRow{fresh, stale} {
		if err := s.Scoped(ctx, func(tx pgx.Tx) error { return s.UpsertDuePrincipal(ctx, tx, row) }); err != nil {
			t.Fatal(err)
		}
	}
	// Force the "stale" row's synced_at far into the past.
	if _, err := s.Pool.Exec(ctx, `UPDATE due_principal SET synced_at = now() - interval '10 days' WHERE due_number = $1`, stale.DueNumber); err != nil {
		t.Fatal(err)
	}

	candidates, err := s.SelectRefreshCandidates(ctx, []string{"AVERBADA"}, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 || candidates[0] != stale.DueNumber {
		t.Fatalf("expected only the stale DUE as a candidate, got %v", candidates)
	}
}
