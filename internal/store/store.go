// Package store implements spec.md §4.4/§4.5's Store and LinkCache: the
// only component allowed to touch PostgreSQL, and the in-memory cache of
// invoice-key→DUE-number links layered over it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/N1XSS/controle-siscomex-test/internal/normalizer"
	"github.com/N1XSS/controle-siscomex-test/internal/siscomexerr"
)

// Store wraps a PostgreSQL connection pool. It holds no business-logic
// state of its own; every method is a thin, reconnect-aware wrapper
// around a query or a transaction.
type Store struct {
	Pool *pgxpool.Pool
}

// Open creates a new PostgreSQL connection pool, grounded on the
// teacher's internal/db.Open.
func Open(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, siscomexerr.New(siscomexerr.KindConfiguration, "store.Open", "", err)
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, siscomexerr.New(siscomexerr.KindStore, "store.Open", "", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, siscomexerr.New(siscomexerr.KindStore, "store.Open", "", err)
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("siscomex store connection pool created")

	return &Store{Pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() { s.Pool.Close() }

// Scoped runs fn inside a transaction, retrying up to 3 times with a small
// backoff if beginning or committing the transaction fails (transient pool
// exhaustion/reconnect), per spec.md §7's store-error handling. After a
// failed commit the transaction is rolled back and fn runs again in a
// fresh one. An error returned by fn itself is never retried.
func (s *Store) Scoped(ctx context.Context, fn func(pgx.Tx) error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)

	var attempt error
	op := func() error {
		tx, err := s.Pool.Begin(ctx)
		if err != nil {
			attempt = err
			return err // retryable: connection acquisition failed
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(tx); err != nil {
			attempt = err
			return backoff.Permanent(err) // fn's own error is never retried
		}
		if err := tx.Commit(ctx); err != nil {
			attempt = err
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return attempt // surface fn's original error unwrapped
		}
		return siscomexerr.New(siscomexerr.KindStore, "store.Scoped", "", err)
	}
	return nil
}

// GetDueRevision returns the stored remote_revision for a DUE, and whether
// a row exists at all (ok=false means the DUE has never been persisted).
func (s *Store) GetDueRevision(ctx context.Context, dueNumber string) (revision time.Time, ok bool, err error) {
	row := s.Pool.QueryRow(ctx, `SELECT remote_revision FROM due_principal WHERE due_number = $1`, dueNumber)
	if scanErr := row.Scan(&revision); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, siscomexerr.New(siscomexerr.KindStore, "get-due-revision", dueNumber, scanErr)
	}
	return revision, true, nil
}

// UpsertDuePrincipal inserts or updates the authoritative DUE row.
func (s *Store) UpsertDuePrincipal(ctx context.Context, tx pgx.Tx, row normalizer.DuePrincipalRow) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO due_principal (due_number, situation, remote_revision, synced_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (due_number) DO UPDATE SET
			situation       = EXCLUDED.situation,
			remote_revision = EXCLUDED.remote_revision,
			synced_at       = now()
	`, row.DueNumber, row.Situation, row.RemoteRevision)
	if err != nil {
		return siscomexerr.New(siscomexerr.KindStore, "upsert-due-principal", row.DueNumber, err)
	}
	return nil
}

// MarkSynced stamps synced_at without touching situation/remote_revision,
// used after a refresh probe confirms the DUE is already current.
func (s *Store) MarkSynced(ctx context.Context, dueNumber string, syncedAt time.Time) error {
	_, err := s.Pool.Exec(ctx, `UPDATE due_principal SET synced_at = $2 WHERE due_number = $1`, dueNumber, syncedAt)
	if err != nil {
		return siscomexerr.New(siscomexerr.KindStore, "mark-synced", dueNumber, err)
	}
	return nil
}

// SelectRefreshCandidates returns DUE numbers whose situation falls in the
// given partition and whose last sync is older than staleBefore, bounded
// to limit rows, per spec.md §4.8's RefreshPipeline candidate selection.
func (s *Store) SelectRefreshCandidates(ctx context.Context, situations []string, staleBefore time.Time, limit int) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT due_number FROM due_principal
		WHERE situation = ANY($1) AND synced_at < $2
		ORDER BY synced_at ASC
		LIMIT $3
	`, situations, staleBefore, limit)
	if err != nil {
		return nil, siscomexerr.New(siscomexerr.KindStore, "select-refresh-candidates", "", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var due string
		if err := rows.Scan(&due); err != nil {
			return nil, siscomexerr.New(siscomexerr.KindStore, "select-refresh-candidates", "", err)
		}
		out = append(out, due)
	}
	return out, rows.Err()
}

// Counts reports row counts per table family, broken out so operators can
// tell a stalled discovery run from a stalled refresh run at a glance.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	families := map[string]string{
		"due_principal":  `SELECT count(*) FROM due_principal`,
		"due_itens":      `SELECT count(*) FROM due_itens`,
		"nf_due_vinculo": `SELECT count(*) FROM nf_due_vinculo`,
	}
	out := make(map[string]int, len(families))
	for name, query := range families {
		var n int
		if err := s.Pool.QueryRow(ctx, query).Scan(&n); err != nil {
			return nil, siscomexerr.New(siscomexerr.KindStore, "counts", "", err)
		}
		out[name] = n
	}
	return out, nil
}
