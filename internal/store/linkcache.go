package store

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/N1XSS/controle-siscomex-test/internal/siscomexerr"
)

// LinkCache is the in-memory mirror of nf_due_vinculo (invoice key → DUE
// number) described in spec.md §4.5. Discovery records each new link in
// it; discovery candidates themselves come from ListUnlinkedInvoiceKeys,
// which reads nf_due_vinculo directly. It is loaded once at startup and
// only ever grows during a run, flushed back to the Store in batches
// rather than on every single link.
type LinkCache struct {
	mu    sync.RWMutex
	links map[string]string // invoice key -> due number
}

// NewLinkCache loads every known link from the store.
func NewLinkCache(ctx context.Context, s *Store) (*LinkCache, error) {
	rows, err := s.Pool.Query(ctx, `SELECT invoice_key, due_number FROM nf_due_vinculo`)
	if err != nil {
		return nil, siscomexerr.New(siscomexerr.KindStore, "load-link-cache", "", err)
	}
	defer rows.Close()

	links := make(map[string]string)
	for rows.Next() {
		var key, due string
		if err := rows.Scan(&key, &due); err != nil {
			return nil, siscomexerr.New(siscomexerr.KindStore, "load-link-cache", "", err)
		}
		links[key] = due
	}
	if err := rows.Err(); err != nil {
		return nil, siscomexerr.New(siscomexerr.KindStore, "load-link-cache", "", err)
	}
	return &LinkCache{links: links}, nil
}

// Lookup reports the DUE number already linked to an invoice key, if any.
func (c *LinkCache) Lookup(invoiceKey string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	due, ok := c.links[invoiceKey]
	return due, ok
}

// Remember records a link in memory only; pass Pending to
// Store.UpsertLinks to persist it.
func (c *LinkCache) Remember(invoiceKey, dueNumber string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links[invoiceKey] = dueNumber
}

// Pending returns a snapshot of every link currently held (loaded and
// remembered alike), for Store.UpsertLinks to batch-persist.
func (c *LinkCache) Pending() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.links))
	for k, v := range c.links {
		out[k] = v
	}
	return out
}

// Len reports how many links are currently cached.
func (c *LinkCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.links)
}

// UpsertLinks persists a batch of invoice-key→DUE-number links, called
// periodically by the DiscoveryPipeline (spec.md §4.7's "flush every N
// DUEs" behavior) rather than after every single discovery.
func (s *Store) UpsertLinks(ctx context.Context, links map[string]string) error {
	if len(links) == 0 {
		return nil
	}
	return s.Scoped(ctx, func(tx pgx.Tx) error {
		for invoiceKey, due := range links {
			if _, err := tx.Exec(ctx, `
				INSERT INTO nf_due_vinculo (invoice_key, due_number)
				VALUES ($1, $2)
				ON CONFLICT (invoice_key) DO UPDATE SET due_number = EXCLUDED.due_number
			`, invoiceKey, due); err != nil {
				return siscomexerr.New(siscomexerr.KindStore, "upsert-links", due, err)
			}
		}
		return nil
	})
}

// ListUnlinkedInvoiceKeys returns invoice keys that have never been
// matched to a DUE number, bounded to limit rows, per spec.md §4.7's
// discovery-candidate selection.
func (s *Store) ListUnlinkedInvoiceKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT invoice_key FROM nota_fiscal nf
		WHERE NOT EXISTS (
			SELECT 1 FROM nf_due_vinculo v WHERE v.invoice_key = nf.invoice_key
		)
		ORDER BY nf.issued_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, siscomexerr.New(siscomexerr.KindStore, "list-unlinked-invoice-keys", "", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, siscomexerr.New(siscomexerr.KindStore, "list-unlinked-invoice-keys", "", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}
