// Package discovery implements spec.md §4.7's DiscoveryPipeline: find
// invoices with no known DUE, resolve their DUE number, fetch and persist
// it, and record the invoice-key→DUE-number link.
package discovery

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/N1XSS/controle-siscomex-test/internal/duefetch"
	"github.com/N1XSS/controle-siscomex-test/internal/normalizer"
	"github.com/N1XSS/controle-siscomex-test/internal/siscomex"
	"github.com/N1XSS/controle-siscomex-test/internal/siscomexerr"
	"github.com/N1XSS/controle-siscomex-test/internal/store"
	"github.com/N1XSS/controle-siscomex-test/internal/workerpool"
)

// linkFlushBatch is how many newly-discovered DUEs accumulate before the
// link cache is flushed to the store, per spec.md §4.7's "flush every N
// DUEs" behavior.
const linkFlushBatch = 50

// transientRetries is spec.md §7's "retry up to 2 times" for Transient
// errors inside the same pipeline step, before the DUE/invoice is skipped.
const transientRetries = 2

// Summary tallies one run's outcome for the orchestrator's final report
// (spec.md §7's "counts of successes, skips, and error categories").
type Summary struct {
	LookupCalls  int
	DuesFound    int
	Persisted    int
	Skipped      int
	ErrorsByKind map[siscomexerr.Kind]int
}

func newSummary() Summary {
	return Summary{ErrorsByKind: make(map[siscomexerr.Kind]int)}
}

func (s *Summary) recordError(err error) {
	s.Skipped++
	s.ErrorsByKind[siscomexerr.KindOf(err)]++
}

// Pipeline runs the discovery protocol. Workers is the bounded pool size;
// callers should keep it ≤ max(1, safe_limit/100) per spec.md §4.7.
type Pipeline struct {
	Store   *store.Store
	Cache   *store.LinkCache
	Fetcher *duefetch.Fetcher
	Workers int
}

// Run executes one discovery pass, capped to at most limit candidate
// invoice keys. It returns a summary even when ctx is cancelled partway
// through — completed DUEs are never rolled back.
func (p *Pipeline) Run(ctx context.Context, limit int) (Summary, error) {
	summary := newSummary()

	keys, err := p.Store.ListUnlinkedInvoiceKeys(ctx, limit)
	if err != nil {
		return summary, err
	}

	dueNumbers, err := p.resolveDueNumbers(ctx, keys, &summary)
	if err != nil {
		return summary, err
	}

	p.fetchAndPersist(ctx, dueNumbers, &summary)

	if err := p.Store.UpsertLinks(ctx, p.Cache.Pending()); err != nil {
		return summary, err
	}

	return summary, nil
}

// resolveDueNumbers runs spec.md §4.7 steps 3-4: look up each candidate
// invoice, then de-duplicate the resulting DUE numbers into the set of
// unique DUEs this run must fetch, recording which invoice keys resolved
// to each.
func (p *Pipeline) resolveDueNumbers(ctx context.Context, keys []string, summary *Summary) (map[string][]string, error) {
	dueToInvoices := make(map[string][]string)
	var mu sync.Mutex

	// workerpool.Run's return value only ever reflects ctx cancellation,
	// never a per-item failure (those go through onError below); discovery
	// must still report whatever it completed before cancellation, so it
	// is deliberately not propagated as a hard error here.
	_ = workerpool.Run(ctx, p.Workers, keys, func(ctx context.Context, key string) error {
		mu.Lock()
		summary.LookupCalls++
		mu.Unlock()

		var dues []string
		err := siscomex.RetryTransient(ctx, transientRetries, func() error {
			var err error
			dues, err = p.Fetcher.LookupDueNumbers(ctx, key)
			return err
		})
		if err != nil {
			return err
		}
		// spec.md §9 open question: the upstream sometimes returns more
		// than one DUE for an invoice; we record every one returned
		// rather than only the first, since dropping data silently would
		// be worse than the ambiguity the spec flags as unresolved.
		mu.Lock()
		for _, due := range dues {
			dueToInvoices[due] = append(dueToInvoices[due], key)
		}
		mu.Unlock()
		return nil
	}, func(key string, err error) {
		log.Warn().Err(err).Str("invoice_key", key).Msg("due lookup failed")
		summary.recordError(err)
	})

	summary.DuesFound += len(dueToInvoices)
	return dueToInvoices, nil
}

func (p *Pipeline) fetchAndPersist(ctx context.Context, dueToInvoices map[string][]string, summary *Summary) {
	dues := make([]string, 0, len(dueToInvoices))
	for due := range dueToInvoices {
		dues = append(dues, due)
	}

	flushCount := 0
	var mu sync.Mutex

	_ = workerpool.Run(ctx, p.Workers, dues, func(ctx context.Context, due string) error {
		var result normalizer.Result
		err := siscomex.RetryTransient(ctx, transientRetries, func() error {
			var err error
			result, err = p.Fetcher.FullFetch(ctx, due)
			return err
		})
		if err != nil {
			return err
		}

		err = p.Store.Scoped(ctx, func(tx pgx.Tx) error {
			if err := p.Store.UpsertDuePrincipal(ctx, tx, result.Principal); err != nil {
				return err
			}
			return store.ReplaceChildren(ctx, tx, due, result)
		})
		if err != nil {
			return err
		}

		// The link rows are deliberately not written inside the transaction
		// above: they're batch-flushed across many DUEs (linkFlushBatch) per
		// spec.md §4.7, while principal+children are one transaction per DUE
		// per spec.md §4.4. A reader can observe a persisted DUE with no
		// link row yet mid-run; a crash before the next flush loses only
		// the link (re-derivable from the same lookup), never the DUE data.
		for _, invoiceKey := range dueToInvoices[due] {
			p.Cache.Remember(invoiceKey, due)
		}

		mu.Lock()
		summary.Persisted++
		flushCount++
		shouldFlush := flushCount >= linkFlushBatch
		if shouldFlush {
			flushCount = 0
		}
		mu.Unlock()

		if shouldFlush {
			if err := p.Store.UpsertLinks(ctx, p.Cache.Pending()); err != nil {
				return err
			}
		}
		return nil
	}, func(due string, err error) {
		log.Warn().Err(err).Str("due_number", due).Msg("due fetch/persist failed")
		mu.Lock()
		summary.recordError(err)
		mu.Unlock()
	})
}
