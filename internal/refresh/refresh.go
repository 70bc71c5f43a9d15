// Package refresh implements spec.md §4.8's RefreshPipeline: keep stored
// DUEs current with minimal upstream traffic by probing revision before
// paying for a full fetch.
package refresh

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/N1XSS/controle-siscomex-test/internal/duefetch"
	"github.com/N1XSS/controle-siscomex-test/internal/jsonutil"
	"github.com/N1XSS/controle-siscomex-test/internal/normalizer"
	"github.com/N1XSS/controle-siscomex-test/internal/siscomex"
	"github.com/N1XSS/controle-siscomex-test/internal/siscomexerr"
	"github.com/N1XSS/controle-siscomex-test/internal/store"
	"github.com/N1XSS/controle-siscomex-test/internal/workerpool"
)

// transientRetries is spec.md §7's "retry up to 2 times" for Transient
// errors inside the same pipeline step, before the DUE is skipped.
const transientRetries = 2

// Summary tallies one run's outcome for the orchestrator's final report.
type Summary struct {
	ProbesRun     int
	FullFetches   int
	Unchanged     int
	Skipped       int
	ErrorsByKind  map[siscomexerr.Kind]int
}

func newSummary() Summary {
	return Summary{ErrorsByKind: make(map[siscomexerr.Kind]int)}
}

func (s *Summary) recordError(err error) {
	s.Skipped++
	s.ErrorsByKind[siscomexerr.KindOf(err)]++
}

// Partitions names the three disjoint DUE situation sets from spec.md §3.
type Partitions struct {
	Pending   []string
	Settled   []string
	Cancelled []string
}

// Pipeline runs the refresh protocol.
type Pipeline struct {
	Store      *store.Store
	Fetcher    *duefetch.Fetcher
	Workers    int
	Partitions Partitions
	Staleness  time.Duration
	Now        func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run executes one refresh pass, capped to at most limit candidate DUEs.
// Per spec.md §3/§4.8: Cancelled DUEs are never refreshed and issue zero
// upstream calls; Pending DUEs are always refreshed; Settled DUEs are
// refreshed only when stale enough to warrant a revision probe.
func (p *Pipeline) Run(ctx context.Context, limit int) (Summary, error) {
	summary := newSummary()

	staleBefore := p.now().Add(-p.Staleness)

	var candidates []string
	if len(p.Partitions.Pending) > 0 {
		pending, err := p.Store.SelectRefreshCandidates(ctx, p.Partitions.Pending, p.now().Add(time.Hour), limit)
		if err != nil {
			return summary, err
		}
		candidates = append(candidates, pending...)
	}
	if remaining := limit - len(candidates); remaining > 0 && len(p.Partitions.Settled) > 0 {
		settled, err := p.Store.SelectRefreshCandidates(ctx, p.Partitions.Settled, staleBefore, remaining)
		if err != nil {
			return summary, err
		}
		candidates = append(candidates, settled...)
	}

	_ = workerpool.Run(ctx, p.Workers, candidates, func(ctx context.Context, due string) error {
		return p.refreshOne(ctx, due, &summary)
	}, func(due string, err error) {
		log.Warn().Err(err).Str("due_number", due).Msg("refresh failed")
		summary.recordError(err)
	})

	return summary, nil
}

func (p *Pipeline) refreshOne(ctx context.Context, due string, summary *Summary) error {
	summary.ProbesRun++
	var probe duefetch.RevisionProbe
	err := siscomex.RetryTransient(ctx, transientRetries, func() error {
		var err error
		probe, err = p.Fetcher.ProbeRevision(ctx, due)
		return err
	})
	if err != nil {
		return err
	}

	upstreamRevision, err := jsonutil.ParseTimestamp(probe.RegisteredAt)
	if err != nil {
		return siscomexerr.New(siscomexerr.KindNormalizer, "parse-revision-probe", due, err)
	}

	storedRevision, ok, err := p.Store.GetDueRevision(ctx, due)
	if err != nil {
		return err
	}

	switch {
	case !ok || upstreamRevision.After(storedRevision):
		return p.fullRefresh(ctx, due, summary)
	case upstreamRevision.Equal(storedRevision):
		summary.Unchanged++
		return p.Store.MarkSynced(ctx, due, p.now())
	default:
		// Older upstream revision than stored: unexpected, don't overwrite.
		log.Warn().Str("due_number", due).
			Time("stored", storedRevision).Time("upstream", upstreamRevision).
			Msg("upstream revision probe returned an older timestamp than stored; ignoring")
		return nil
	}
}

func (p *Pipeline) fullRefresh(ctx context.Context, due string, summary *Summary) error {
	var result normalizer.Result
	err := siscomex.RetryTransient(ctx, transientRetries, func() error {
		var err error
		result, err = p.Fetcher.FullFetch(ctx, due)
		return err
	})
	if err != nil {
		return err
	}
	if err := p.Store.Scoped(ctx, func(tx pgx.Tx) error {
		if err := p.Store.UpsertDuePrincipal(ctx, tx, result.Principal); err != nil {
			return err
		}
		return store.ReplaceChildren(ctx, tx, due, result)
	}); err != nil {
		return err
	}
	summary.FullFetches++
	return nil
}

// RefreshOne forces a full fetch of one DUE by number, bypassing
// candidate selection entirely (spec.md §4.8's "refresh one DUE by
// number" variant).
func (p *Pipeline) RefreshOne(ctx context.Context, due string) error {
	summary := newSummary()
	return p.fullRefresh(ctx, due, &summary)
}

// RefreshBondedActs replaces only the bonded-concessionary-acts child
// tables for each given DUE, without touching the rest of the DUE's rows
// (spec.md §4.8's targeted refresh-bonded-acts variant).
func (p *Pipeline) RefreshBondedActs(ctx context.Context, dues []string, suspension, exemption bool) (Summary, error) {
	summary := newSummary()
	_ = workerpool.Run(ctx, p.Workers, dues, func(ctx context.Context, due string) error {
		return p.Store.Scoped(ctx, func(tx pgx.Tx) error {
			if suspension {
				var rows []normalizer.DueConcessionaryActRow
				err := siscomex.RetryTransient(ctx, transientRetries, func() error {
					var err error
					rows, err = p.Fetcher.FetchSuspensionActsOnly(ctx, due)
					return err
				})
				if err != nil {
					return err
				}
				if err := store.ReplaceSuspensionActs(ctx, tx, due, rows); err != nil {
					return err
				}
			}
			if exemption {
				var rows []normalizer.DueConcessionaryActRow
				err := siscomex.RetryTransient(ctx, transientRetries, func() error {
					var err error
					rows, err = p.Fetcher.FetchExemptionActsOnly(ctx, due)
					return err
				})
				if err != nil {
					return err
				}
				if err := store.ReplaceExemptionActs(ctx, tx, due, rows); err != nil {
					return err
				}
			}
			return nil
		})
	}, func(due string, err error) {
		log.Warn().Err(err).Str("due_number", due).Msg("refresh-bonded-acts failed")
		summary.recordError(err)
	})
	summary.FullFetches = len(dues) - summary.Skipped
	return summary, nil
}
