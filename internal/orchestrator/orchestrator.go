// Package orchestrator implements spec.md §6's command surface: a small,
// single-threaded driver that selects a pipeline, enforces per-run caps,
// and prints a final summary.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/N1XSS/controle-siscomex-test/internal/discovery"
	"github.com/N1XSS/controle-siscomex-test/internal/refresh"
	"github.com/N1XSS/controle-siscomex-test/internal/siscomexerr"
	"github.com/N1XSS/controle-siscomex-test/internal/store"
)

// Orchestrator wires the two pipelines together and exposes the discrete
// commands spec.md §6 names.
type Orchestrator struct {
	Store     *store.Store
	Discovery *discovery.Pipeline
	Refresh   *refresh.Pipeline

	MaxDiscoveryPerRun int
	MaxRefreshPerRun   int
}

// Run dispatches one command and returns a process exit code: 0 on
// success, nonzero on fatal configuration/connectivity/store error, per
// spec.md §6. Per-DUE errors are reflected in the printed summary, never
// in the exit code.
func (o *Orchestrator) Run(ctx context.Context, out io.Writer, command string, args []string) int {
	switch command {
	case "discover-new":
		return o.runDiscovery(ctx, out)
	case "refresh-existing":
		return o.runRefresh(ctx, out)
	case "full":
		if code := o.runDiscovery(ctx, out); code != 0 {
			return code
		}
		return o.runRefresh(ctx, out)
	case "refresh-one":
		if len(args) != 1 {
			fmt.Fprintln(out, "usage: refresh-one DUE")
			return 2
		}
		return o.runRefreshOne(ctx, out, args[0])
	case "refresh-bonded-acts":
		return o.runRefreshBondedActs(ctx, out, args)
	case "status":
		return o.runStatus(ctx, out)
	default:
		fmt.Fprintf(out, "unknown command %q\n", command)
		return 2
	}
}

func (o *Orchestrator) runDiscovery(ctx context.Context, out io.Writer) int {
	summary, err := o.Discovery.Run(ctx, o.MaxDiscoveryPerRun)
	if abortsRun(err) {
		log.Error().Err(err).Msg("discover-new aborted")
		return 1
	}
	fmt.Fprintf(out, "discover-new: lookups=%d dues_found=%d persisted=%d skipped=%d errors=%s\n",
		summary.LookupCalls, summary.DuesFound, summary.Persisted, summary.Skipped, formatErrorKinds(summary.ErrorsByKind))
	if err != nil {
		log.Warn().Err(err).Msg("discover-new ended early")
	}
	return 0
}

func (o *Orchestrator) runRefresh(ctx context.Context, out io.Writer) int {
	summary, err := o.Refresh.Run(ctx, o.MaxRefreshPerRun)
	if abortsRun(err) {
		log.Error().Err(err).Msg("refresh-existing aborted")
		return 1
	}
	fmt.Fprintf(out, "refresh-existing: probes=%d unchanged=%d full_fetches=%d skipped=%d errors=%s\n",
		summary.ProbesRun, summary.Unchanged, summary.FullFetches, summary.Skipped, formatErrorKinds(summary.ErrorsByKind))
	return 0
}

func (o *Orchestrator) runRefreshOne(ctx context.Context, out io.Writer, due string) int {
	if err := o.Refresh.RefreshOne(ctx, due); err != nil {
		log.Error().Err(err).Str("due_number", due).Msg("refresh-one failed")
		fmt.Fprintf(out, "refresh-one %s: failed: %v\n", due, err)
		if abortsRun(err) {
			return 1
		}
		return 0
	}
	fmt.Fprintf(out, "refresh-one %s: ok\n", due)
	return 0
}

func (o *Orchestrator) runRefreshBondedActs(ctx context.Context, out io.Writer, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(out, "usage: refresh-bonded-acts DUE[,DUE...]")
		return 2
	}
	dues := strings.Split(args[0], ",")
	summary, err := o.Refresh.RefreshBondedActs(ctx, dues, true, true)
	if abortsRun(err) {
		log.Error().Err(err).Msg("refresh-bonded-acts aborted")
		return 1
	}
	fmt.Fprintf(out, "refresh-bonded-acts: requested=%d updated=%d skipped=%d errors=%s\n",
		len(dues), summary.FullFetches, summary.Skipped, formatErrorKinds(summary.ErrorsByKind))
	return 0
}

func (o *Orchestrator) runStatus(ctx context.Context, out io.Writer) int {
	counts, err := o.Store.Counts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("status failed")
		return 1
	}
	for table, n := range counts {
		fmt.Fprintf(out, "%s: %d\n", table, n)
	}
	return 0
}

// abortsRun reports whether err is one of the three kinds spec.md §7
// names as fatal for the whole run: Configuration, Authentication, Store.
func abortsRun(err error) bool {
	return err != nil && siscomexerr.KindOf(err).Aborts()
}

func formatErrorKinds(byKind map[siscomexerr.Kind]int) string {
	if len(byKind) == 0 {
		return "none"
	}
	var b strings.Builder
	first := true
	for kind, n := range byKind {
		if !first {
			b.WriteString(",")
		}
		first = false
		fmt.Fprintf(&b, "%s=%d", kind, n)
	}
	return b.String()
}
