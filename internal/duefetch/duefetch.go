// Package duefetch implements spec.md §4.9's full-fetch protocol: the
// shared sequence of upstream calls (principal + up to three optional
// auxiliary documents) that both DiscoveryPipeline and RefreshPipeline
// hand to the normalizer.
package duefetch

import (
	"context"
	"fmt"
	"sync"

	"github.com/N1XSS/controle-siscomex-test/internal/normalizer"
	"github.com/N1XSS/controle-siscomex-test/internal/siscomex"
	"github.com/N1XSS/controle-siscomex-test/internal/siscomexerr"
)

// Flags toggles the optional auxiliary calls, mirroring the
// FETCH_BONDED_SUSPENSION / FETCH_BONDED_EXEMPTION / FETCH_FISCAL_REQUIREMENTS
// configuration options.
type Flags struct {
	BondedSuspension   bool
	BondedExemption    bool
	FiscalRequirements bool
}

// RevisionProbe is the cheap GET response used by RefreshPipeline to
// decide whether a full fetch is warranted.
type RevisionProbe struct {
	Number         string `json:"numero"`
	Situation      string `json:"situacao"`
	RegisteredAt   string `json:"dataDeRegistro"`
}

// Fetcher issues the upstream calls the full-fetch protocol needs. It
// holds no state beyond the HttpClient it wraps.
type Fetcher struct {
	Client *siscomex.Client
	Flags  Flags
}

// New builds a Fetcher.
func New(client *siscomex.Client, flags Flags) *Fetcher {
	return &Fetcher{Client: client, Flags: flags}
}

// LookupDueNumbers resolves the DUE number(s) associated with an invoice
// key. An empty result is not an error (spec.md §4.7 step 3): the invoice
// simply has no export declaration yet.
func (f *Fetcher) LookupDueNumbers(ctx context.Context, invoiceKey string) ([]string, error) {
	var out []string
	if err := f.Client.Do(ctx, "GET", "/invoices/"+invoiceKey+"/due", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ProbeRevision performs the cheap GET used by RefreshPipeline's
// candidate selection.
func (f *Fetcher) ProbeRevision(ctx context.Context, dueNumber string) (RevisionProbe, error) {
	var out RevisionProbe
	if err := f.Client.Do(ctx, "GET", "/due/"+dueNumber+"/revision", nil, &out); err != nil {
		return RevisionProbe{}, err
	}
	return out, nil
}

// FullFetch runs steps 1-4 of spec.md §4.9: the principal payload plus
// whichever auxiliary payloads are enabled, and hands them to the
// normalizer. The principal is fetched first; the three auxiliary calls,
// when enabled, then run concurrently — each independently consumes one
// rate-gate slot, same as if run sequentially, but the per-DUE wall-clock
// cost drops to the principal call plus the slowest auxiliary call
// instead of the sum of all four.
func (f *Fetcher) FullFetch(ctx context.Context, dueNumber string) (normalizer.Result, error) {
	var principal normalizer.PrincipalPayload
	if err := f.Client.Do(ctx, "GET", "/due/"+dueNumber, nil, &principal); err != nil {
		return normalizer.Result{}, fmt.Errorf("fetch principal %s: %w", dueNumber, err)
	}

	var (
		aux     normalizer.Aux
		mu      sync.Mutex
		wg      sync.WaitGroup
		errOnce sync.Once
		auxErr  error
	)

	call := func(fn func() error) {
		defer wg.Done()
		if err := fn(); err != nil {
			errOnce.Do(func() { auxErr = err })
		}
	}

	if f.Flags.BondedSuspension {
		wg.Add(1)
		go call(func() error {
			var payload normalizer.ConcessionaryActsPayload
			if err := f.Client.Do(ctx, "GET", "/due/"+dueNumber+"/atos-suspensao", nil, &payload); err != nil {
				return fmt.Errorf("fetch suspension acts %s: %w", dueNumber, err)
			}
			mu.Lock()
			aux.Suspension = &payload
			mu.Unlock()
			return nil
		})
	}
	if f.Flags.BondedExemption {
		wg.Add(1)
		go call(func() error {
			var payload normalizer.ConcessionaryActsPayload
			if err := f.Client.Do(ctx, "GET", "/due/"+dueNumber+"/atos-isencao", nil, &payload); err != nil {
				return fmt.Errorf("fetch exemption acts %s: %w", dueNumber, err)
			}
			mu.Lock()
			aux.Exemption = &payload
			mu.Unlock()
			return nil
		})
	}
	if f.Flags.FiscalRequirements {
		wg.Add(1)
		go call(func() error {
			var payload normalizer.FiscalRequirementsPayload
			if err := f.Client.Do(ctx, "GET", "/due/"+dueNumber+"/exigencias-fiscais", nil, &payload); err != nil {
				return fmt.Errorf("fetch fiscal requirements %s: %w", dueNumber, err)
			}
			mu.Lock()
			aux.Fiscal = &payload
			mu.Unlock()
			return nil
		})
	}
	wg.Wait()
	if auxErr != nil {
		return normalizer.Result{}, auxErr
	}

	result, err := normalizer.Normalize(principal, aux)
	if err != nil {
		return normalizer.Result{}, siscomexerr.New(siscomexerr.KindNormalizer, "normalize", dueNumber, err)
	}
	return result, nil
}

// FetchSuspensionActsOnly retrieves and normalizes only the bonded
// suspension acts subpayload, for RefreshPipeline's targeted
// refresh-bonded-acts variant (spec.md §4.8).
func (f *Fetcher) FetchSuspensionActsOnly(ctx context.Context, dueNumber string) ([]normalizer.DueConcessionaryActRow, error) {
	var payload normalizer.ConcessionaryActsPayload
	if err := f.Client.Do(ctx, "GET", "/due/"+dueNumber+"/atos-suspensao", nil, &payload); err != nil {
		return nil, fmt.Errorf("fetch suspension acts %s: %w", dueNumber, err)
	}
	rows, err := normalizer.NormalizeSuspensionActs(dueNumber, payload)
	if err != nil {
		return nil, siscomexerr.New(siscomexerr.KindNormalizer, "normalize", dueNumber, err)
	}
	return rows, nil
}

// FetchExemptionActsOnly is FetchSuspensionActsOnly's counterpart for the
// bonded-exemption-acts subpayload.
func (f *Fetcher) FetchExemptionActsOnly(ctx context.Context, dueNumber string) ([]normalizer.DueConcessionaryActRow, error) {
	var payload normalizer.ConcessionaryActsPayload
	if err := f.Client.Do(ctx, "GET", "/due/"+dueNumber+"/atos-isencao", nil, &payload); err != nil {
		return nil, fmt.Errorf("fetch exemption acts %s: %w", dueNumber, err)
	}
	rows, err := normalizer.NormalizeExemptionActs(dueNumber, payload)
	if err != nil {
		return nil, siscomexerr.New(siscomexerr.KindNormalizer, "normalize", dueNumber, err)
	}
	return rows, nil
}
