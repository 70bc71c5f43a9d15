package normalizer

import (
	"fmt"

	"github.com/N1XSS/controle-siscomex-test/internal/jsonutil"
)

// Aux bundles the optional auxiliary payloads, present only when the
// corresponding FETCH_* feature flag is enabled (spec.md §6).
type Aux struct {
	Suspension *ConcessionaryActsPayload
	Exemption  *ConcessionaryActsPayload
	Fiscal     *FiscalRequirementsPayload
}

// Normalize turns one principal DUE payload, plus whichever auxiliary
// payloads were fetched, into row batches ready for Store. It performs no
// I/O and mutates nothing it was given; calling it twice with identical
// arguments produces byte-identical output.
func Normalize(p PrincipalPayload, aux Aux) (Result, error) {
	revision, err := jsonutil.ParseTimestamp(p.RegisteredAt)
	if err != nil {
		return Result{}, fmt.Errorf("normalize %s: %w", p.Number, err)
	}

	r := Result{
		Principal: DuePrincipalRow{
			DueNumber:      p.Number,
			Situation:      p.Situation,
			RemoteRevision: revision,
		},
	}

	for _, it := range p.Items {
		row, err := normalizeItem(p.Number, it)
		if err != nil {
			return Result{}, err
		}
		r.Items = append(r.Items, row)

		for _, a := range it.Attributes {
			r.ItemAttributes = append(r.ItemAttributes, ItemAttributeRow{
				DueNumber: p.Number, ItemIndex: it.Index, Code: a.Code, Value: a.Value,
			})
		}
		for _, imp := range it.Imports {
			r.ItemImports = append(r.ItemImports, ItemImportRow{
				DueNumber: p.Number, ItemIndex: it.Index,
				ImportDeclarationNumber: imp.ImportDeclarationNumber, Quantity: imp.Quantity,
			})
		}
		for _, tr := range it.Transforms {
			r.ItemTransforms = append(r.ItemTransforms, ItemTransformRow{
				DueNumber: p.Number, ItemIndex: it.Index,
				ProcessNumber: tr.ProcessNumber, Description: tr.Description,
			})
		}
		for _, tb := range it.TaxBrackets {
			r.ItemTaxBrackets = append(r.ItemTaxBrackets, ItemTaxBracketRow{
				DueNumber: p.Number, ItemIndex: it.Index, Code: tb.Code, Description: tb.Description,
			})
		}
		for _, n := range it.Notes {
			r.ItemNotes = append(r.ItemNotes, ItemNoteRow{
				DueNumber: p.Number, ItemIndex: it.Index, Text: n.Text,
			})
		}
		for _, d := range it.Destinations {
			r.ItemDestinations = append(r.ItemDestinations, ItemDestinationRow{
				DueNumber: p.Number, ItemIndex: it.Index, CountryCode: d.CountryCode, Use: d.Use,
			})
		}
		for seq, at := range it.AdminTreatments {
			r.ItemAdminTreatments = append(r.ItemAdminTreatments, ItemAdminTreatmentRow{
				DueNumber: p.Number, ItemIndex: it.Index, TreatmentSeq: seq,
				Code: at.Code, Status: at.Status,
			})
			for _, ag := range at.Agencies {
				r.ItemTreatmentAgencies = append(r.ItemTreatmentAgencies, ItemAdminTreatmentAgencyRow{
					DueNumber: p.Number, ItemIndex: it.Index, TreatmentSeq: seq,
					AgencyCode: ag.AgencyCode, Decision: ag.Decision,
				})
			}
		}
	}

	for _, ev := range p.Events {
		ts, err := jsonutil.ParseTimestamp(ev.Timestamp)
		if err != nil {
			return Result{}, fmt.Errorf("normalize %s: event history: %w", p.Number, err)
		}
		r.Events = append(r.Events, DueEventRow{
			DueNumber: p.Number, Timestamp: ts, Event: ev.Event,
			Responsible: ev.Responsible, AdditionalInfo: ev.AdditionalInfo,
		})
	}

	for _, req := range p.Requests {
		ts, err := jsonutil.ParseTimestamp(req.RequestedAt)
		if err != nil {
			return Result{}, fmt.Errorf("normalize %s: request %s: %w", p.Number, req.ID, err)
		}
		r.Requests = append(r.Requests, DueRequestRow{
			DueNumber: p.Number, RequestID: req.ID, Type: req.Type,
			Status: req.Status, RequestedAt: ts,
		})
	}

	for _, td := range p.Tributary {
		r.Tributary = append(r.Tributary, DueTributaryDeclarationRow{
			DueNumber: p.Number, DeclarationNumber: td.DeclarationNumber,
			Type: td.Type, Value: td.Value,
		})
	}

	for _, cs := range p.CargoStates {
		ts, err := jsonutil.ParseTimestamp(cs.OccurredAt)
		if err != nil {
			return Result{}, fmt.Errorf("normalize %s: cargo situation: %w", p.Number, err)
		}
		r.CargoSituations = append(r.CargoSituations, DueCargoSituationRow{
			DueNumber: p.Number, Situation: cs.Situation, OccurredAt: ts, Location: cs.Location,
		})
	}

	if aux.Suspension != nil {
		rows, err := normalizeActs(p.Number, aux.Suspension.Acts)
		if err != nil {
			return Result{}, err
		}
		r.SuspensionActs = rows
	}
	if aux.Exemption != nil {
		rows, err := normalizeActs(p.Number, aux.Exemption.Acts)
		if err != nil {
			return Result{}, err
		}
		r.ExemptionActs = rows
	}
	if aux.Fiscal != nil {
		for _, fr := range aux.Fiscal.Requirements {
			deadline, err := jsonutil.ParseOptionalTimestamp(fr.Deadline)
			if err != nil {
				return Result{}, fmt.Errorf("normalize %s: fiscal requirement %s: %w", p.Number, fr.Code, err)
			}
			r.FiscalReqs = append(r.FiscalReqs, DueFiscalRequirementRow{
				DueNumber: p.Number, Code: fr.Code, Description: fr.Description,
				Status: fr.Status, Deadline: deadline,
			})
		}
	}

	return r, nil
}

func normalizeItem(dueNumber string, it ItemPayload) (DueItemRow, error) {
	return DueItemRow{
		DueNumber:              dueNumber,
		ItemIndex:              it.Index,
		NCM:                    it.NCM,
		Description:            it.Description,
		Quantity:               it.Quantity,
		Unit:                   it.Unit,
		ValueUSD:               it.ValueUSD,
		ExporterDocumentType:   it.Exporter.DocumentType,
		ExporterDocumentNumber: it.Exporter.DocumentNumber,
	}, nil
}

// NormalizeSuspensionActs normalizes a standalone bonded-suspension-acts
// payload, used by RefreshPipeline's targeted refresh-bonded-acts variant
// (spec.md §4.8) which replaces only this one child table without
// touching the rest of the DUE.
func NormalizeSuspensionActs(dueNumber string, payload ConcessionaryActsPayload) ([]DueConcessionaryActRow, error) {
	return normalizeActs(dueNumber, payload.Acts)
}

// NormalizeExemptionActs is NormalizeSuspensionActs' counterpart for the
// exemption-acts subpayload.
func NormalizeExemptionActs(dueNumber string, payload ConcessionaryActsPayload) ([]DueConcessionaryActRow, error) {
	return normalizeActs(dueNumber, payload.Acts)
}

func normalizeActs(dueNumber string, acts []ConcessionaryActPayload) ([]DueConcessionaryActRow, error) {
	rows := make([]DueConcessionaryActRow, 0, len(acts))
	for _, a := range acts {
		validUntil, err := jsonutil.ParseOptionalTimestamp(a.ValidUntil)
		if err != nil {
			return nil, fmt.Errorf("normalize %s: concessionary act %s: %w", dueNumber, a.ActNumber, err)
		}
		rows = append(rows, DueConcessionaryActRow{
			DueNumber: dueNumber, ActNumber: a.ActNumber, Regime: a.Regime, ValidUntil: validUntil,
		})
	}
	return rows, nil
}
