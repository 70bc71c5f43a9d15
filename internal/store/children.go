package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/N1XSS/controle-siscomex-test/internal/normalizer"
	"github.com/N1XSS/controle-siscomex-test/internal/siscomexerr"
)

// childTables names the tables deleted and re-inserted by ReplaceChildren,
// in an order that respects no foreign-key dependency between them (every
// child table is keyed off due_number/item_index alone).
var childTables = []string{
	normalizer.TableDueItens,
	normalizer.TableDueEventosHistorico,
	normalizer.TableDueSolicitacoes,
	normalizer.TableDueDeclaracoesTributarias,
	normalizer.TableDueSituacoesCarga,
	normalizer.TableDueAtosSuspensao,
	normalizer.TableDueAtosIsencao,
	normalizer.TableDueExigenciasFiscais,
	normalizer.TableItemAtributos,
	normalizer.TableItemImportacoes,
	normalizer.TableItemTransformacoes,
	normalizer.TableItemEnquadramentos,
	normalizer.TableItemNotas,
	normalizer.TableItemDestinacoes,
	normalizer.TableItemTratamentos,
	normalizer.TableItemTratamentosOrgaos,
}

// ReplaceChildren deletes every existing child row for dueNumber and
// re-inserts the ones in result, inside the caller's transaction. A
// delete-then-insert replacement is correct here because the upstream
// always returns the full current state of a DUE, never a delta — there
// is nothing to merge.
func ReplaceChildren(ctx context.Context, tx pgx.Tx, dueNumber string, result normalizer.Result) error {
	for _, table := range childTables {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE due_number = $1`, dueNumber); err != nil {
			return siscomexerr.New(siscomexerr.KindStore, "delete-children:"+table, dueNumber, err)
		}
	}

	batch := &pgx.Batch{}
	n := 0

	for _, row := range result.Items {
		n++
		batch.Queue(`INSERT INTO due_itens
			(due_number, item_index, ncm, description, quantity, unit, value_usd, exporter_document_type, exporter_document_number)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			row.DueNumber, row.ItemIndex, row.NCM, row.Description, row.Quantity, row.Unit, row.ValueUSD,
			row.ExporterDocumentType, row.ExporterDocumentNumber)
	}
	for _, row := range result.Events {
		n++
		batch.Queue(`INSERT INTO due_eventos_historico
			(due_number, event_timestamp, event, responsible, additional_info)
			VALUES ($1,$2,$3,$4,$5)`,
			row.DueNumber, row.Timestamp, row.Event, row.Responsible, row.AdditionalInfo)
	}
	for _, row := range result.Requests {
		n++
		batch.Queue(`INSERT INTO due_solicitacoes
			(due_number, request_id, type, status, requested_at)
			VALUES ($1,$2,$3,$4,$5)`,
			row.DueNumber, row.RequestID, row.Type, row.Status, row.RequestedAt)
	}
	for _, row := range result.Tributary {
		n++
		batch.Queue(`INSERT INTO due_declaracoes_tributarias
			(due_number, declaration_number, type, value)
			VALUES ($1,$2,$3,$4)`,
			row.DueNumber, row.DeclarationNumber, row.Type, row.Value)
	}
	for _, row := range result.CargoSituations {
		n++
		batch.Queue(`INSERT INTO due_situacoes_carga
			(due_number, situation, occurred_at, location)
			VALUES ($1,$2,$3,$4)`,
			row.DueNumber, row.Situation, row.OccurredAt, row.Location)
	}
	for _, row := range result.SuspensionActs {
		n++
		batch.Queue(`INSERT INTO due_atos_concessorios_suspensao
			(due_number, act_number, regime, valid_until)
			VALUES ($1,$2,$3,$4)`,
			row.DueNumber, row.ActNumber, row.Regime, row.ValidUntil)
	}
	for _, row := range result.ExemptionActs {
		n++
		batch.Queue(`INSERT INTO due_atos_concessorios_isencao
			(due_number, act_number, regime, valid_until)
			VALUES ($1,$2,$3,$4)`,
			row.DueNumber, row.ActNumber, row.Regime, row.ValidUntil)
	}
	for _, row := range result.FiscalReqs {
		n++
		batch.Queue(`INSERT INTO due_exigencias_fiscais
			(due_number, code, description, status, deadline)
			VALUES ($1,$2,$3,$4,$5)`,
			row.DueNumber, row.Code, row.Description, row.Status, row.Deadline)
	}
	for _, row := range result.ItemAttributes {
		n++
		batch.Queue(`INSERT INTO due_item_atributos (due_number, item_index, code, value) VALUES ($1,$2,$3,$4)`,
			row.DueNumber, row.ItemIndex, row.Code, row.Value)
	}
	for _, row := range result.ItemImports {
		n++
		batch.Queue(`INSERT INTO due_item_importacoes_vinculadas
			(due_number, item_index, import_declaration_number, quantity)
			VALUES ($1,$2,$3,$4)`,
			row.DueNumber, row.ItemIndex, row.ImportDeclarationNumber, row.Quantity)
	}
	for _, row := range result.ItemTransforms {
		n++
		batch.Queue(`INSERT INTO due_item_transformacoes
			(due_number, item_index, process_number, description)
			VALUES ($1,$2,$3,$4)`,
			row.DueNumber, row.ItemIndex, row.ProcessNumber, row.Description)
	}
	for _, row := range result.ItemTaxBrackets {
		n++
		batch.Queue(`INSERT INTO due_item_enquadramentos_tributarios
			(due_number, item_index, code, description)
			VALUES ($1,$2,$3,$4)`,
			row.DueNumber, row.ItemIndex, row.Code, row.Description)
	}
	for _, row := range result.ItemNotes {
		n++
		batch.Queue(`INSERT INTO due_item_notas_complementares (due_number, item_index, text) VALUES ($1,$2,$3)`,
			row.DueNumber, row.ItemIndex, row.Text)
	}
	for _, row := range result.ItemDestinations {
		n++
		batch.Queue(`INSERT INTO due_item_destinacoes (due_number, item_index, country_code, use) VALUES ($1,$2,$3,$4)`,
			row.DueNumber, row.ItemIndex, row.CountryCode, row.Use)
	}
	for _, row := range result.ItemAdminTreatments {
		n++
		batch.Queue(`INSERT INTO due_item_tratamentos_administrativos
			(due_number, item_index, treatment_seq, code, status)
			VALUES ($1,$2,$3,$4,$5)`,
			row.DueNumber, row.ItemIndex, row.TreatmentSeq, row.Code, row.Status)
	}
	for _, row := range result.ItemTreatmentAgencies {
		n++
		batch.Queue(`INSERT INTO due_item_tratamentos_administrativos_orgaos
			(due_number, item_index, treatment_seq, agency_code, decision)
			VALUES ($1,$2,$3,$4,$5)`,
			row.DueNumber, row.ItemIndex, row.TreatmentSeq, row.AgencyCode, row.Decision)
	}

	if n == 0 {
		return nil
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return siscomexerr.New(siscomexerr.KindStore, "insert-children", dueNumber, err)
		}
	}
	return nil
}

// ReplaceSuspensionActs replaces only due_atos_concessorios_suspensao for
// one DUE, used by RefreshPipeline's targeted refresh-bonded-acts variant
// (spec.md §4.8) which must not touch any other child table.
func ReplaceSuspensionActs(ctx context.Context, tx pgx.Tx, dueNumber string, rows []normalizer.DueConcessionaryActRow) error {
	return replaceActsTable(ctx, tx, normalizer.TableDueAtosSuspensao, dueNumber, rows)
}

// ReplaceExemptionActs is ReplaceSuspensionActs' counterpart for
// due_atos_concessorios_isencao.
func ReplaceExemptionActs(ctx context.Context, tx pgx.Tx, dueNumber string, rows []normalizer.DueConcessionaryActRow) error {
	return replaceActsTable(ctx, tx, normalizer.TableDueAtosIsencao, dueNumber, rows)
}

func replaceActsTable(ctx context.Context, tx pgx.Tx, table, dueNumber string, rows []normalizer.DueConcessionaryActRow) error {
	if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE due_number = $1`, dueNumber); err != nil {
		return siscomexerr.New(siscomexerr.KindStore, "delete-children:"+table, dueNumber, err)
	}
	for _, row := range rows {
		if _, err := tx.Exec(ctx, `INSERT INTO `+table+` (due_number, act_number, regime, valid_until) VALUES ($1,$2,$3,$4)`,
			row.DueNumber, row.ActNumber, row.Regime, row.ValidUntil); err != nil {
			return siscomexerr.New(siscomexerr.KindStore, "insert-children:"+table, dueNumber, err)
		}
	}
	return nil
}
