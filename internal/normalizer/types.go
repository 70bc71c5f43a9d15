// Package normalizer implements spec.md §4.6: a pure transformation from
// one DUE JSON payload (plus up to three optional auxiliary payloads) into
// row batches keyed by destination table. It performs no I/O and touches
// no global state — the same input always yields byte-for-byte identical
// output.
package normalizer

import (
	"time"

	"github.com/shopspring/decimal"
)

// PrincipalPayload is the upstream's primary DUE document.
type PrincipalPayload struct {
	Number       string                       `json:"numero"`
	Situation    string                       `json:"situacao"`
	RegisteredAt string                       `json:"dataDeRegistro"`
	Items        []ItemPayload                `json:"itens"`
	Events       []EventPayload               `json:"historicoEventos"`
	Requests     []RequestPayload             `json:"solicitacoes"`
	Tributary    []TributaryDeclarationPayload `json:"declaracoesTributarias"`
	CargoStates  []CargoSituationPayload      `json:"situacoesCarga"`
}

// ItemPayload is one merchandise item within a DUE.
//
// item.exporter.name is documented by the upstream but never populated;
// it is deliberately absent from this struct per spec.md §4.6's decision.
type ItemPayload struct {
	Index           int                         `json:"numero"`
	NCM             string                      `json:"ncm"`
	Description     string                      `json:"descricao"`
	Quantity        *decimal.Decimal            `json:"quantidade"`
	Unit            string                      `json:"unidadeMedida"`
	ValueUSD        *decimal.Decimal            `json:"valorMercadoriaUSD"`
	Exporter        ExporterPayload             `json:"exportador"`
	Attributes      []AttributePayload          `json:"atributos"`
	Imports         []LinkedImportPayload       `json:"importacoesVinculadas"`
	Transforms      []TransformPayload          `json:"transformacoes"`
	TaxBrackets     []TaxBracketPayload         `json:"enquadramentosTributarios"`
	Notes           []NotePayload               `json:"notasComplementares"`
	Destinations    []DestinationPayload        `json:"destinacoes"`
	AdminTreatments []AdminTreatmentPayload     `json:"tratamentosAdministrativos"`
}

// ExporterPayload carries only the document type/number the upstream
// actually returns for the item's exporter.
type ExporterPayload struct {
	DocumentType   string `json:"tipoDocumento"`
	DocumentNumber string `json:"numeroDocumento"`
}

// EventPayload is one row of the DUE's event history. Only these four
// fields are ever populated upstream; "details"/"reason" are documented
// but never returned and are therefore not modeled here.
type EventPayload struct {
	Timestamp      string  `json:"timestamp"`
	Event          string  `json:"evento"`
	Responsible    string  `json:"responsavel"`
	AdditionalInfo *string `json:"informacaoAdicional"`
}

// RequestPayload is a DUE-level amendment/cancellation request.
type RequestPayload struct {
	ID          string `json:"id"`
	Type        string `json:"tipo"`
	Status      string `json:"situacao"`
	RequestedAt string `json:"dataSolicitacao"`
}

// TributaryDeclarationPayload is one declared tax/tributary entry.
type TributaryDeclarationPayload struct {
	DeclarationNumber string           `json:"numeroDeclaracao"`
	Type              string           `json:"tipo"`
	Value             *decimal.Decimal `json:"valor"`
}

// CargoSituationPayload is one cargo-handling status change.
type CargoSituationPayload struct {
	Situation  string `json:"situacao"`
	OccurredAt string `json:"dataOcorrencia"`
	Location   string `json:"local"`
}

// AttributePayload is a free-form item attribute (code/value pair).
type AttributePayload struct {
	Code  string `json:"codigo"`
	Value string `json:"valor"`
}

// LinkedImportPayload references an import declaration tied to this item.
type LinkedImportPayload struct {
	ImportDeclarationNumber string           `json:"numeroDI"`
	Quantity                *decimal.Decimal `json:"quantidade"`
}

// TransformPayload describes a processing/transformation applied to the
// item's underlying merchandise.
type TransformPayload struct {
	ProcessNumber string `json:"numeroProcesso"`
	Description   string `json:"descricao"`
}

// TaxBracketPayload is one tax-treatment bracket (enquadramento) applied
// to the item.
type TaxBracketPayload struct {
	Code        string `json:"codigo"`
	Description string `json:"descricao"`
}

// NotePayload is a free-text complementary note on the item.
type NotePayload struct {
	Text string `json:"texto"`
}

// DestinationPayload is a declared destination (country/final use) for the
// item.
type DestinationPayload struct {
	CountryCode string `json:"paisCodigo"`
	Use         string `json:"uso"`
}

// AdminTreatmentPayload is one administrative-treatment requirement on the
// item, together with the agencies that issued it.
type AdminTreatmentPayload struct {
	Code     string                       `json:"codigo"`
	Status   string                       `json:"situacao"`
	Agencies []AdminTreatmentAgencyPayload `json:"orgaosAnuentes"`
}

// AdminTreatmentAgencyPayload is one agency attached to an admin treatment.
type AdminTreatmentAgencyPayload struct {
	AgencyCode string `json:"codigoOrgao"`
	Decision   string `json:"decisao"`
}

// ConcessionaryActsPayload is the auxiliary document for bonded
// concessionary acts (suspension or exemption; same shape, different
// endpoint and destination table — see spec.md GLOSSARY).
type ConcessionaryActsPayload struct {
	Acts []ConcessionaryActPayload `json:"atos"`
}

// ConcessionaryActPayload is one bonded concessionary act.
type ConcessionaryActPayload struct {
	ActNumber  string `json:"numeroAto"`
	Regime     string `json:"regime"`
	ValidUntil string `json:"validoAte"`
}

// FiscalRequirementsPayload is the auxiliary document for fiscal
// requirements.
type FiscalRequirementsPayload struct {
	Requirements []FiscalRequirementPayload `json:"exigencias"`
}

// FiscalRequirementPayload is one fiscal requirement on the DUE.
type FiscalRequirementPayload struct {
	Code        string `json:"codigo"`
	Description string `json:"descricao"`
	Status      string `json:"situacao"`
	Deadline    string `json:"prazo"`
}

// --- Row types: one per destination table, per spec.md §3/§6. ---

const (
	TableDuePrincipal              = "due_principal"
	TableDueItens                  = "due_itens"
	TableDueEventosHistorico       = "due_eventos_historico"
	TableDueSolicitacoes           = "due_solicitacoes"
	TableDueDeclaracoesTributarias = "due_declaracoes_tributarias"
	TableDueSituacoesCarga         = "due_situacoes_carga"
	TableDueAtosSuspensao          = "due_atos_concessorios_suspensao"
	TableDueAtosIsencao            = "due_atos_concessorios_isencao"
	TableDueExigenciasFiscais      = "due_exigencias_fiscais"
	TableItemAtributos             = "due_item_atributos"
	TableItemImportacoes           = "due_item_importacoes_vinculadas"
	TableItemTransformacoes        = "due_item_transformacoes"
	TableItemEnquadramentos        = "due_item_enquadramentos_tributarios"
	TableItemNotas                 = "due_item_notas_complementares"
	TableItemDestinacoes           = "due_item_destinacoes"
	TableItemTratamentos           = "due_item_tratamentos_administrativos"
	TableItemTratamentosOrgaos     = "due_item_tratamentos_administrativos_orgaos"
)

// DuePrincipalRow is the authoritative record for one DUE.
type DuePrincipalRow struct {
	DueNumber      string
	Situation      string
	RemoteRevision time.Time
}

// DueItemRow is one merchandise item, ordered by ItemIndex within a DUE.
type DueItemRow struct {
	DueNumber              string
	ItemIndex              int
	NCM                    string
	Description            string
	Quantity               *decimal.Decimal
	Unit                   string
	ValueUSD               *decimal.Decimal
	ExporterDocumentType   string
	ExporterDocumentNumber string
}

// DueEventRow is one event-history entry.
type DueEventRow struct {
	DueNumber      string
	Timestamp      time.Time
	Event          string
	Responsible    string
	AdditionalInfo *string
}

// DueRequestRow is one DUE-level amendment/cancellation request.
type DueRequestRow struct {
	DueNumber   string
	RequestID   string
	Type        string
	Status      string
	RequestedAt time.Time
}

// DueTributaryDeclarationRow is one declared tax/tributary entry.
type DueTributaryDeclarationRow struct {
	DueNumber         string
	DeclarationNumber string
	Type              string
	Value             *decimal.Decimal
}

// DueCargoSituationRow is one cargo-handling status change.
type DueCargoSituationRow struct {
	DueNumber  string
	Situation  string
	OccurredAt time.Time
	Location   string
}

// DueConcessionaryActRow is one bonded concessionary act (suspension or
// exemption; which table it lands in is decided by the caller, not this
// struct).
type DueConcessionaryActRow struct {
	DueNumber  string
	ActNumber  string
	Regime     string
	ValidUntil *time.Time
}

// DueFiscalRequirementRow is one fiscal requirement on the DUE.
type DueFiscalRequirementRow struct {
	DueNumber   string
	Code        string
	Description string
	Status      string
	Deadline    *time.Time
}

// ItemAttributeRow is one item attribute (code/value pair).
type ItemAttributeRow struct {
	DueNumber string
	ItemIndex int
	Code      string
	Value     string
}

// ItemImportRow references an import declaration tied to an item.
type ItemImportRow struct {
	DueNumber               string
	ItemIndex               int
	ImportDeclarationNumber string
	Quantity                *decimal.Decimal
}

// ItemTransformRow describes a transformation applied to an item.
type ItemTransformRow struct {
	DueNumber     string
	ItemIndex     int
	ProcessNumber string
	Description   string
}

// ItemTaxBracketRow is one tax-treatment bracket applied to an item.
type ItemTaxBracketRow struct {
	DueNumber   string
	ItemIndex   int
	Code        string
	Description string
}

// ItemNoteRow is a free-text complementary note on an item.
type ItemNoteRow struct {
	DueNumber string
	ItemIndex int
	Text      string
}

// ItemDestinationRow is a declared destination for an item.
type ItemDestinationRow struct {
	DueNumber   string
	ItemIndex   int
	CountryCode string
	Use         string
}

// ItemAdminTreatmentRow is one administrative-treatment requirement on an
// item. TreatmentSeq lets ItemAdminTreatmentAgencyRow reference its parent
// within the same normalization pass (there is no upstream-assigned ID).
type ItemAdminTreatmentRow struct {
	DueNumber    string
	ItemIndex    int
	TreatmentSeq int
	Code         string
	Status       string
}

// ItemAdminTreatmentAgencyRow is one agency attached to an admin treatment.
type ItemAdminTreatmentAgencyRow struct {
	DueNumber    string
	ItemIndex    int
	TreatmentSeq int
	AgencyCode   string
	Decision     string
}

// Result is the full set of row batches produced by one normalization
// pass, keyed by destination table. Every DueNumber-bearing row carries
// the same DUE number; item-child rows additionally carry ItemIndex.
type Result struct {
	Principal      DuePrincipalRow
	Items          []DueItemRow
	Events         []DueEventRow
	Requests       []DueRequestRow
	Tributary      []DueTributaryDeclarationRow
	CargoSituations []DueCargoSituationRow
	SuspensionActs []DueConcessionaryActRow
	ExemptionActs  []DueConcessionaryActRow
	FiscalReqs     []DueFiscalRequirementRow

	ItemAttributes      []ItemAttributeRow
	ItemImports         []ItemImportRow
	ItemTransforms      []ItemTransformRow
	ItemTaxBrackets     []ItemTaxBracketRow
	ItemNotes           []ItemNoteRow
	ItemDestinations    []ItemDestinationRow
	ItemAdminTreatments []ItemAdminTreatmentRow
	ItemTreatmentAgencies []ItemAdminTreatmentAgencyRow
}

// Tables exposes the contract spec.md §4.6 literally asks for: a map from
// table name to an ordered list of rows. Store reads the typed fields on
// Result directly, so it needs no type assertions; Tables offers the same
// rows keyed by table name.
func (r Result) Tables() map[string]any {
	return map[string]any{
		TableDuePrincipal:              r.Principal,
		TableDueItens:                  r.Items,
		TableDueEventosHistorico:       r.Events,
		TableDueSolicitacoes:           r.Requests,
		TableDueDeclaracoesTributarias: r.Tributary,
		TableDueSituacoesCarga:         r.CargoSituations,
		TableDueAtosSuspensao:          r.SuspensionActs,
		TableDueAtosIsencao:            r.ExemptionActs,
		TableDueExigenciasFiscais:      r.FiscalReqs,
		TableItemAtributos:             r.ItemAttributes,
		TableItemImportacoes:           r.ItemImports,
		TableItemTransformacoes:        r.ItemTransforms,
		TableItemEnquadramentos:        r.ItemTaxBrackets,
		TableItemNotas:                 r.ItemNotes,
		TableItemDestinacoes:           r.ItemDestinations,
		TableItemTratamentos:           r.ItemAdminTreatments,
		TableItemTratamentosOrgaos:     r.ItemTreatmentAgencies,
	}
}
