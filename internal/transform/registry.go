package transform

import (
	"fmt"
	"strings"

	"github.com/opencnpj/cnpjsync/internal/document"
)

// Registry maps the Receita Federal CNPJ tables to the published document.
type Registry struct{}

// NewRegistry returns the default registry mapping.
func NewRegistry() *Registry {
	return &Registry{}
}

var _ Transform = (*Registry)(nil)

// Tables returns the view bindings the export queries read from.
func (r *Registry) Tables() []View {
	views := make([]View, 0, len(csvTables))
	for _, t := range csvTables {
		if t.Partitioned {
			views = append(views, View{Name: t.Name, Glob: t.Name + "/**/*.parquet"})
		} else {
			views = append(views, View{Name: t.Name, Glob: t.Name + ".parquet"})
		}
	}
	return views
}

// CSVTables returns the CSV conversion layout.
func (r *Registry) CSVTables() []CSVTable {
	out := make([]CSVTable, len(csvTables))
	copy(out, csvTables)
	return out
}

// ExtractedPatterns returns the file patterns whose presence means the raw
// archives were already extracted.
func (r *Registry) ExtractedPatterns() []string {
	patterns := make([]string, 0, len(csvTables))
	for _, t := range csvTables {
		patterns = append(patterns, t.Pattern)
	}
	return patterns
}

var csvTables = []CSVTable{
	{Name: "empresa", Pattern: "*EMPRECSV*", Partitioned: true, Columns: []string{
		"cnpj_basico", "razao_social", "natureza_juridica",
		"qualificacao_responsavel", "capital_social", "porte_empresa", "ente_federativo",
	}},
	{Name: "estabelecimento", Pattern: "*ESTABELE*", Partitioned: true, Columns: []string{
		"cnpj_basico", "cnpj_ordem", "cnpj_dv", "identificador_matriz_filial",
		"nome_fantasia", "situacao_cadastral", "data_situacao_cadastral",
		"motivo_situacao_cadastral", "nome_cidade_exterior", "codigo_pais",
		"data_inicio_atividade", "cnae_principal", "cnaes_secundarios",
		"tipo_logradouro", "logradouro", "numero", "complemento", "bairro",
		"cep", "uf", "codigo_municipio", "ddd1", "telefone1", "ddd2",
		"telefone2", "ddd_fax", "fax", "correio_eletronico", "situacao_especial",
		"data_situacao_especial",
	}},
	{Name: "socio", Pattern: "*SOCIOCSV*", Partitioned: true, Columns: []string{
		"cnpj_basico", "identificador_socio", "nome_socio", "cnpj_cpf_socio",
		"qualificacao_socio", "data_entrada_sociedade", "codigo_pais",
		"representante_legal", "nome_representante", "qualificacao_representante",
		"faixa_etaria",
	}},
	{Name: "simples", Pattern: "*SIMPLES*", Partitioned: true, Columns: []string{
		"cnpj_basico", "opcao_simples", "data_opcao_simples",
		"data_exclusao_simples", "opcao_mei", "data_opcao_mei",
		"data_exclusao_mei",
	}},
	{Name: "cnae", Pattern: "*CNAECSV*", Columns: []string{"codigo", "descricao"}},
	{Name: "motivo", Pattern: "*MOTICSV*", Columns: []string{"codigo", "descricao"}},
	{Name: "municipio", Pattern: "*MUNICCSV*", Columns: []string{"codigo", "descricao"}},
	{Name: "natureza", Pattern: "*NATJUCSV*", Columns: []string{"codigo", "descricao"}},
	{Name: "pais", Pattern: "*PAISCSV*", Columns: []string{"codigo", "descricao"}},
	{Name: "qualificacao", Pattern: "*QUALSCSV*", Columns: []string{"codigo", "descricao"}},
}

// ShardQuery implements Transform.
func (r *Registry) ShardQuery(shard string) string {
	return buildQuery(
		"s.cnpj_prefix = "+quote(shard),
		"e.cnpj_prefix = "+quote(shard),
		false,
	)
}

// ArchiveQuery implements Transform.
func (r *Registry) ArchiveQuery(shard string) string {
	return buildQuery(
		"s.cnpj_prefix = "+quote(shard),
		"e.cnpj_prefix = "+quote(shard),
		true,
	)
}

// EntityQuery implements Transform. The id resolves to its shard, which
// prunes the scan to one partition, and is split into its basico (8),
// ordem (4) and dv (2) parts.
func (r *Registry) EntityQuery(id string) string {
	if len(id) != 14 {
		// Matches nothing rather than everything.
		return buildQuery("false", "false", false)
	}
	shard := quote(document.ShardOf(id))
	basico, ordem, dv := id[:8], id[8:12], id[12:]
	return buildQuery(
		fmt.Sprintf("s.cnpj_prefix = %s AND s.cnpj_basico = %s", shard, quote(basico)),
		fmt.Sprintf("e.cnpj_prefix = %s AND e.cnpj_basico = %s AND e.cnpj_ordem = %s AND e.cnpj_dv = %s",
			shard, quote(basico), quote(ordem), quote(dv)),
		false,
	)
}

// CountQuery implements Transform.
func (r *Registry) CountQuery() string {
	return "SELECT COUNT(*) FROM estabelecimento"
}

// RichSampleQueries implements Transform: one query for entities enrolled in
// the simples regime and one for entities with registered partners.
func (r *Registry) RichSampleQueries(perKind int) []string {
	if perKind <= 0 {
		return nil
	}
	return []string{
		fmt.Sprintf(`SELECT e.cnpj_basico || e.cnpj_ordem || e.cnpj_dv AS cnpj
FROM estabelecimento e
INNER JOIN simples s ON e.cnpj_basico = s.cnpj_basico
ORDER BY random() LIMIT %d`, perKind),
		fmt.Sprintf(`SELECT e.cnpj_basico || e.cnpj_ordem || e.cnpj_dv AS cnpj
FROM estabelecimento e
INNER JOIN socio so ON e.cnpj_basico = so.cnpj_basico
ORDER BY random() LIMIT %d`, perKind),
	}
}

// RandomSampleQuery implements Transform.
func (r *Registry) RandomSampleQuery(limit int) string {
	if limit < 1 {
		limit = 1
	}
	return fmt.Sprintf(`SELECT DISTINCT e.cnpj_basico || e.cnpj_ordem || e.cnpj_dv AS cnpj
FROM estabelecimento e
ORDER BY random() LIMIT %d`, limit)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func isoDate(col string) string {
	return fmt.Sprintf(`CASE
            WHEN %[1]s ~ '^[0-9]{8}$'
            THEN SUBSTRING(%[1]s, 1, 4) || '-' || SUBSTRING(%[1]s, 5, 2) || '-' || SUBSTRING(%[1]s, 7, 2)
            ELSE COALESCE(%[1]s, '')
        END`, col)
}

func phone(ddd, number string, fax bool) string {
	return fmt.Sprintf(`CASE WHEN %[1]s IS NOT NULL OR %[2]s IS NOT NULL
                THEN struct_pack(ddd := COALESCE(%[1]s, ''), numero := COALESCE(%[2]s, ''), is_fax := %[3]t)
                ELSE NULL
            END`, ddd, number, fax)
}

func documentFields() string {
	return `cnpj := e.cnpj_basico || e.cnpj_ordem || e.cnpj_dv,
        razao_social := COALESCE(emp.razao_social, ''),
        nome_fantasia := COALESCE(e.nome_fantasia, ''),
        situacao_cadastral := CASE LPAD(e.situacao_cadastral, 2, '0')
            WHEN '01' THEN 'Nula'
            WHEN '02' THEN 'Ativa'
            WHEN '03' THEN 'Suspensa'
            WHEN '04' THEN 'Inapta'
            WHEN '08' THEN 'Baixada'
            ELSE e.situacao_cadastral
        END,
        data_situacao_cadastral := ` + isoDate("e.data_situacao_cadastral") + `,
        matriz_filial := CASE e.identificador_matriz_filial
            WHEN '1' THEN 'Matriz'
            WHEN '2' THEN 'Filial'
            ELSE e.identificador_matriz_filial
        END,
        data_inicio_atividade := ` + isoDate("e.data_inicio_atividade") + `,
        cnae_principal := COALESCE(e.cnae_principal, ''),
        cnaes_secundarios := CASE
            WHEN e.cnaes_secundarios IS NOT NULL AND e.cnaes_secundarios != ''
            THEN string_split(e.cnaes_secundarios, ',')
            ELSE []
        END,
        natureza_juridica := COALESCE(nat.descricao, ''),
        logradouro := COALESCE(e.logradouro, ''),
        numero := COALESCE(e.numero, ''),
        complemento := COALESCE(e.complemento, ''),
        bairro := COALESCE(e.bairro, ''),
        cep := COALESCE(e.cep, ''),
        uf := COALESCE(e.uf, ''),
        municipio := COALESCE(mun.descricao, ''),
        email := COALESCE(e.correio_eletronico, ''),
        telefones := list_filter([
            ` + phone("e.ddd1", "e.telefone1", false) + `,
            ` + phone("e.ddd2", "e.telefone2", false) + `,
            ` + phone("e.ddd_fax", "e.fax", true) + `
        ], x -> x IS NOT NULL),
        capital_social := COALESCE(emp.capital_social, ''),
        porte_empresa := CASE emp.porte_empresa
            WHEN '00' THEN 'Não informado'
            WHEN '01' THEN 'Microempresa (ME)'
            WHEN '03' THEN 'Empresa de Pequeno Porte (EPP)'
            WHEN '05' THEN 'Demais'
            ELSE COALESCE(emp.porte_empresa, '')
        END,
        opcao_simples := COALESCE(s.opcao_simples, ''),
        data_opcao_simples := ` + isoDate("s.data_opcao_simples") + `,
        opcao_mei := COALESCE(s.opcao_mei, ''),
        data_opcao_mei := ` + isoDate("s.data_opcao_mei") + `,
        QSA := COALESCE(sd.qsa_data, [])`
}

func partnerFields() string {
	return `nome_socio := COALESCE(s.nome_socio, ''),
            cnpj_cpf_socio := COALESCE(s.cnpj_cpf_socio, ''),
            qualificacao_socio := COALESCE(qs.descricao, ''),
            data_entrada_sociedade := ` + isoDate("s.data_entrada_sociedade") + `,
            identificador_socio := CASE s.identificador_socio
                WHEN '1' THEN 'Pessoa Jurídica'
                WHEN '2' THEN 'Pessoa Física'
                WHEN '3' THEN 'Estrangeiro'
                ELSE COALESCE(s.identificador_socio, '')
            END,
            faixa_etaria := CASE s.faixa_etaria
                WHEN '0' THEN 'Não se aplica'
                WHEN '1' THEN '0 a 12 anos'
                WHEN '2' THEN '13 a 20 anos'
                WHEN '3' THEN '21 a 30 anos'
                WHEN '4' THEN '31 a 40 anos'
                WHEN '5' THEN '41 a 50 anos'
                WHEN '6' THEN '51 a 60 anos'
                WHEN '7' THEN '61 a 70 anos'
                WHEN '8' THEN '71 a 80 anos'
                WHEN '9' THEN 'Mais de 80 anos'
                ELSE COALESCE(s.faixa_etaria, '')
            END`
}

// buildQuery assembles the document query. partnerFilter restricts the
// partner aggregation, entityFilter the establishments.
func buildQuery(partnerFilter, entityFilter string, withID bool) string {
	selectCols := "to_json(struct_pack(\n        " + documentFields() + "\n    )) AS json_output"
	if withID {
		// Row readers get the document as text, not as a JSON value.
		selectCols = "e.cnpj_basico || e.cnpj_ordem || e.cnpj_dv AS cnpj,\n    CAST(to_json(struct_pack(\n        " +
			documentFields() + "\n    )) AS VARCHAR) AS json_output"
	}

	return `WITH socios_data AS (
    SELECT
        s.cnpj_basico,
        array_agg(struct_pack(
            ` + partnerFields() + `
        )) AS qsa_data
    FROM socio s
    LEFT JOIN qualificacao qs ON s.qualificacao_socio = qs.codigo
    WHERE ` + partnerFilter + `
    GROUP BY s.cnpj_basico
)
SELECT ` + selectCols + `
FROM estabelecimento e
LEFT JOIN empresa emp ON e.cnpj_basico = emp.cnpj_basico
LEFT JOIN simples s ON e.cnpj_basico = s.cnpj_basico
LEFT JOIN natureza nat ON emp.natureza_juridica = nat.codigo
LEFT JOIN municipio mun ON e.codigo_municipio = mun.codigo
LEFT JOIN socios_data sd ON e.cnpj_basico = sd.cnpj_basico
WHERE ` + entityFilter
}
