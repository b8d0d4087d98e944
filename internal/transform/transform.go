// Package transform holds the record-shape mapping from the registry tables
// to the published entity document.
//
// The export and verification code never build SQL themselves; they ask a
// Transform for the query of a shard, of a single entity, of the bulk archive
// and of the verification sample. Registry is the mapping for the Receita
// Federal open-data layout.
package transform

// Transform produces the engine queries for the published document shape.
//
// Every document query yields one row per entity with a single JSON column
// named json_output; the archive query yields (cnpj, json_output). Output must
// be deterministic with stable key order so that unchanged entities serialize
// to identical bytes.
type Transform interface {
	// ShardQuery returns every entity whose id starts with shard.
	ShardQuery(shard string) string

	// EntityQuery returns the single entity with the given 14-digit id.
	EntityQuery(id string) string

	// ArchiveQuery returns (cnpj, json_output) for every entity of shard.
	ArchiveQuery(shard string) string

	// CountQuery returns a single integer: the number of published entities.
	CountQuery() string

	// RichSampleQueries returns queries yielding ids of entities that carry
	// the richer sub-records, perKind rows each.
	RichSampleQueries(perKind int) []string

	// RandomSampleQuery returns up to limit random distinct ids.
	RandomSampleQuery(limit int) string
}

// View binds an engine view name to a parquet glob relative to the parquet dir.
type View struct {
	Name string
	Glob string
}

// CSVTable describes how raw CSV files are converted into parquet.
type CSVTable struct {
	// Name is the table (and view) name.
	Name string
	// Pattern is the glob matched against extracted file names.
	Pattern string
	// Columns are read as VARCHAR in file order.
	Columns []string
	// Partitioned tables are written as <name>/cnpj_prefix=NN/*.parquet,
	// lookup tables as a single <name>.parquet.
	Partitioned bool
}

// PartitionColumn is the column partitioned tables are split on.
const PartitionColumn = "cnpj_prefix"
