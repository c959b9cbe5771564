// Package schema implements SchemaProjector: it maps a (possibly
// array-annotated) TableDef to SQLite DDL — scalar columns for scalars,
// TEXT (JSON) columns for detected arrays — under a per-source-file
// prefix, and builds the _schema/_resume bookkeeping tables.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haldane-data/tscore/internal/topspeed/arrayfield"
	"github.com/haldane-data/tscore/internal/topspeed/tabledef"
)

// Prefix namespaces a table, and every one of its indexes, by source file
// context. Every index name carries the same prefix as its table; an
// unprefixed index on a prefixed table collides across merged sources.
type Prefix string

const (
	PrefixNone Prefix = ""
	PrefixPHD  Prefix = "phd_"
	PrefixMOD  Prefix = "mod_"
)

// ArrayFieldRecord is the JSON shape stored in _schema.array_fields, the
// public round-trip contract consumers rely on. It intentionally
// carries less detail than arrayfield.ArrayFieldInfo (no raw FieldDef
// offsets) since it describes the column's logical shape, not its source
// byte layout.
type ArrayFieldRecord struct {
	Kind         string `json:"kind"`
	BaseName     string `json:"base_name"`
	Column       string `json:"column"`
	ElementType  string `json:"element_type"`
	ElementCount int    `json:"element_count"`
}

// Plan is SchemaProjector's output: the DDL needed to create one table and
// its indexes, the column order RecordDecoder must match row-for-row, and
// the metadata recorded into _schema.
type Plan struct {
	TableName       string
	Columns         []arrayfield.Column
	CreateTable     string
	CreateIndexes   []string
	ArrayFieldsJSON string
	TableDefJSON    string
}

// Project maps def (annotated by infos) to SQLite DDL under prefix.
// tableName is the table's logical name without any prefix.
func Project(def *tabledef.TableDef, infos []arrayfield.ArrayFieldInfo, tableName string, prefix Prefix) (*Plan, error) {
	cols := arrayfield.Columns(def, infos)
	fullName := string(prefix) + tableName

	colDefs := make([]string, len(cols))
	for i, c := range cols {
		colDefs[i] = fmt.Sprintf("%s %s", QuoteIdent(c.Name), sqlType(c))
	}
	// IF NOT EXISTS keeps a resume run from tripping over the tables an
	// interrupted run already created.
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", QuoteIdent(fullName), strings.Join(colDefs, ",\n  "))

	var indexes []string
	for _, idx := range def.Indexes {
		idxName := string(prefix) + idx.Name
		idxCols := make([]string, len(idx.Fields))
		for i, f := range idx.Fields {
			idxCols[i] = QuoteIdent(f)
		}
		indexes = append(indexes, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			QuoteIdent(idxName), QuoteIdent(fullName), strings.Join(idxCols, ", ")))
	}

	arrayJSON, err := arrayFieldsJSON(infos)
	if err != nil {
		return nil, err
	}
	defJSON, err := tableDefJSON(def)
	if err != nil {
		return nil, err
	}

	return &Plan{
		TableName:       fullName,
		Columns:         cols,
		CreateTable:     create,
		CreateIndexes:   indexes,
		ArrayFieldsJSON: arrayJSON,
		TableDefJSON:    defJSON,
	}, nil
}

// sqlType maps one output column to its SQLite storage class: INTEGER
// for integer kinds, REAL for DOUBLE/SREAL/DECIMAL, TEXT for string
// kinds and ISO-8601 DATE/TIME, BLOB for MEMO. TypeBlob only ever
// appears in a minimal-fallback TableDef (tabledef.minimalTableDef) and
// is rendered as TEXT, holding the record's base64-encoded raw bytes,
// rather than as a native BLOB column.
func sqlType(c arrayfield.Column) string {
	if c.Array != nil {
		return "TEXT"
	}
	switch c.Scalar.Type {
	case tabledef.TypeByte, tabledef.TypeShort, tabledef.TypeUShort, tabledef.TypeLong, tabledef.TypeULong:
		return "INTEGER"
	case tabledef.TypeDouble, tabledef.TypeSReal, tabledef.TypeDecimal:
		return "REAL"
	case tabledef.TypeMemo, tabledef.TypeGroup:
		return "BLOB"
	default: // STRING, CSTRING, PSTRING, DATE, TIME, BLOB (minimal fallback)
		return "TEXT"
	}
}

// QuoteIdent quotes a SQLite identifier, doubling any embedded quote.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func arrayFieldsJSON(infos []arrayfield.ArrayFieldInfo) (string, error) {
	recs := make([]ArrayFieldRecord, len(infos))
	for i, info := range infos {
		recs[i] = ArrayFieldRecord{
			Kind:         info.Kind.String(),
			BaseName:     info.BaseName,
			Column:       info.SQLiteColumnName,
			ElementType:  info.ElementType.String(),
			ElementCount: info.ElementCount,
		}
	}
	b, err := json.Marshal(recs)
	if err != nil {
		return "", fmt.Errorf("schema: marshal array_fields: %w", err)
	}
	return string(b), nil
}

// tableDefJSON serializes def verbatim (minus RawDefinition, which is
// never needed downstream and would just bloat the row) so a later
// reverse run can re-derive the exact field layout it wrote, rather than
// re-inferring widths from SQLite's own column types.
func tableDefJSON(def *tabledef.TableDef) (string, error) {
	lean := *def
	lean.RawDefinition = nil
	b, err := json.Marshal(lean)
	if err != nil {
		return "", fmt.Errorf("schema: marshal table_def: %w", err)
	}
	return string(b), nil
}

// CreateSchemaTableDDL creates the _schema bookkeeping table: per-table
// array_fields JSON and source prefix, plus a decoded_at timestamp, the
// tscore version, and a full table_def_json so reverse never has to guess.
const CreateSchemaTableDDL = `CREATE TABLE IF NOT EXISTS _schema (
	table_name TEXT PRIMARY KEY,
	array_fields TEXT,
	source_prefix TEXT,
	decoded_at TEXT,
	tscore_version TEXT,
	table_def_json TEXT
)`

// CreateResumeTableDDL creates the _resume table. It is created at the
// start of every run and dropped at the end of a run that was not
// cancelled, hit no fatal error and failed no table. last_digest holds the BLAKE3
// digest of the raw payloads of records batch_first..last_record, the
// last committed batch, so a resume run can detect that the source file
// changed underneath it rather than silently resuming against different
// bytes.
const CreateResumeTableDDL = `CREATE TABLE IF NOT EXISTS _resume (
	table_name TEXT PRIMARY KEY,
	batch_first INTEGER,
	last_record INTEGER,
	last_digest TEXT
)`
