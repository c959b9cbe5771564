// Package reverse rebuilds a TopSpeed-equivalent page stream from a
// database ConversionEngine produced. Byte-exact fidelity is out of
// scope; logical round-tripping is the contract: feeding Writer's output
// back through PageReader,
// TableDefinitionParser, MultidimensionalAnalyzer and RecordDecoder
// reproduces the same rows, even though the compressed bytes, page
// ordering, and table-definition block layout are never reconstructed
// identically to whatever tool originally wrote the source file.
package reverse

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	tserrors "github.com/haldane-data/tscore/core/errors"
	"github.com/haldane-data/tscore/core/codepage"
	"github.com/haldane-data/tscore/internal/topspeed/arrayfield"
	"github.com/haldane-data/tscore/internal/topspeed/page"
	"github.com/haldane-data/tscore/internal/topspeed/schema"
	"github.com/haldane-data/tscore/internal/topspeed/tabledef"
)

// Writer rebuilds TopSpeed-equivalent files from a converted database.
type Writer struct {
	db *sql.DB
	cp *codepage.Decoder
}

// New returns a Writer reading from db and re-encoding text columns with cp.
func New(db *sql.DB, cp *codepage.Decoder) *Writer {
	return &Writer{db: db, cp: cp}
}

// TableMeta is one table's reconstructed definition, loaded from _schema.
type TableMeta struct {
	TableName string
	Def       *tabledef.TableDef
	Infos     []arrayfield.ArrayFieldInfo
}

// LoadTableMeta reconstructs tableName's TableDef from its _schema row.
// Array fields are re-derived by running MultidimensionalAnalyzer over the
// reconstructed TableDef rather than trusting the stored array_fields JSON
// verbatim, since Analyze is a pure function of the field layout and
// re-deriving it catches a hand-edited or stale _schema row rather than
// silently propagating it.
func (w *Writer) LoadTableMeta(ctx context.Context, tableName string) (*TableMeta, error) {
	row := w.db.QueryRowContext(ctx, `SELECT table_def_json FROM _schema WHERE table_name = ?`, tableName)
	var defJSON string
	if err := row.Scan(&defJSON); err != nil {
		return nil, fmt.Errorf("reverse: load _schema for %s: %w", tableName, err)
	}

	var def tabledef.TableDef
	if err := json.Unmarshal([]byte(defJSON), &def); err != nil {
		return nil, fmt.Errorf("reverse: unmarshal table_def_json for %s: %w", tableName, err)
	}

	infos := arrayfield.Analyze(&def)
	return &TableMeta{TableName: tableName, Def: &def, Infos: infos}, nil
}

// WriteFile rebuilds a complete TPS1 byte stream covering every named
// table: one table-definition page per table followed by one data page per
// table, each populated from that table's current row contents.
func (w *Writer) WriteFile(ctx context.Context, tableNames []string) ([]byte, error) {
	var pages [][]byte
	for _, name := range tableNames {
		meta, err := w.LoadTableMeta(ctx, name)
		if err != nil {
			return nil, err
		}

		defPayload := tabledef.Encode(meta.Def)
		defRecord := page.WriteRecord(meta.Def.TableNumber, 0, defPayload)
		pages = append(pages, page.WritePage(page.KindTableDef, 0, 1, defRecord))

		dataPayload, recordCount, err := w.encodeTableRows(ctx, meta)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page.WritePage(page.KindData, 0, uint16(recordCount), dataPayload))
	}
	return page.WriteFile(pages), nil
}

// encodeTableRows reads every row of meta.TableName in the canonical
// column order and packs each back into a raw record, concatenating the
// results into one data page payload.
func (w *Writer) encodeTableRows(ctx context.Context, meta *TableMeta) ([]byte, int, error) {
	cols := arrayfield.Columns(meta.Def, meta.Infos)
	colNames := make([]string, len(cols))
	for i, c := range cols {
		colNames[i] = schema.QuoteIdent(c.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(colNames, ", "), schema.QuoteIdent(meta.TableName))

	rows, err := w.db.QueryContext(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("reverse: query %s: %w", meta.TableName, err)
	}
	defer rows.Close()

	var payload []byte
	recordNumber := uint32(0)
	for rows.Next() {
		recordNumber++
		scanDest := make([]interface{}, len(cols))
		for i := range scanDest {
			scanDest[i] = new(interface{})
		}
		if err := rows.Scan(scanDest...); err != nil {
			return nil, 0, fmt.Errorf("reverse: scan %s row %d: %w", meta.TableName, recordNumber, err)
		}

		raw, err := w.encodeRow(meta, cols, scanDest)
		if err != nil {
			return nil, 0, err
		}
		payload = append(payload, page.WriteRecord(meta.Def.TableNumber, recordNumber, raw)...)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("reverse: iterate %s: %w", meta.TableName, err)
	}
	return payload, int(recordNumber), nil
}

func (w *Writer) encodeRow(meta *TableMeta, cols []arrayfield.Column, scanDest []interface{}) ([]byte, error) {
	raw := make([]byte, meta.Def.RecordLength)
	for i, c := range cols {
		val := *(scanDest[i].(*interface{}))
		if c.Scalar != nil {
			if err := w.encodeScalar(raw, *c.Scalar, val); err != nil {
				return nil, &tserrors.RowEncodeError{TableName: meta.TableName, ColumnName: c.Name, Reason: err.Error()}
			}
			continue
		}
		if err := w.encodeArray(raw, *c.Array, val); err != nil {
			return nil, &tserrors.RowEncodeError{TableName: meta.TableName, ColumnName: c.Name, Reason: err.Error()}
		}
	}
	return raw, nil
}

// encodeArray unpacks a JSON-array text column back into its member field
// bytes, the inverse of record.Decoder.decodeArray.
func (w *Writer) encodeArray(raw []byte, info arrayfield.ArrayFieldInfo, val interface{}) error {
	s, ok := val.(string)
	if !ok {
		if val == nil {
			return nil
		}
		return fmt.Errorf("array column %s: expected TEXT, got %T", info.SQLiteColumnName, val)
	}

	var elems []interface{}
	if err := json.Unmarshal([]byte(s), &elems); err != nil {
		return fmt.Errorf("array column %s: %w", info.SQLiteColumnName, err)
	}

	switch info.Kind {
	case arrayfield.SingleField:
		base := info.Members[0]
		stride := base.ArrayStride
		if stride == 0 && info.ElementCount > 0 {
			stride = base.Length / uint32(info.ElementCount)
		}
		for i, e := range elems {
			elemField := base
			elemField.Offset = base.Offset + uint32(i)*stride
			elemField.Length = stride
			if err := w.encodeJSONScalar(raw, elemField, e); err != nil {
				return fmt.Errorf("array column %s element %d: %w", info.SQLiteColumnName, i, err)
			}
		}
	case arrayfield.MultiField:
		for i, f := range info.Members {
			if i >= len(elems) {
				break
			}
			if err := w.encodeJSONScalar(raw, f, elems[i]); err != nil {
				return fmt.Errorf("array column %s element %d: %w", info.SQLiteColumnName, i, err)
			}
		}
	}
	return nil
}

// encodeScalar packs a database/sql-scanned value (int64, float64, string,
// []byte, or nil) into raw at f's offset, the inverse of
// record.Decoder.decodeScalar.
func (w *Writer) encodeScalar(raw []byte, f tabledef.FieldDef, val interface{}) error {
	end := f.Offset + f.Length
	if end > uint32(len(raw)) {
		return fmt.Errorf("field %s: offset+length %d exceeds record length %d", f.Name, end, len(raw))
	}
	field := raw[f.Offset:end]

	switch f.Type {
	case tabledef.TypeString, tabledef.TypeCString, tabledef.TypePString:
		s, _ := val.(string)
		enc, err := w.cp.Encode(s)
		if err != nil {
			return err
		}
		return writeTextField(field, f.Type, enc)

	case tabledef.TypeByte:
		i, ok := toInt64(val)
		if !ok {
			return fmt.Errorf("field %s: expected integer, got %T", f.Name, val)
		}
		field[0] = byte(i)
		return nil

	case tabledef.TypeShort:
		i, _ := toInt64(val)
		binary.LittleEndian.PutUint16(field, uint16(int16(i)))
		return nil

	case tabledef.TypeUShort:
		i, _ := toInt64(val)
		binary.LittleEndian.PutUint16(field, uint16(i))
		return nil

	case tabledef.TypeLong:
		i, _ := toInt64(val)
		binary.LittleEndian.PutUint32(field, uint32(int32(i)))
		return nil

	case tabledef.TypeULong:
		i, _ := toInt64(val)
		binary.LittleEndian.PutUint32(field, uint32(i))
		return nil

	case tabledef.TypeDouble:
		if val == nil {
			for i := range field {
				field[i] = 0xFF
			}
			return nil
		}
		r, _ := toFloat64(val)
		binary.LittleEndian.PutUint64(field, math.Float64bits(r))
		return nil

	case tabledef.TypeSReal:
		r, _ := toFloat64(val)
		binary.LittleEndian.PutUint32(field, math.Float32bits(float32(r)))
		return nil

	case tabledef.TypeDecimal:
		r, _ := toFloat64(val)
		return encodeDecimal(field, r, f.Decimals)

	case tabledef.TypeDate:
		s, _ := val.(string)
		return encodeDate(field, s)

	case tabledef.TypeTime:
		s, _ := val.(string)
		return encodeTime(field, s)

	case tabledef.TypeMemo, tabledef.TypeGroup:
		b, _ := val.([]byte)
		copy(field, b)
		return nil

	case tabledef.TypeBlob:
		s, _ := val.(string)
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
		copy(field, decoded)
		return nil

	default:
		return fmt.Errorf("field %s: unknown field type %v", f.Name, f.Type)
	}
}

// encodeJSONScalar is encodeScalar's counterpart for array elements decoded
// out of a JSON array, where numbers arrive as float64 and BYTE array
// elements arrive as bool rather than int64.
func (w *Writer) encodeJSONScalar(raw []byte, f tabledef.FieldDef, elem interface{}) error {
	if b, ok := elem.(bool); ok {
		if b {
			elem = float64(1)
		} else {
			elem = float64(0)
		}
	}
	return w.encodeScalar(raw, f, elem)
}

func writeTextField(field []byte, typ tabledef.FieldType, enc []byte) error {
	for i := range field {
		field[i] = 0
	}
	switch typ {
	case tabledef.TypeCString:
		n := len(enc)
		if n > len(field)-1 {
			n = len(field) - 1
		}
		copy(field, enc[:n])
		return nil
	case tabledef.TypePString:
		n := len(enc)
		if n > len(field)-1 {
			n = len(field) - 1
		}
		field[0] = byte(n)
		copy(field[1:], enc[:n])
		return nil
	default: // TypeString
		n := len(enc)
		if n > len(field) {
			n = len(field)
		}
		copy(field, enc[:n])
		return nil
	}
}

func toInt64(val interface{}) (int64, bool) {
	switch v := val.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case nil:
		return 0, true
	default:
		return 0, false
	}
}

func toFloat64(val interface{}) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case nil:
		return 0, true
	default:
		return 0, false
	}
}

// encodeDecimal packs a float64 back into packed-BCD bytes, the inverse of
// record.decodeDecimal.
func encodeDecimal(field []byte, val float64, decimals uint8) error {
	if len(field) == 0 {
		return fmt.Errorf("decimal: empty field")
	}
	negative := val < 0
	if negative {
		val = -val
	}
	scaled := val
	if decimals > 0 {
		scaled *= math.Pow10(int(decimals))
	}
	intVal := int64(scaled + 0.5)

	nDigits := (len(field)-1)*2 + 1
	digits := make([]byte, nDigits)
	for i := nDigits - 1; i >= 0; i-- {
		digits[i] = byte(intVal % 10)
		intVal /= 10
	}

	for i := 0; i < len(field)-1; i++ {
		field[i] = digits[i*2]<<4 | digits[i*2+1]
	}
	sign := byte(0x0C)
	if negative {
		sign = 0x0D
	}
	field[len(field)-1] = digits[nDigits-1]<<4 | sign
	return nil
}

var topspeedEpoch = time.Date(1800, time.December, 28, 0, 0, 0, 0, time.UTC)

func encodeDate(field []byte, s string) error {
	if len(field) < 4 {
		return fmt.Errorf("date: field needs 4 bytes, got %d", len(field))
	}
	if s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	days := int32(t.Sub(topspeedEpoch).Hours() / 24)
	binary.LittleEndian.PutUint32(field, uint32(days))
	return nil
}

func encodeTime(field []byte, s string) error {
	if len(field) < 4 {
		return fmt.Errorf("time: field needs 4 bytes, got %d", len(field))
	}
	if s == "" {
		return nil
	}
	t, err := time.Parse("15:04:05.00", s)
	if err != nil {
		return fmt.Errorf("time: %w", err)
	}
	// time.Parse defaults any date component missing from the layout to
	// year 0 rather than the zero Time's year 1, so the reference point
	// for this subtraction must match that, not time.Time{}.
	midnight := time.Date(0, time.January, 1, 0, 0, 0, 0, time.UTC)
	centiseconds := uint32(t.Sub(midnight).Milliseconds() / 10)
	binary.LittleEndian.PutUint32(field, centiseconds)
	return nil
}
