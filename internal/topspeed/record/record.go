// Package record implements RecordDecoder: it decodes one record's raw
// bytes into a typed, ordered row of value.Value, following the column
// order arrayfield.Columns defines, using a TableDef's field offsets and
// types plus a configured code page for text.
package record

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	tserrors "github.com/haldane-data/tscore/core/errors"
	"github.com/haldane-data/tscore/core/codepage"
	"github.com/haldane-data/tscore/internal/topspeed/arrayfield"
	"github.com/haldane-data/tscore/internal/topspeed/tabledef"
	"github.com/haldane-data/tscore/internal/topspeed/value"
)

// topspeedEpoch is TopSpeed's DATE zero point: days count from
// 1800-12-28.
var topspeedEpoch = time.Date(1800, time.December, 28, 0, 0, 0, 0, time.UTC)

// Decoder decodes record bytes against a TableDef using one fixed code
// page for all string-family fields in that decode pass.
type Decoder struct {
	codepage *codepage.Decoder
}

// New returns a Decoder that decodes STRING/CSTRING/PSTRING bytes with cp.
func New(cp *codepage.Decoder) *Decoder {
	return &Decoder{codepage: cp}
}

// decodeText is the code page boundary: any failure here surfaces as an
// EncodingError so the on_row_error policy can tell a bad text encoding
// apart from a structurally undecodable record.
func (d *Decoder) decodeText(raw []byte) (string, error) {
	s, err := d.codepage.Decode(raw)
	if err != nil {
		return "", &tserrors.EncodingError{CodePage: string(d.codepage.Name()), Reason: err.Error()}
	}
	return s, nil
}

// Decode decodes one record's payload into an ordered row, one value per
// column in arrayfield.Columns(def, infos)'s canonical order. A failure
// decoding any single column aborts the whole row with a RowDecodeError
// or ArrayDecodeError carrying enough context for the caller's
// on_row_error policy to log and act without re-deriving it.
func (d *Decoder) Decode(tableNumber uint8, recordNumber uint32, raw []byte, def *tabledef.TableDef, infos []arrayfield.ArrayFieldInfo) ([]value.Value, error) {
	cols := arrayfield.Columns(def, infos)
	row := make([]value.Value, len(cols))

	for i, col := range cols {
		if col.Scalar != nil {
			v, err := d.decodeScalar(raw, *col.Scalar)
			if err != nil {
				// A code page failure keeps its own error kind; every
				// other scalar failure becomes a RowDecodeError.
				var encErr *tserrors.EncodingError
				if errors.As(err, &encErr) {
					return nil, err
				}
				return nil, &tserrors.RowDecodeError{
					TableNumber: tableNumber, RecordNumber: recordNumber,
					FieldIndex: i, Raw: raw, Reason: err.Error(),
				}
			}
			row[i] = v
			continue
		}

		v, err := d.decodeArray(tableNumber, recordNumber, raw, *col.Array)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

// decodeArray extracts info.ElementCount elements and serializes them as a
// single JSON-array text value. Single-field arrays walk one FieldDef at
// a computed stride; multi-field arrays decode each member FieldDef in
// suffix order directly.
func (d *Decoder) decodeArray(tableNumber uint8, recordNumber uint32, raw []byte, info arrayfield.ArrayFieldInfo) (value.Value, error) {
	elems := make([]interface{}, info.ElementCount)
	asBool := info.ElementType == tabledef.TypeByte

	switch info.Kind {
	case arrayfield.SingleField:
		base := info.Members[0]
		stride := base.ArrayStride
		if stride == 0 && info.ElementCount > 0 {
			stride = base.Length / uint32(info.ElementCount)
		}
		for i := 0; i < info.ElementCount; i++ {
			elemField := base
			elemField.Offset = base.Offset + uint32(i)*stride
			elemField.Length = stride
			elemField.ElementCount = 1
			v, err := d.decodeScalar(raw, elemField)
			if err != nil {
				return value.Value{}, &tserrors.ArrayDecodeError{
					TableNumber: tableNumber, RecordNumber: recordNumber,
					ColumnName: info.SQLiteColumnName, ElementIndex: i, Reason: err.Error(),
				}
			}
			elems[i] = v.JSON(asBool)
		}
	case arrayfield.MultiField:
		for i, f := range info.Members {
			v, err := d.decodeScalar(raw, f)
			if err != nil {
				return value.Value{}, &tserrors.ArrayDecodeError{
					TableNumber: tableNumber, RecordNumber: recordNumber,
					ColumnName: info.SQLiteColumnName, ElementIndex: i, Reason: err.Error(),
				}
			}
			elems[i] = v.JSON(asBool)
		}
	}

	encoded, err := json.Marshal(elems)
	if err != nil {
		return value.Value{}, fmt.Errorf("array column %s: %w", info.SQLiteColumnName, err)
	}
	return value.NewText(string(encoded)), nil
}

// decodeScalar decodes one FieldDef's bytes out of raw at its recorded
// offset and length.
func (d *Decoder) decodeScalar(raw []byte, f tabledef.FieldDef) (value.Value, error) {
	end := f.Offset + f.Length
	if end > uint32(len(raw)) {
		return value.Value{}, fmt.Errorf("field %s: offset+length %d exceeds record length %d", f.Name, end, len(raw))
	}
	field := raw[f.Offset:end]

	switch f.Type {
	case tabledef.TypeString:
		s, err := d.decodeText(trimTrailingNUL(field))
		if err != nil {
			return value.Value{}, err
		}
		return value.NewText(s), nil

	case tabledef.TypeCString:
		if idx := indexNUL(field); idx >= 0 {
			field = field[:idx]
		}
		s, err := d.decodeText(field)
		if err != nil {
			return value.Value{}, err
		}
		return value.NewText(s), nil

	case tabledef.TypePString:
		if len(field) == 0 {
			return value.NewText(""), nil
		}
		n := int(field[0])
		if n > len(field)-1 {
			n = len(field) - 1
		}
		s, err := d.decodeText(field[1 : 1+n])
		if err != nil {
			return value.Value{}, err
		}
		return value.NewText(s), nil

	case tabledef.TypeByte:
		if len(field) < 1 {
			return value.Value{}, fmt.Errorf("field %s: BYTE needs 1 byte, got %d", f.Name, len(field))
		}
		return value.NewInt(int64(field[0])), nil

	case tabledef.TypeShort:
		if len(field) < 2 {
			return value.Value{}, fmt.Errorf("field %s: SHORT needs 2 bytes, got %d", f.Name, len(field))
		}
		return value.NewInt(int64(int16(binary.LittleEndian.Uint16(field)))), nil

	case tabledef.TypeUShort:
		if len(field) < 2 {
			return value.Value{}, fmt.Errorf("field %s: USHORT needs 2 bytes, got %d", f.Name, len(field))
		}
		return value.NewInt(int64(binary.LittleEndian.Uint16(field))), nil

	case tabledef.TypeLong:
		if len(field) < 4 {
			return value.Value{}, fmt.Errorf("field %s: LONG needs 4 bytes, got %d", f.Name, len(field))
		}
		return value.NewInt(int64(int32(binary.LittleEndian.Uint32(field)))), nil

	case tabledef.TypeULong:
		if len(field) < 4 {
			return value.Value{}, fmt.Errorf("field %s: ULONG needs 4 bytes, got %d", f.Name, len(field))
		}
		return value.NewInt(int64(binary.LittleEndian.Uint32(field))), nil

	case tabledef.TypeDouble:
		if len(field) < 8 {
			return value.Value{}, fmt.Errorf("field %s: DOUBLE needs 8 bytes, got %d", f.Name, len(field))
		}
		if isAllFF(field[:8]) {
			return value.NewNull(), nil
		}
		return value.NewReal(math.Float64frombits(binary.LittleEndian.Uint64(field[:8]))), nil

	case tabledef.TypeSReal:
		if len(field) < 4 {
			return value.Value{}, fmt.Errorf("field %s: SREAL needs 4 bytes, got %d", f.Name, len(field))
		}
		return value.NewReal(float64(math.Float32frombits(binary.LittleEndian.Uint32(field[:4])))), nil

	case tabledef.TypeDecimal:
		v, err := decodeDecimal(field, f.Decimals)
		if err != nil {
			return value.Value{}, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return value.NewReal(v), nil

	case tabledef.TypeDate:
		s, err := decodeDate(field)
		if err != nil {
			return value.Value{}, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return value.NewText(s), nil

	case tabledef.TypeTime:
		s, err := decodeTime(field)
		if err != nil {
			return value.Value{}, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return value.NewText(s), nil

	case tabledef.TypeMemo, tabledef.TypeGroup:
		// The in-record bytes for a MEMO-typed field are a reference, not
		// the memo's own content (that lives on separate memo pages);
		// GROUP is a structural nesting marker. Both are passed through
		// as raw bytes rather than interpreted further.
		return value.NewBlob(append([]byte(nil), field...)), nil

	case tabledef.TypeBlob:
		// Only ever the minimal-fallback's raw_record column, stored as
		// base64 TEXT rather than a native BLOB so it survives inside
		// JSON downstream.
		return value.NewText(base64.StdEncoding.EncodeToString(field)), nil

	default:
		return value.Value{}, fmt.Errorf("field %s: unknown field type %v", f.Name, f.Type)
	}
}

func trimTrailingNUL(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

func isAllFF(b []byte) bool {
	for _, c := range b {
		if c != 0xFF {
			return false
		}
	}
	return true
}

// decodeDecimal unpacks a packed-BCD DECIMAL field: every nibble but the
// last is a decimal digit, the last byte's high nibble is the final digit
// and its low nibble is the sign (0xD/0xB negative, anything else
// positive), the common packed-decimal convention.
func decodeDecimal(raw []byte, decimals uint8) (float64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("decimal: empty field")
	}

	digits := make([]byte, 0, len(raw)*2)
	for _, b := range raw[:len(raw)-1] {
		digits = append(digits, b>>4, b&0x0F)
	}
	last := raw[len(raw)-1]
	digits = append(digits, last>>4)
	sign := last & 0x0F

	var intVal int64
	for _, dgt := range digits {
		if dgt > 9 {
			return 0, fmt.Errorf("decimal: invalid BCD digit 0x%x", dgt)
		}
		intVal = intVal*10 + int64(dgt)
	}

	val := float64(intVal)
	if decimals > 0 {
		val /= math.Pow10(int(decimals))
	}
	if sign == 0x0D || sign == 0x0B {
		val = -val
	}
	return val, nil
}

// decodeDate converts a 4-byte little-endian day count since
// topspeedEpoch into an ISO-8601 date string.
func decodeDate(raw []byte) (string, error) {
	if len(raw) < 4 {
		return "", fmt.Errorf("date: field needs 4 bytes, got %d", len(raw))
	}
	days := binary.LittleEndian.Uint32(raw[:4])
	return topspeedEpoch.AddDate(0, 0, int(days)).Format("2006-01-02"), nil
}

// decodeTime converts a 4-byte little-endian centisecond-of-day count
// into an ISO-8601 time-of-day string.
func decodeTime(raw []byte) (string, error) {
	if len(raw) < 4 {
		return "", fmt.Errorf("time: field needs 4 bytes, got %d", len(raw))
	}
	centiseconds := binary.LittleEndian.Uint32(raw[:4])
	d := time.Duration(centiseconds) * 10 * time.Millisecond
	return time.Time{}.Add(d).Format("15:04:05.00"), nil
}
