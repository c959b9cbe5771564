// Package tabledef implements TableDefinitionParser: it decodes a
// table's metadata block into a TableDef, falling back to a tolerant
// re-scan (and, as a last resort, a single opaque BLOB column) when the
// strict layout doesn't hold — real TopSpeed corpora include tables
// whose definitions exceed the strict parser's assumptions, and data
// preservation supersedes schema fidelity in that case.
package tabledef

import (
	"encoding/binary"
	"fmt"

	tserrors "github.com/haldane-data/tscore/core/errors"
)

// FieldType enumerates the scalar and structural field kinds a TopSpeed
// table definition can declare.
type FieldType byte

const (
	TypeString FieldType = iota
	TypeCString
	TypePString
	TypeByte
	TypeShort
	TypeUShort
	TypeLong
	TypeULong
	TypeDouble
	TypeSReal
	TypeDecimal
	TypeDate
	TypeTime
	TypeGroup
	TypeMemo
	TypeBlob // only ever appears in a minimal fallback TableDef
)

func (t FieldType) String() string {
	names := [...]string{"STRING", "CSTRING", "PSTRING", "BYTE", "SHORT", "USHORT",
		"LONG", "ULONG", "DOUBLE", "SREAL", "DECIMAL", "DATE", "TIME", "GROUP", "MEMO", "BLOB"}
	if int(t) < len(names) {
		return names[t]
	}
	return "UNKNOWN"
}

// FieldDef describes one column of a TableDef.
type FieldDef struct {
	Name         string
	Type         FieldType
	Offset       uint32
	Length       uint32
	Decimals     uint8
	ElementCount uint16 // > 1 marks a single-field array
	ArrayStride  uint32
}

// MemoDef describes one out-of-line memo/BLOB column.
type MemoDef struct {
	Name   string
	Offset uint32
	Length uint32
}

// IndexDef describes one index over a table's fields.
type IndexDef struct {
	Name   string
	Fields []string
}

// TableDef is the fully parsed metadata for one table.
type TableDef struct {
	TableNumber   uint8
	RecordLength  uint32
	Fields        []FieldDef
	Memos         []MemoDef
	Indexes       []IndexDef
	RawDefinition []byte
	Fallback      FallbackKind
}

// FallbackKind records which parse path produced a TableDef, so callers
// (and _schema metadata) can report how much confidence to place in it.
type FallbackKind int

const (
	FallbackNone FallbackKind = iota
	FallbackEnhanced
	FallbackMinimal
)

func (k FallbackKind) String() string {
	switch k {
	case FallbackNone:
		return "strict"
	case FallbackEnhanced:
		return "enhanced"
	case FallbackMinimal:
		return "minimal"
	default:
		return "unknown"
	}
}

const maxStrictFieldCount = 30

const (
	headerSize    = 11 // TableNumber(1) RecordLength(4) FieldCount(2) MemoCount(2) IndexCount(2)
	fieldFixedLen = 17 // Type(1) Offset(4) Length(4) Decimals(1) ElementCount(2) ArrayStride(4) + 1 name-length byte
	memoFixedLen  = 9  // Offset(4) Length(4) + 1 name-length byte
)

// Parse decodes a table definition block. It tries the strict layout
// first; if the block fails validation, it falls back to a tolerant
// re-scan, and finally to a minimal single-column TableDef if no field
// can be safely recovered.
func Parse(tableNumber uint8, raw []byte) (*TableDef, error) {
	def, err := parseStrict(tableNumber, raw)
	if err == nil {
		if validationErr := validate(def); validationErr == nil {
			return def, nil
		}
	}

	enhanced, enhancedErr := parseEnhanced(tableNumber, raw)
	if enhancedErr == nil && len(enhanced.Fields) > 0 {
		return enhanced, nil
	}

	return minimalTableDef(tableNumber, raw), nil
}

func parseStrict(tableNumber uint8, raw []byte) (*TableDef, error) {
	if len(raw) < headerSize {
		return nil, &tserrors.TableDefParseError{TableNumber: tableNumber, Reason: "block shorter than header"}
	}

	recordLength := binary.LittleEndian.Uint32(raw[1:5])
	fieldCount := binary.LittleEndian.Uint16(raw[5:7])
	memoCount := binary.LittleEndian.Uint16(raw[7:9])
	indexCount := binary.LittleEndian.Uint16(raw[9:11])

	off := headerSize
	fields := make([]FieldDef, 0, fieldCount)
	for i := uint16(0); i < fieldCount; i++ {
		f, next, err := parseField(raw, off)
		if err != nil {
			return nil, &tserrors.TableDefParseError{TableNumber: tableNumber, Reason: err.Error()}
		}
		fields = append(fields, f)
		off = next
	}

	memos := make([]MemoDef, 0, memoCount)
	for i := uint16(0); i < memoCount; i++ {
		m, next, err := parseMemo(raw, off)
		if err != nil {
			return nil, &tserrors.TableDefParseError{TableNumber: tableNumber, Reason: err.Error()}
		}
		memos = append(memos, m)
		off = next
	}

	indexes := make([]IndexDef, 0, indexCount)
	for i := uint16(0); i < indexCount; i++ {
		idx, next, err := parseIndex(raw, off)
		if err != nil {
			return nil, &tserrors.TableDefParseError{TableNumber: tableNumber, Reason: err.Error()}
		}
		indexes = append(indexes, idx)
		off = next
	}

	return &TableDef{
		TableNumber:   tableNumber,
		RecordLength:  recordLength,
		Fields:        fields,
		Memos:         memos,
		Indexes:       indexes,
		RawDefinition: raw,
		Fallback:      FallbackNone,
	}, nil
}

func parseField(raw []byte, off int) (FieldDef, int, error) {
	if off >= len(raw) {
		return FieldDef{}, off, fmt.Errorf("field entry at %d: out of bounds", off)
	}
	nameLen := int(raw[off])
	need := off + 1 + nameLen + (fieldFixedLen - 1)
	if need > len(raw) {
		return FieldDef{}, off, fmt.Errorf("field entry at %d: truncated", off)
	}
	name := string(raw[off+1 : off+1+nameLen])
	p := off + 1 + nameLen
	f := FieldDef{
		Name:         name,
		Type:         FieldType(raw[p]),
		Offset:       binary.LittleEndian.Uint32(raw[p+1 : p+5]),
		Length:       binary.LittleEndian.Uint32(raw[p+5 : p+9]),
		Decimals:     raw[p+9],
		ElementCount: binary.LittleEndian.Uint16(raw[p+10 : p+12]),
		ArrayStride:  binary.LittleEndian.Uint32(raw[p+12 : p+16]),
	}
	if f.ElementCount == 0 {
		f.ElementCount = 1
	}
	return f, p + 16, nil
}

func parseMemo(raw []byte, off int) (MemoDef, int, error) {
	if off >= len(raw) {
		return MemoDef{}, off, fmt.Errorf("memo entry at %d: out of bounds", off)
	}
	nameLen := int(raw[off])
	need := off + 1 + nameLen + (memoFixedLen - 1)
	if need > len(raw) {
		return MemoDef{}, off, fmt.Errorf("memo entry at %d: truncated", off)
	}
	name := string(raw[off+1 : off+1+nameLen])
	p := off + 1 + nameLen
	m := MemoDef{
		Name:   name,
		Offset: binary.LittleEndian.Uint32(raw[p : p+4]),
		Length: binary.LittleEndian.Uint32(raw[p+4 : p+8]),
	}
	return m, p + 8, nil
}

func parseIndex(raw []byte, off int) (IndexDef, int, error) {
	if off >= len(raw) {
		return IndexDef{}, off, fmt.Errorf("index entry at %d: out of bounds", off)
	}
	nameLen := int(raw[off])
	if off+1+nameLen+1 > len(raw) {
		return IndexDef{}, off, fmt.Errorf("index entry at %d: truncated", off)
	}
	name := string(raw[off+1 : off+1+nameLen])
	p := off + 1 + nameLen
	fieldCount := int(raw[p])
	p++

	fields := make([]string, 0, fieldCount)
	for i := 0; i < fieldCount; i++ {
		if p >= len(raw) {
			return IndexDef{}, off, fmt.Errorf("index entry at %d: truncated field list", off)
		}
		fnLen := int(raw[p])
		if p+1+fnLen > len(raw) {
			return IndexDef{}, off, fmt.Errorf("index entry at %d: truncated field name", off)
		}
		fields = append(fields, string(raw[p+1:p+1+fnLen]))
		p += 1 + fnLen
	}

	return IndexDef{Name: name, Fields: fields}, p, nil
}

// validate checks the conditions that trigger the enhanced fallback
// path: too many fields, an offset beyond the record
// length, or — already surfaced as a parse error above — a memo/index
// section that fails its length check.
func validate(def *TableDef) error {
	if len(def.Fields) > maxStrictFieldCount {
		return fmt.Errorf("field count %d exceeds strict limit %d", len(def.Fields), maxStrictFieldCount)
	}
	for _, f := range def.Fields {
		if f.Offset > def.RecordLength {
			return fmt.Errorf("field %s offset %d exceeds record length %d", f.Name, f.Offset, def.RecordLength)
		}
	}
	return nil
}

// parseEnhanced rescans the same bytes tolerantly: truncated field names
// are accepted as-is, offsets beyond the record length are clamped to it,
// and any field that would overlap an already-accepted field is dropped
// rather than corrupting the row layout.
func parseEnhanced(tableNumber uint8, raw []byte) (*TableDef, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("block shorter than header")
	}

	recordLength := binary.LittleEndian.Uint32(raw[1:5])
	fieldCount := binary.LittleEndian.Uint16(raw[5:7])

	off := headerSize
	var fields []FieldDef
	var occupied []struct{ start, end uint32 }

	for i := uint16(0); i < fieldCount; i++ {
		if off >= len(raw) {
			break
		}
		nameLen := int(raw[off])
		p := off + 1
		if p+nameLen > len(raw) {
			nameLen = len(raw) - p
			if nameLen < 0 {
				nameLen = 0
			}
		}
		name := trimNUL(raw[p : p+nameLen])
		p += nameLen

		if p+16 > len(raw) {
			break
		}
		f := FieldDef{
			Name:         name,
			Type:         FieldType(raw[p]),
			Offset:       binary.LittleEndian.Uint32(raw[p+1 : p+5]),
			Length:       binary.LittleEndian.Uint32(raw[p+5 : p+9]),
			Decimals:     raw[p+9],
			ElementCount: binary.LittleEndian.Uint16(raw[p+10 : p+12]),
			ArrayStride:  binary.LittleEndian.Uint32(raw[p+12 : p+16]),
		}
		if f.ElementCount == 0 {
			f.ElementCount = 1
		}
		off = p + 16

		if f.Offset > recordLength {
			f.Offset = recordLength
		}
		end := f.Offset + f.Length
		if end > recordLength {
			end = recordLength
			if end > f.Offset {
				f.Length = end - f.Offset
			} else {
				f.Length = 0
			}
		}
		if f.Length == 0 {
			continue
		}

		overlaps := false
		for _, occ := range occupied {
			if f.Offset < occ.end && end > occ.start {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}

		occupied = append(occupied, struct{ start, end uint32 }{f.Offset, end})
		fields = append(fields, f)
	}

	return &TableDef{
		TableNumber:   tableNumber,
		RecordLength:  recordLength,
		Fields:        fields,
		RawDefinition: raw,
		Fallback:      FallbackEnhanced,
	}, nil
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Encode serializes def back into the strict block layout parseStrict
// consumes, the inverse of Parse's strict path. It never attempts to
// reproduce the original RawDefinition bytes: reverse only guarantees
// logical, not bit-exact, equivalence.
func Encode(def *TableDef) []byte {
	buf := make([]byte, headerSize)
	buf[0] = def.TableNumber
	binary.LittleEndian.PutUint32(buf[1:5], def.RecordLength)
	binary.LittleEndian.PutUint16(buf[5:7], uint16(len(def.Fields)))
	binary.LittleEndian.PutUint16(buf[7:9], uint16(len(def.Memos)))
	binary.LittleEndian.PutUint16(buf[9:11], uint16(len(def.Indexes)))

	for _, f := range def.Fields {
		buf = append(buf, encodeField(f)...)
	}
	for _, m := range def.Memos {
		buf = append(buf, encodeMemo(m)...)
	}
	for _, idx := range def.Indexes {
		buf = append(buf, encodeIndex(idx)...)
	}
	return buf
}

func encodeField(f FieldDef) []byte {
	buf := make([]byte, 1+len(f.Name)+16)
	buf[0] = byte(len(f.Name))
	copy(buf[1:], f.Name)
	p := 1 + len(f.Name)
	buf[p] = byte(f.Type)
	binary.LittleEndian.PutUint32(buf[p+1:p+5], f.Offset)
	binary.LittleEndian.PutUint32(buf[p+5:p+9], f.Length)
	buf[p+9] = f.Decimals
	binary.LittleEndian.PutUint16(buf[p+10:p+12], f.ElementCount)
	binary.LittleEndian.PutUint32(buf[p+12:p+16], f.ArrayStride)
	return buf
}

func encodeMemo(m MemoDef) []byte {
	buf := make([]byte, 1+len(m.Name)+8)
	buf[0] = byte(len(m.Name))
	copy(buf[1:], m.Name)
	p := 1 + len(m.Name)
	binary.LittleEndian.PutUint32(buf[p:p+4], m.Offset)
	binary.LittleEndian.PutUint32(buf[p+4:p+8], m.Length)
	return buf
}

func encodeIndex(idx IndexDef) []byte {
	buf := []byte{byte(len(idx.Name))}
	buf = append(buf, []byte(idx.Name)...)
	buf = append(buf, byte(len(idx.Fields)))
	for _, f := range idx.Fields {
		buf = append(buf, byte(len(f)))
		buf = append(buf, []byte(f)...)
	}
	return buf
}

// minimalTableDef is the last resort: one opaque BLOB column covering the
// entire record, used when no field could be safely recovered. Downstream,
// the schema stores these raw bytes base64-encoded in JSON so the data
// itself is never lost even though its structure is.
func minimalTableDef(tableNumber uint8, raw []byte) *TableDef {
	recordLength := uint32(0)
	if len(raw) >= 5 {
		recordLength = binary.LittleEndian.Uint32(raw[1:5])
	}
	return &TableDef{
		TableNumber:  tableNumber,
		RecordLength: recordLength,
		Fields: []FieldDef{
			{Name: "raw_record", Type: TypeBlob, Offset: 0, Length: recordLength, ElementCount: 1},
		},
		RawDefinition: raw,
		Fallback:      FallbackMinimal,
	}
}
