package tabledef

import (
	"encoding/binary"
	"testing"
)

func buildHeader(recordLength uint32, fieldCount, memoCount, indexCount uint16) []byte {
	buf := make([]byte, headerSize)
	buf[0] = 7 // table number placeholder, unused by Parse (passed separately)
	binary.LittleEndian.PutUint32(buf[1:5], recordLength)
	binary.LittleEndian.PutUint16(buf[5:7], fieldCount)
	binary.LittleEndian.PutUint16(buf[7:9], memoCount)
	binary.LittleEndian.PutUint16(buf[9:11], indexCount)
	return buf
}

func buildField(name string, typ FieldType, offset, length uint32, decimals uint8, elementCount uint16, stride uint32) []byte {
	buf := make([]byte, 1+len(name)+16)
	buf[0] = byte(len(name))
	copy(buf[1:], name)
	p := 1 + len(name)
	buf[p] = byte(typ)
	binary.LittleEndian.PutUint32(buf[p+1:p+5], offset)
	binary.LittleEndian.PutUint32(buf[p+5:p+9], length)
	buf[p+9] = decimals
	binary.LittleEndian.PutUint16(buf[p+10:p+12], elementCount)
	binary.LittleEndian.PutUint32(buf[p+12:p+16], stride)
	return buf
}

func TestParseStrictSimpleTable(t *testing.T) {
	var raw []byte
	raw = append(raw, buildHeader(20, 2, 0, 0)...)
	raw = append(raw, buildField("NAME", TypeString, 0, 10, 0, 1, 0)...)
	raw = append(raw, buildField("AMOUNT", TypeDouble, 10, 8, 0, 1, 0)...)

	def, err := Parse(1, raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.Fallback != FallbackNone {
		t.Errorf("Fallback = %v, want strict", def.Fallback)
	}
	if len(def.Fields) != 2 {
		t.Fatalf("len(Fields) = %d, want 2", len(def.Fields))
	}
	if def.Fields[0].Name != "NAME" || def.Fields[1].Name != "AMOUNT" {
		t.Errorf("fields = %+v", def.Fields)
	}
	if def.TableNumber != 1 {
		t.Errorf("TableNumber = %d, want 1", def.TableNumber)
	}
}

func TestParseStrictWithMemoAndIndex(t *testing.T) {
	var raw []byte
	raw = append(raw, buildHeader(30, 1, 1, 1)...)
	raw = append(raw, buildField("ID", TypeLong, 0, 4, 0, 1, 0)...)

	memo := make([]byte, 1+4+8)
	memo[0] = 4
	copy(memo[1:], "NOTE")
	binary.LittleEndian.PutUint32(memo[5:9], 4)
	binary.LittleEndian.PutUint32(memo[9:13], 100)
	raw = append(raw, memo...)

	idx := []byte{2, 'I', 'X', 1, 2, 'I', 'D'}
	raw = append(raw, idx...)

	def, err := Parse(2, raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(def.Memos) != 1 || def.Memos[0].Name != "NOTE" {
		t.Errorf("Memos = %+v", def.Memos)
	}
	if len(def.Indexes) != 1 || def.Indexes[0].Name != "IX" {
		t.Errorf("Indexes = %+v", def.Indexes)
	}
	if len(def.Indexes[0].Fields) != 1 || def.Indexes[0].Fields[0] != "ID" {
		t.Errorf("Index fields = %+v", def.Indexes[0].Fields)
	}
}

func TestParseEnhancedFallbackOnFieldCount(t *testing.T) {
	const n = 35
	raw := buildHeader(uint32(n*4), uint16(n), 0, 0)
	for i := 0; i < n; i++ {
		raw = append(raw, buildField("F", TypeLong, uint32(i*4), 4, 0, 1, 0)...)
	}

	def, err := Parse(3, raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.Fallback != FallbackEnhanced {
		t.Errorf("Fallback = %v, want enhanced", def.Fallback)
	}
	if len(def.Fields) != n {
		t.Errorf("len(Fields) = %d, want %d", len(def.Fields), n)
	}
}

func TestParseEnhancedFallbackClampsOffset(t *testing.T) {
	var raw []byte
	raw = append(raw, buildHeader(10, 2, 0, 0)...)
	raw = append(raw, buildField("A", TypeLong, 0, 4, 0, 1, 0)...)
	// This field's offset exceeds record length 10, forcing the fallback.
	raw = append(raw, buildField("B", TypeLong, 50, 4, 0, 1, 0)...)

	def, err := Parse(4, raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.Fallback != FallbackEnhanced {
		t.Errorf("Fallback = %v, want enhanced", def.Fallback)
	}
	for _, f := range def.Fields {
		if f.Offset > def.RecordLength {
			t.Errorf("field %s offset %d exceeds record length %d", f.Name, f.Offset, def.RecordLength)
		}
	}
}

func TestParseEnhancedDropsOverlappingFields(t *testing.T) {
	var raw []byte
	raw = append(raw, buildHeader(40, 40, 0, 0)...) // force enhanced via field count
	for i := 0; i < 39; i++ {
		raw = append(raw, buildField("F", TypeLong, 0, 4, 0, 1, 0)...) // all overlap at offset 0
	}
	raw = append(raw, buildField("LAST", TypeLong, 4, 4, 0, 1, 0)...)

	def, err := Parse(5, raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.Fallback != FallbackEnhanced {
		t.Fatalf("Fallback = %v, want enhanced", def.Fallback)
	}
	// Only the first overlapping field and the non-overlapping LAST field
	// should survive.
	if len(def.Fields) != 2 {
		t.Errorf("len(Fields) = %d, want 2 (one de-overlapped, one distinct): %+v", len(def.Fields), def.Fields)
	}
}

func TestParseMinimalFallback(t *testing.T) {
	raw := buildHeader(100, 0, 0, 0)
	// Corrupt the header's claimed field count vs. truncated body so
	// neither strict nor enhanced can recover any field.
	binary.LittleEndian.PutUint16(raw[5:7], 5)
	raw = raw[:headerSize] // no field bytes at all follow

	def, err := Parse(6, raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.Fallback != FallbackMinimal {
		t.Fatalf("Fallback = %v, want minimal", def.Fallback)
	}
	if len(def.Fields) != 1 || def.Fields[0].Type != TypeBlob {
		t.Errorf("Fields = %+v, want single BLOB column", def.Fields)
	}
	if def.Fields[0].Length != 100 {
		t.Errorf("raw_record length = %d, want 100", def.Fields[0].Length)
	}
}

func TestFieldTypeString(t *testing.T) {
	if TypeDouble.String() != "DOUBLE" {
		t.Errorf("TypeDouble.String() = %q, want DOUBLE", TypeDouble.String())
	}
	if FieldType(99).String() != "UNKNOWN" {
		t.Errorf("unknown type should render UNKNOWN")
	}
}

func TestFallbackKindString(t *testing.T) {
	tests := []struct {
		k    FallbackKind
		want string
	}{
		{FallbackNone, "strict"},
		{FallbackEnhanced, "enhanced"},
		{FallbackMinimal, "minimal"},
	}
	for _, tt := range tests {
		if got := tt.k.String(); got != tt.want {
			t.Errorf("%v.String() = %q, want %q", tt.k, got, tt.want)
		}
	}
}
