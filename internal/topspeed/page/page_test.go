package page

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildRecord serializes one record body: Length(2) TableNumber(1)
// RecordNumber(4) Payload(n), matching the length-prefix convention
// SplitRecords expects.
func buildRecord(tableNumber uint8, recordNumber uint32, payload []byte) []byte {
	length := recordPrefixSize + len(payload)
	buf := make([]byte, length)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(length))
	buf[2] = tableNumber
	binary.LittleEndian.PutUint32(buf[3:7], recordNumber)
	copy(buf[7:], payload)
	return buf
}

// buildPage serializes a literal (uncompressed) page body: Kind(1)
// Level(1) RecordCount(2) UncompressedLength(4) followed by payload.
func buildPage(kind PageKind, recordCount uint16, payload []byte) []byte {
	buf := make([]byte, pageHeaderSize+len(payload))
	buf[0] = byte(kind)
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:4], recordCount)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[pageHeaderSize:], payload)
	return buf
}

// fixture assembles a complete synthetic .tps byte stream from a list of
// page bodies (as produced by buildPage), writing a matching file header
// and page index.
type fixtureBuilder struct {
	pages []struct {
		body       []byte
		compressed bool
	}
}

func (f *fixtureBuilder) add(body []byte, compressed bool) {
	f.pages = append(f.pages, struct {
		body       []byte
		compressed bool
	}{body, compressed})
}

func (f *fixtureBuilder) build() []byte {
	var buf bytes.Buffer
	buf.Write(Magic[:])
	writeU16 := func(v uint16) { var b [2]byte; binary.LittleEndian.PutUint16(b[:], v); buf.Write(b[:]) }
	writeU32 := func(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); buf.Write(b[:]) }

	writeU16(1)      // version
	writeU16(256)    // page size (informational only in this fixture)
	writeU32(uint32(len(f.pages)))
	indexOffsetPos := buf.Len()
	writeU32(0) // placeholder for index offset, patched below

	// Page bodies immediately follow the 16-byte header.
	type placement struct {
		offset uint32
		length uint32
	}
	var placements []placement
	for _, p := range f.pages {
		placements = append(placements, placement{offset: uint32(buf.Len()), length: uint32(len(p.body))})
		buf.Write(p.body)
	}

	indexOffset := uint32(buf.Len())
	for i, p := range f.pages {
		writeU32(uint32(i)) // page number
		writeU32(placements[i].offset)
		writeU32(placements[i].length)
		flags := uint16(0)
		if p.compressed {
			flags = FlagCompressed
		}
		writeU16(flags)
	}

	out := buf.Bytes()
	binary.LittleEndian.PutUint32(out[indexOffsetPos:indexOffsetPos+4], indexOffset)
	return out
}

func TestOpenValidHeader(t *testing.T) {
	fb := &fixtureBuilder{}
	fb.add(buildPage(KindData, 0, nil), false)
	data := fb.build()

	rd, err := Open("test.tps", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if rd.PageCount() != 1 {
		t.Errorf("PageCount() = %d, want 1", rd.PageCount())
	}
}

func TestOpenBadMagic(t *testing.T) {
	data := make([]byte, fileHeaderSize)
	copy(data, "XXXX")
	_, err := Open("bad.tps", bytes.NewReader(data))
	if err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestOpenTruncatedHeader(t *testing.T) {
	_, err := Open("short.tps", bytes.NewReader([]byte{'T', 'P'}))
	if err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestSplitRecordsSingle(t *testing.T) {
	rec := buildRecord(1, 100, []byte("hello"))
	records, err := SplitRecords(rec)
	if err != nil {
		t.Fatalf("SplitRecords: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	if records[0].TableNumber != 1 || records[0].RecordNumber != 100 {
		t.Errorf("record = %+v", records[0])
	}
	if string(records[0].Payload) != "hello" {
		t.Errorf("Payload = %q, want %q", records[0].Payload, "hello")
	}
}

func TestSplitRecordsMultiple(t *testing.T) {
	var payload []byte
	payload = append(payload, buildRecord(2, 1, []byte("aaa"))...)
	payload = append(payload, buildRecord(2, 2, []byte("bb"))...)
	payload = append(payload, buildRecord(3, 1, []byte("c"))...)

	records, err := SplitRecords(payload)
	if err != nil {
		t.Fatalf("SplitRecords: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	if records[2].TableNumber != 3 {
		t.Errorf("records[2].TableNumber = %d, want 3", records[2].TableNumber)
	}
}

func TestSplitRecordsOverrun(t *testing.T) {
	rec := buildRecord(1, 1, []byte("x"))
	rec = rec[:len(rec)-1] // truncate so declared length overruns buffer
	_, err := SplitRecords(rec)
	if err == nil {
		t.Fatal("expected error for overrunning record")
	}
}

func TestRecordsForTable(t *testing.T) {
	var payload []byte
	payload = append(payload, buildRecord(1, 1, []byte("a"))...)
	payload = append(payload, buildRecord(2, 1, []byte("b"))...)
	payload = append(payload, buildRecord(1, 2, []byte("c"))...)

	fb := &fixtureBuilder{}
	fb.add(buildPage(KindData, 3, payload), false)
	data := fb.build()

	rd, err := Open("test.tps", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	records, skips, err := rd.RecordsForTable(1)
	if err != nil {
		t.Fatalf("RecordsForTable: %v", err)
	}
	if len(skips) != 0 {
		t.Errorf("expected no skips, got %d", len(skips))
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].RecordNumber != 1 || records[1].RecordNumber != 2 {
		t.Errorf("records out of order: %+v", records)
	}
}

func TestDecompressRLE(t *testing.T) {
	// Literal 'A','B', then a run of five 'C's via escape.
	compressed := []byte{'A', 'B', rleEscape, 'C', 5}
	out, err := decompressRLE(compressed, 7)
	if err != nil {
		t.Fatalf("decompressRLE: %v", err)
	}
	want := "ABCCCCC"
	if string(out) != want {
		t.Errorf("decompressRLE = %q, want %q", out, want)
	}
}

func TestDecompressRLELengthMismatch(t *testing.T) {
	compressed := []byte{'A'}
	_, err := decompressRLE(compressed, 5)
	if err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestPagesCompressedRoundtrip(t *testing.T) {
	rec := buildRecord(1, 1, []byte("payload-data"))
	compressed := []byte{rleEscape, 'Z', 3}
	compressed = append(compressed, rec...)
	expanded := append([]byte("ZZZ"), rec...)

	body := buildPage(KindData, 1, compressed)
	// Patch the uncompressed-length field to reflect the expanded size.
	binary.LittleEndian.PutUint32(body[4:8], uint32(len(expanded)))

	fb := &fixtureBuilder{}
	fb.add(body, true)
	data := fb.build()

	rd, err := Open("test.tps", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	pages, skips := rd.Pages()
	if len(skips) != 0 {
		t.Fatalf("expected no skips, got %d: %v", len(skips), skips)
	}
	if len(pages) != 1 {
		t.Fatalf("len(pages) = %d, want 1", len(pages))
	}
	if string(pages[0].Payload) != string(expanded) {
		t.Errorf("Payload = %q, want %q", pages[0].Payload, expanded)
	}
}

func TestPagesSkipsCorruptPage(t *testing.T) {
	good := buildPage(KindData, 0, buildRecord(1, 1, []byte("ok")))

	fb := &fixtureBuilder{}
	fb.add(good, false)
	data := fb.build()

	// Append a bogus index entry claiming a page far past the end of the
	// file, simulating a page whose body was truncated or never written.
	var extra bytes.Buffer
	var b4 [4]byte
	binary.LittleEndian.PutUint32(b4[:], 1) // page number
	extra.Write(b4[:])
	binary.LittleEndian.PutUint32(b4[:], uint32(len(data)+1000)) // offset past EOF
	extra.Write(b4[:])
	binary.LittleEndian.PutUint32(b4[:], 64) // compressed length
	extra.Write(b4[:])
	var b2 [2]byte
	binary.LittleEndian.PutUint16(b2[:], 0) // flags
	extra.Write(b2[:])

	full := append(data, extra.Bytes()...)
	// Patch page count to 2; the extra entry sits right after the original
	// index, so the index offset stays valid.
	binary.LittleEndian.PutUint32(full[8:12], 2)

	rd, err := Open("test.tps", bytes.NewReader(full))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, skips := rd.Pages()
	if len(skips) == 0 {
		t.Error("expected at least one skip from the bogus page entry")
	}
}
