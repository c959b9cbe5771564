package page

import "encoding/binary"

// WriteRecord serializes one record using the length-prefix convention
// SplitRecords consumes: Length(2) TableNumber(1) RecordNumber(4) Payload.
// It is the inverse of the record half of SplitRecords, used by
// internal/topspeed/reverse to re-emit data pages.
func WriteRecord(tableNumber uint8, recordNumber uint32, payload []byte) []byte {
	length := recordPrefixSize + len(payload)
	buf := make([]byte, length)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(length))
	buf[2] = tableNumber
	binary.LittleEndian.PutUint32(buf[3:7], recordNumber)
	copy(buf[recordPrefixSize:], payload)
	return buf
}

// WritePage serializes one literal (uncompressed) page: Kind(1) Level(1)
// RecordCount(2) UncompressedLength(4) followed by payload — the inverse
// of readPage's uncompressed path. Reverse never emits RLE-compressed
// pages: only logical, not bit-exact, equivalence is guaranteed, so
// there is no need to re-derive run lengths.
func WritePage(kind PageKind, level uint8, recordCount uint16, payload []byte) []byte {
	buf := make([]byte, pageHeaderSize+len(payload))
	buf[0] = byte(kind)
	buf[1] = level
	binary.LittleEndian.PutUint16(buf[2:4], recordCount)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[pageHeaderSize:], payload)
	return buf
}

// WriteFile assembles a complete TPS1 byte stream from a sequence of page
// bodies (as produced by WritePage), writing a matching file header and
// page index — the inverse of Open's header/index parsing. The result is
// always readable by Open/Pages/RecordsForTable in this same package.
func WriteFile(pages [][]byte) []byte {
	var buf []byte
	buf = append(buf, Magic[:]...)

	putU16 := func(v uint16) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		buf = append(buf, b[:]...)
	}
	putU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}

	putU16(1)                  // version
	putU16(4096)                // page size, informational only
	putU32(uint32(len(pages))) // page count
	indexOffsetPos := len(buf)
	putU32(0) // index offset placeholder, patched below

	type placement struct{ offset, length uint32 }
	placements := make([]placement, len(pages))
	for i, body := range pages {
		placements[i] = placement{offset: uint32(len(buf)), length: uint32(len(body))}
		buf = append(buf, body...)
	}

	indexOffset := uint32(len(buf))
	for i := range pages {
		putU32(uint32(i))
		putU32(placements[i].offset)
		putU32(placements[i].length)
		putU16(0) // flags: uncompressed
	}

	binary.LittleEndian.PutUint32(buf[indexOffsetPos:indexOffsetPos+4], indexOffset)
	return buf
}
