// Package page implements PageReader: a random-access reader over a
// TopSpeed file's page-oriented layout. It resolves the file header and
// page index, decompresses RLE-encoded page payloads, and splits each
// page's payload into records by the format's length-prefix convention.
//
// A PageReader never aborts a scan over a corrupt page; it counts the
// skip and continues. Only a bad file header or a truncated read is
// fatal.
package page

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/haldane-data/tscore/core/cache"
	tserrors "github.com/haldane-data/tscore/core/errors"
)

// Magic is the 4-byte signature every TopSpeed file this reader accepts
// begins with.
var Magic = [4]byte{'T', 'P', 'S', '1'}

// FileHeader is the fixed-size block at the start of a .tps/.phd/.mod
// file, describing the page index that follows.
type FileHeader struct {
	Magic       [4]byte
	Version     uint16
	PageSize    uint16
	PageCount   uint32
	IndexOffset uint32
}

const fileHeaderSize = 16

// PageFlags bits.
const (
	FlagCompressed uint16 = 1 << 0
)

// IndexEntry describes one page's location and kind, as recorded in the
// page index.
type IndexEntry struct {
	PageNumber       uint32
	Offset           uint32
	CompressedLength uint32
	Flags            uint16
}

func (e IndexEntry) Compressed() bool {
	return e.Flags&FlagCompressed != 0
}

const indexEntrySize = 14 // PageNumber(4) Offset(4) CompressedLength(4) Flags(2)

// PageKind discriminates what a page's records are.
type PageKind byte

const (
	KindTableDef PageKind = iota
	KindData
	KindIndex
	KindMemo
)

const pageHeaderSize = 8 // Kind(1) Level(1) RecordCount(2) UncompressedLength(4)

// Page is one decoded page: its header plus the decompressed, unsplit
// payload bytes.
type Page struct {
	Number      uint32
	Kind        PageKind
	Level       uint8
	RecordCount uint16
	Payload     []byte
}

var _ cache.ByteSizeEstimator = (*Page)(nil)

// EstimateBytes reports the page's resident footprint for cache byte
// accounting: the decompressed payload plus the fixed header fields.
func (p *Page) EstimateBytes() int64 {
	return int64(len(p.Payload)) + pageHeaderSize
}

// Record is the smallest decodable unit of user data within a page.
type Record struct {
	TableNumber  uint8
	RecordNumber uint32
	Payload      []byte
}

// Reader is a random-access reader over one TopSpeed file.
type Reader struct {
	path   string
	r      io.ReaderAt
	header FileHeader
	index  []IndexEntry
	cache  PageCache
}

// cachePages and cacheBytes bound the decompressed pages one Reader
// keeps between scans. Every per-table record scan walks the full page
// set, so without a cache a file with N tables decompresses every page
// N+1 times; the byte bound keeps that reuse from competing with the
// governor's memory budget.
const (
	cachePages = 512
	cacheBytes = 64 << 20
)

// Open parses path's file header and page index, returning a Reader
// positioned to iterate pages or per-table records. The underlying
// io.ReaderAt is supplied by the caller (typically a bytes.Reader over an
// in-memory .phd/.mod stream unpacked from a .phz, or an *os.File for a
// bare .tps).
func Open(path string, r io.ReaderAt) (*Reader, error) {
	var hdrBuf [fileHeaderSize]byte
	n, err := r.ReadAt(hdrBuf[:], 0)
	if err != nil && err != io.EOF {
		return nil, tserrors.Wrap(err, "read file header")
	}
	if n < fileHeaderSize {
		return nil, &tserrors.UnexpectedEOFError{Path: path, Offset: int64(n)}
	}

	var hdr FileHeader
	copy(hdr.Magic[:], hdrBuf[0:4])
	hdr.Version = binary.LittleEndian.Uint16(hdrBuf[4:6])
	hdr.PageSize = binary.LittleEndian.Uint16(hdrBuf[6:8])
	hdr.PageCount = binary.LittleEndian.Uint32(hdrBuf[8:12])
	hdr.IndexOffset = binary.LittleEndian.Uint32(hdrBuf[12:16])

	if hdr.Magic != Magic {
		return nil, &tserrors.InvalidHeaderError{Path: path, Reason: fmt.Sprintf("bad magic %q", hdr.Magic[:])}
	}
	if hdr.PageSize == 0 {
		return nil, &tserrors.InvalidHeaderError{Path: path, Reason: "zero page size"}
	}

	index := make([]IndexEntry, 0, hdr.PageCount)
	buf := make([]byte, indexEntrySize)
	for i := uint32(0); i < hdr.PageCount; i++ {
		off := int64(hdr.IndexOffset) + int64(i)*indexEntrySize
		n, err := r.ReadAt(buf, off)
		if err != nil && err != io.EOF {
			return nil, tserrors.Wrap(err, "read page index entry")
		}
		if n < indexEntrySize {
			return nil, &tserrors.UnexpectedEOFError{Path: path, Offset: off}
		}
		index = append(index, IndexEntry{
			PageNumber:       binary.LittleEndian.Uint32(buf[0:4]),
			Offset:           binary.LittleEndian.Uint32(buf[4:8]),
			CompressedLength: binary.LittleEndian.Uint32(buf[8:12]),
			Flags:            binary.LittleEndian.Uint16(buf[12:14]),
		})
	}

	return &Reader{path: path, r: r, header: hdr, index: index, cache: NewPageCache(cacheBytes)}, nil
}

// Header returns the parsed file header.
func (rd *Reader) Header() FileHeader {
	return rd.header
}

// PageCount returns the number of pages listed in the index.
func (rd *Reader) PageCount() int {
	return len(rd.index)
}

// DropCachedPages releases every cached decompressed page. The
// ConversionEngine calls it when the governor forces a GC sweep, so the
// page cache yields memory under the same pressure signal the batch
// sizing responds to.
func (rd *Reader) DropCachedPages() {
	rd.cache.Clear()
}

// Skip reports, alongside a Page, whether a page was corrupt and could
// not be read — callers use this to increment a corrupt-page counter
// without treating it as fatal.
type Skip struct {
	Entry IndexEntry
	Err   error
}

// Pages returns every page the index describes, decompressing each.
// Corrupt pages are reported via skips rather than stopping iteration;
// the returned slice of pages excludes them.
func (rd *Reader) Pages() ([]Page, []Skip) {
	pages := make([]Page, 0, len(rd.index))
	var skips []Skip

	for _, entry := range rd.index {
		p, err := rd.readPage(entry)
		if err != nil {
			skips = append(skips, Skip{Entry: entry, Err: err})
			continue
		}
		pages = append(pages, p)
	}
	return pages, skips
}

func (rd *Reader) readPage(entry IndexEntry) (Page, error) {
	if p, ok := rd.cache.Get(entry.PageNumber); ok {
		return *p, nil
	}
	raw := make([]byte, entry.CompressedLength)
	n, err := rd.r.ReadAt(raw, int64(entry.Offset))
	if err != nil && err != io.EOF {
		return Page{}, &tserrors.CorruptPageError{Path: rd.path, PageOffset: int64(entry.Offset), Reason: err.Error()}
	}
	if uint32(n) < entry.CompressedLength {
		return Page{}, &tserrors.CorruptPageError{Path: rd.path, PageOffset: int64(entry.Offset), Reason: "truncated page body"}
	}
	if len(raw) < pageHeaderSize {
		return Page{}, &tserrors.CorruptPageError{Path: rd.path, PageOffset: int64(entry.Offset), Reason: "page shorter than header"}
	}

	kind := PageKind(raw[0])
	level := raw[1]
	recordCount := binary.LittleEndian.Uint16(raw[2:4])
	uncompressedLength := binary.LittleEndian.Uint32(raw[4:8])
	body := raw[pageHeaderSize:]

	var payload []byte
	if entry.Compressed() {
		payload, err = decompressRLE(body, int(uncompressedLength))
		if err != nil {
			return Page{}, &tserrors.CorruptPageError{Path: rd.path, PageOffset: int64(entry.Offset), Reason: err.Error()}
		}
	} else {
		payload = body
	}

	p := Page{
		Number:      entry.PageNumber,
		Kind:        kind,
		Level:       level,
		RecordCount: recordCount,
		Payload:     payload,
	}
	rd.cache.Put(entry.PageNumber, &p)
	return p, nil
}

// rleEscape marks the start of a run in the compressed stream: escape,
// runByte, runLength. Any other byte is a literal.
const rleEscape = 0xFF

// decompressRLE expands the common single-byte run-length scheme: a
// literal byte copies through; the escape byte, followed by a value byte
// and a count byte, expands to count repetitions of value. A truncated
// run or a length mismatch is an error, which readPage reports as a
// CorruptPageError. Only the FlagCompressed index bit selects this path;
// other flag bits are not inspected.
func decompressRLE(compressed []byte, expectedLen int) ([]byte, error) {
	out := make([]byte, 0, expectedLen)
	i := 0
	for i < len(compressed) {
		b := compressed[i]
		if b == rleEscape {
			if i+2 >= len(compressed) {
				return nil, fmt.Errorf("truncated RLE run at offset %d", i)
			}
			value := compressed[i+1]
			count := compressed[i+2]
			for j := byte(0); j < count; j++ {
				out = append(out, value)
			}
			i += 3
			continue
		}
		out = append(out, b)
		i++
	}
	if expectedLen > 0 && len(out) != expectedLen {
		return nil, fmt.Errorf("RLE expansion length mismatch: got %d, want %d", len(out), expectedLen)
	}
	return out, nil
}

const recordPrefixSize = 7 // Length(2) TableNumber(1) RecordNumber(4)

// SplitRecords splits a data page's payload into records using the
// length-prefix convention: a 2-byte little-endian total record length,
// a 1-byte table number, a 4-byte little-endian record number, then the
// record's own payload bytes.
func SplitRecords(payload []byte) ([]Record, error) {
	var records []Record
	i := 0
	for i < len(payload) {
		if i+2 > len(payload) {
			return records, fmt.Errorf("truncated record length prefix at offset %d", i)
		}
		length := int(binary.LittleEndian.Uint16(payload[i : i+2]))
		if length < recordPrefixSize {
			return records, fmt.Errorf("invalid record length %d at offset %d", length, i)
		}
		if i+length > len(payload) {
			return records, fmt.Errorf("record at offset %d overruns page payload", i)
		}
		body := payload[i : i+length]
		records = append(records, Record{
			TableNumber:  body[2],
			RecordNumber: binary.LittleEndian.Uint32(body[3:7]),
			Payload:      body[recordPrefixSize:],
		})
		i += length
	}
	return records, nil
}

// RecordsForTable returns every data-page record belonging to tableNumber,
// in page order, alongside the corrupt-page skips encountered along the
// way. This is a finite, single-pass scan: a fresh call re-reads the
// index and pages rather than resuming an exhausted iterator.
func (rd *Reader) RecordsForTable(tableNumber uint8) ([]Record, []Skip, error) {
	pages, skips := rd.Pages()

	var records []Record
	for _, p := range pages {
		if p.Kind != KindData {
			continue
		}
		recs, err := SplitRecords(p.Payload)
		if err != nil {
			skips = append(skips, Skip{
				Entry: IndexEntry{PageNumber: p.Number},
				Err:   &tserrors.CorruptPageError{Path: rd.path, PageOffset: int64(p.Number), Reason: err.Error()},
			})
			continue
		}
		for _, rec := range recs {
			if rec.TableNumber == tableNumber {
				records = append(records, rec)
			}
		}
	}
	return records, skips, nil
}

// TableDefRecords returns every table-definition page's records, used by
// TableDefinitionParser to locate each table's metadata block.
func (rd *Reader) TableDefRecords() ([]Record, []Skip) {
	pages, skips := rd.Pages()

	var records []Record
	for _, p := range pages {
		if p.Kind != KindTableDef {
			continue
		}
		recs, err := SplitRecords(p.Payload)
		if err != nil {
			skips = append(skips, Skip{
				Entry: IndexEntry{PageNumber: p.Number},
				Err:   &tserrors.CorruptPageError{Path: rd.path, PageOffset: int64(p.Number), Reason: err.Error()},
			})
			continue
		}
		records = append(records, recs...)
	}
	return records, skips
}
