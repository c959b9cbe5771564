package convert

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/haldane-data/tscore/core/integrity"
	coresqlite "github.com/haldane-data/tscore/core/sqlite"
	"github.com/haldane-data/tscore/internal/config"
	"github.com/haldane-data/tscore/internal/topspeed/page"
	"github.com/haldane-data/tscore/internal/topspeed/schema"
	"github.com/haldane-data/tscore/internal/topspeed/tabledef"
)

// buildSource assembles a complete synthetic .tps byte stream for one table
// (def.TableNumber) with the given field layout and raw data records,
// using the real encode/write path so this test exercises the same byte
// layout the production reader consumes.
func buildSource(t *testing.T, def *tabledef.TableDef, records [][]byte) []byte {
	t.Helper()

	defPayload := tabledef.Encode(def)
	defRecord := page.WriteRecord(def.TableNumber, 0, defPayload)
	defPage := page.WritePage(page.KindTableDef, 0, 1, defRecord)

	var dataPayload []byte
	for i, rec := range records {
		dataPayload = append(dataPayload, page.WriteRecord(def.TableNumber, uint32(i+1), rec)...)
	}
	dataPage := page.WritePage(page.KindData, 0, uint16(len(records)), dataPayload)

	return page.WriteFile([][]byte{defPage, dataPage})
}

func customerDef() *tabledef.TableDef {
	return &tabledef.TableDef{
		TableNumber:  1,
		RecordLength: 14,
		Fields: []tabledef.FieldDef{
			{Name: "NAME", Type: tabledef.TypeString, Offset: 0, Length: 10, ElementCount: 1},
			{Name: "QTY", Type: tabledef.TypeLong, Offset: 10, Length: 4, ElementCount: 1},
		},
	}
}

func customerRecord(name string, qty int32) []byte {
	buf := make([]byte, 14)
	copy(buf[0:10], name)
	binary.LittleEndian.PutUint32(buf[10:14], uint32(qty))
	return buf
}

func newTestEngine(t *testing.T) (*Engine, func()) {
	t.Helper()
	db, err := coresqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return New(config.Default(), db), func() { db.Close() }
}

func TestConvertWritesRowsAndSchemaBookkeeping(t *testing.T) {
	def := customerDef()
	data := buildSource(t, def, [][]byte{
		customerRecord("ALICE", 5),
		customerRecord("BOB", 10),
	})

	engine, closeFn := newTestEngine(t)
	defer closeFn()

	src := SourceFile{
		Path:       "customers.tps",
		Reader:     bytes.NewReader(data),
		Prefix:     schema.PrefixNone,
		TableNames: map[uint8]string{1: "customer"},
	}

	report, err := engine.Convert(context.Background(), []SourceFile{src})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if report.TablesOK != 1 {
		t.Errorf("TablesOK = %d, want 1", report.TablesOK)
	}
	if report.RowsWritten != 2 {
		t.Errorf("RowsWritten = %d, want 2", report.RowsWritten)
	}

	rows, err := engine.db.Query(`SELECT "NAME", "QTY" FROM customer ORDER BY "QTY"`)
	if err != nil {
		t.Fatalf("query customer: %v", err)
	}
	defer rows.Close()

	var got []struct {
		name string
		qty  int64
	}
	for rows.Next() {
		var name string
		var qty int64
		if err := rows.Scan(&name, &qty); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, struct {
			name string
			qty  int64
		}{name, qty})
	}
	if len(got) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(got))
	}
	if got[0].name != "ALICE" || got[0].qty != 5 {
		t.Errorf("row 0 = %+v", got[0])
	}
	if got[1].name != "BOB" || got[1].qty != 10 {
		t.Errorf("row 1 = %+v", got[1])
	}

	var schemaCount int
	row := engine.db.QueryRow(`SELECT COUNT(*) FROM _schema WHERE table_name = 'customer'`)
	if err := row.Scan(&schemaCount); err != nil {
		t.Fatalf("query _schema: %v", err)
	}
	if schemaCount != 1 {
		t.Errorf("_schema rows for customer = %d, want 1", schemaCount)
	}
}

func TestConvertFallsBackToSyntheticTableName(t *testing.T) {
	def := customerDef()
	def.TableNumber = 9
	data := buildSource(t, def, [][]byte{customerRecord("CARL", 1)})

	engine, closeFn := newTestEngine(t)
	defer closeFn()

	src := SourceFile{Path: "unnamed.tps", Reader: bytes.NewReader(data), Prefix: schema.PrefixNone}
	report, err := engine.Convert(context.Background(), []SourceFile{src})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if report.TablesOK != 1 {
		t.Errorf("TablesOK = %d, want 1", report.TablesOK)
	}

	var count int
	row := engine.db.QueryRow(`SELECT COUNT(*) FROM table_9`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("query table_9: %v", err)
	}
	if count != 1 {
		t.Errorf("table_9 row count = %d, want 1", count)
	}
}

func TestConvertAppliesPrefixToTableAndSchema(t *testing.T) {
	def := customerDef()
	data := buildSource(t, def, [][]byte{customerRecord("DAN", 2)})

	engine, closeFn := newTestEngine(t)
	defer closeFn()

	src := SourceFile{
		Path:       "customers.phd",
		Reader:     bytes.NewReader(data),
		Prefix:     schema.PrefixPHD,
		TableNames: map[uint8]string{1: "customer"},
	}
	if _, err := engine.Convert(context.Background(), []SourceFile{src}); err != nil {
		t.Fatalf("Convert: %v", err)
	}

	var count int
	row := engine.db.QueryRow(`SELECT COUNT(*) FROM phd_customer`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("query phd_customer: %v", err)
	}
	if count != 1 {
		t.Errorf("phd_customer row count = %d, want 1", count)
	}
}

func TestConvertSkipPolicyDropsUndecodableRows(t *testing.T) {
	def := &tabledef.TableDef{
		TableNumber:  1,
		RecordLength: 8,
		Fields: []tabledef.FieldDef{
			{Name: "BIGFIELD", Type: tabledef.TypeLong, Offset: 0, Length: 16, ElementCount: 1},
		},
	}
	// Record bytes are shorter than the field claims, forcing a decode
	// failure on every row.
	data := buildSource(t, def, [][]byte{make([]byte, 8)})

	engine, closeFn := newTestEngine(t)
	defer closeFn()
	engine.cfg.OnRowError = config.OnRowErrorSkip

	src := SourceFile{Path: "broken.tps", Reader: bytes.NewReader(data), TableNames: map[uint8]string{1: "broken"}}
	report, err := engine.Convert(context.Background(), []SourceFile{src})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if report.RowsSkipped != 1 {
		t.Errorf("RowsSkipped = %d, want 1", report.RowsSkipped)
	}
	if report.TablesFailed != 0 {
		t.Errorf("TablesFailed = %d, want 0 (skip policy keeps the table going)", report.TablesFailed)
	}
}

func TestConvertResumeSkipsAlreadyWrittenRecords(t *testing.T) {
	def := customerDef()
	data := buildSource(t, def, [][]byte{
		customerRecord("ALICE", 5),
		customerRecord("BOB", 10),
	})

	engine, closeFn := newTestEngine(t)
	defer closeFn()

	// Seed the marker an interrupted run would have left: records 1..2
	// committed as one batch, digest over both raw payloads.
	if err := engine.ensureSchemaTables(); err != nil {
		t.Fatalf("ensureSchemaTables: %v", err)
	}
	digest := integrity.HashStream(customerRecord("ALICE", 5), customerRecord("BOB", 10))
	if err := engine.writeResumeMarker("customer", 1, 2, digest); err != nil {
		t.Fatalf("writeResumeMarker: %v", err)
	}

	engine.cfg.Resume = true
	src := SourceFile{Path: "customers.tps", Reader: bytes.NewReader(data), TableNames: map[uint8]string{1: "customer"}}
	report, err := engine.Convert(context.Background(), []SourceFile{src})
	if err != nil {
		t.Fatalf("resumed Convert: %v", err)
	}
	if report.RowsWritten != 0 {
		t.Errorf("resumed RowsWritten = %d, want 0 (every record already past the resume marker)", report.RowsWritten)
	}
	if report.TablesOK != 1 {
		t.Errorf("TablesOK = %d, want 1", report.TablesOK)
	}

	// A run that finished every table cleanly clears _resume entirely.
	var n int
	row := engine.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = '_resume'`)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if n != 0 {
		t.Error("_resume still present after a fully successful run")
	}
}

func TestConvertParallelTablesUnderEnterpriseProfile(t *testing.T) {
	defA := customerDef()
	defB := customerDef()
	defB.TableNumber = 2

	defPageA := page.WritePage(page.KindTableDef, 0, 1, page.WriteRecord(1, 0, tabledef.Encode(defA)))
	defPageB := page.WritePage(page.KindTableDef, 0, 1, page.WriteRecord(2, 0, tabledef.Encode(defB)))

	var dataA, dataB []byte
	for i := 1; i <= 30; i++ {
		dataA = append(dataA, page.WriteRecord(1, uint32(i), customerRecord("A", int32(i)))...)
		dataB = append(dataB, page.WriteRecord(2, uint32(i), customerRecord("B", int32(i)))...)
	}
	data := page.WriteFile([][]byte{
		defPageA, defPageB,
		page.WritePage(page.KindData, 0, 30, dataA),
		page.WritePage(page.KindData, 0, 30, dataB),
	})

	engine, closeFn := newTestEngine(t)
	defer closeFn()
	engine.cfg.Profile = config.ProfileEnterprise
	engine.cfg.ParallelTables = 2

	src := SourceFile{
		Path:       "pair.tps",
		Reader:     bytes.NewReader(data),
		TableNames: map[uint8]string{1: "alpha", 2: "beta"},
	}
	report, err := engine.Convert(context.Background(), []SourceFile{src})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if report.TablesOK != 2 {
		t.Errorf("TablesOK = %d, want 2", report.TablesOK)
	}
	if report.RowsWritten != 60 {
		t.Errorf("RowsWritten = %d, want 60", report.RowsWritten)
	}

	for _, table := range []string{"alpha", "beta"} {
		var count int
		row := engine.db.QueryRow(`SELECT COUNT(*) FROM ` + table)
		if err := row.Scan(&count); err != nil {
			t.Fatalf("query %s: %v", table, err)
		}
		if count != 30 {
			t.Errorf("%s row count = %d, want 30", table, count)
		}
	}
}

func TestConvertResumeRejectsChangedSource(t *testing.T) {
	def := customerDef()

	engine, closeFn := newTestEngine(t)
	defer closeFn()

	// Marker from an interrupted run over the original source, whose last
	// committed batch was ALICE then BOB.
	if err := engine.ensureSchemaTables(); err != nil {
		t.Fatalf("ensureSchemaTables: %v", err)
	}
	digest := integrity.HashStream(customerRecord("ALICE", 5), customerRecord("BOB", 10))
	if err := engine.writeResumeMarker("customer", 1, 2, digest); err != nil {
		t.Fatalf("writeResumeMarker: %v", err)
	}

	// Same layout, different bytes in the last committed record: the
	// _resume digest must not match, and the table must refuse to resume.
	changed := buildSource(t, def, [][]byte{
		customerRecord("ALICE", 5),
		customerRecord("EVE", 99),
	})
	engine.cfg.Resume = true
	report, err := engine.Convert(context.Background(), []SourceFile{
		{Path: "customers.tps", Reader: bytes.NewReader(changed), TableNames: map[uint8]string{1: "customer"}},
	})
	if err != nil {
		t.Fatalf("resumed Convert: %v", err)
	}
	if report.TablesFailed != 1 {
		t.Errorf("TablesFailed = %d, want 1 (digest mismatch rejects resume)", report.TablesFailed)
	}
	if report.RowsWritten != 0 {
		t.Errorf("RowsWritten = %d, want 0", report.RowsWritten)
	}
}

func TestConvertCancelledBeforeFirstRecordWritesNothing(t *testing.T) {
	def := customerDef()
	data := buildSource(t, def, [][]byte{
		customerRecord("ALICE", 5),
		customerRecord("BOB", 10),
	})

	engine, closeFn := newTestEngine(t)
	defer closeFn()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before the first record is read

	src := SourceFile{Path: "customers.tps", Reader: bytes.NewReader(data), TableNames: map[uint8]string{1: "customer"}}
	report, err := engine.Convert(ctx, []SourceFile{src})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !report.Cancelled {
		t.Error("report.Cancelled = false, want true")
	}
	if report.RowsWritten != 0 {
		t.Errorf("RowsWritten = %d, want 0", report.RowsWritten)
	}
}
