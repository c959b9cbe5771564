// Package convert implements ConversionEngine: it orchestrates per-table
// extraction, requesting records from page.Reader, decoding them via
// record.Decoder, batching into SQLite writes under governor.Governor
// control, and recovering from per-record and per-table failures.
package convert

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	tserrors "github.com/haldane-data/tscore/core/errors"
	"github.com/haldane-data/tscore/core/codepage"
	"github.com/haldane-data/tscore/core/integrity"
	"github.com/haldane-data/tscore/internal/config"
	"github.com/haldane-data/tscore/internal/logging"
	"github.com/haldane-data/tscore/internal/topspeed/arrayfield"
	"github.com/haldane-data/tscore/internal/topspeed/governor"
	"github.com/haldane-data/tscore/internal/topspeed/page"
	"github.com/haldane-data/tscore/internal/topspeed/record"
	"github.com/haldane-data/tscore/internal/topspeed/schema"
	"github.com/haldane-data/tscore/internal/topspeed/tabledef"
	"github.com/haldane-data/tscore/internal/topspeed/value"
)

// Version is the tscore release recorded into _schema.tscore_version.
const Version = "0.1.0"

// SourceFile is one input TopSpeed stream to convert: a bare .tps gets
// PrefixNone, a .phd/.mod unpacked from a .phz (or supplied directly) gets
// PrefixPHD/PrefixMOD. TableNames resolves table_number to its logical
// name; a table_number absent from it falls back to a synthetic
// "table_<N>" name, since a TableDef carries no name field of its own.
// Table naming in a real TopSpeed file comes from a directory this
// module's data model doesn't otherwise model, so callers that have one
// (e.g. from an accompanying .phz manifest) supply it here.
type SourceFile struct {
	Path       string
	Reader     io.ReaderAt
	Prefix     schema.Prefix
	TableNames map[uint8]string
}

// Report summarizes one Convert run.
type Report struct {
	RunID          string
	TablesTotal    int
	TablesOK       int
	TablesPartial  int
	TablesFailed   int
	RowsWritten    int64
	RowsSkipped    int64
	CorruptPages   int64
	ElapsedSeconds float64
	Cancelled      bool
}

// String renders a one-line human-readable summary, e.g. for the CLI to
// print once a run finishes.
func (r *Report) String() string {
	return fmt.Sprintf(
		"run=%s tables=%d ok=%d partial=%d failed=%d rows=%s skipped=%s corrupt_pages=%s elapsed=%.1fs cancelled=%v",
		r.RunID, r.TablesTotal, r.TablesOK, r.TablesPartial, r.TablesFailed,
		humanize.Comma(r.RowsWritten), humanize.Comma(r.RowsSkipped), humanize.Comma(r.CorruptPages),
		r.ElapsedSeconds, r.Cancelled,
	)
}

// Engine is the ConversionEngine. It owns the destination SQLite
// connection for the duration of one Convert call.
type Engine struct {
	cfg config.Config
	db  *sql.DB
	cp  *codepage.Decoder
}

// New returns an Engine writing into db under cfg.
func New(cfg config.Config, db *sql.DB) *Engine {
	return &Engine{cfg: cfg, db: db, cp: codepage.New(codepage.Name(cfg.CodePage))}
}

type tablePlan struct {
	prSource SourceFile
	pr       *page.Reader
	def      *tabledef.TableDef
	infos    []arrayfield.ArrayFieldInfo
	plan     *schema.Plan
}

// tableResult is one table's outcome, accumulated by convertTable and
// merged into the Report by Convert. Keeping it a value (rather than
// mutating a shared Report from inside convertTable) is what lets the
// enterprise parallel path run convertTable from several goroutines
// without a lock around the report.
type tableResult struct {
	rowsWritten  int64
	rowsSkipped  int64
	corruptPages int64
	partial      bool
	cancelled    bool
	err          error
}

// sqliteWriter serializes every DML statement onto one goroutine that
// owns the connection for the duration of a run. Under parallel table
// decoding (enterprise profile) decoder goroutines queue pre-built
// batches here rather than touching the connection themselves; under the
// default single-threaded profile the indirection costs one channel
// round-trip per batch.
type sqliteWriter struct {
	reqs chan writeReq
	done chan struct{}
}

type writeReq struct {
	fn    func() error
	reply chan error
}

func startWriter() *sqliteWriter {
	w := &sqliteWriter{reqs: make(chan writeReq), done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for req := range w.reqs {
			req.reply <- req.fn()
		}
	}()
	return w
}

// do runs fn on the writer goroutine and returns its error. fn must not
// block on anything other than SQLite itself; no operation may block
// while holding the writer.
func (w *sqliteWriter) do(fn func() error) error {
	reply := make(chan error, 1)
	w.reqs <- writeReq{fn: fn, reply: reply}
	return <-reply
}

func (w *sqliteWriter) stop() {
	close(w.reqs)
	<-w.done
}

// Convert runs the conversion over every source, streaming records into
// batched SQLite writes. It honors ctx cancellation between batches: on
// cancel it commits whatever batch is in flight, writes a _resume marker,
// and returns a report with Cancelled set rather than an error, since
// cancellation is a cooperative, non-error terminal state.
func (e *Engine) Convert(ctx context.Context, sources []SourceFile) (*Report, error) {
	runID := uuid.New().String()
	start := time.Now()
	report := &Report{RunID: runID}

	if err := e.ensureSchemaTables(); err != nil {
		return report, err
	}

	// DDL for every table across every source is emitted before any DML,
	// so by-name references between tables always resolve; every tablePlan
	// is built up front and only then are CREATE TABLE/INDEX issued.
	plans, err := e.buildPlans(ctx, runID, sources, report)
	if err != nil {
		return report, err
	}
	report.TablesTotal = len(plans)

	for _, tp := range plans {
		if err := e.createTable(tp); err != nil {
			report.TablesFailed++
			logging.Error("create table failed", "table", tp.plan.TableName, "error", err)
		}
	}

	wr := startWriter()
	defer wr.stop()

	var fatal error
	if e.parallelWorkers() > 1 {
		results := e.convertParallel(ctx, runID, plans, wr)
		for _, res := range results {
			fatal = e.mergeResult(report, res, fatal)
		}
	} else {
		for _, tp := range plans {
			res := e.convertTable(ctx, runID, tp, wr)
			fatal = e.mergeResult(report, res, fatal)
			if res.cancelled || fatal != nil {
				break
			}
		}
	}

	// _resume exists only while there is something to resume: a run that
	// finished every table cleanly clears it. A run with failed tables
	// keeps its markers so a rerun can skip the completed ones.
	if fatal == nil && !report.Cancelled && report.TablesFailed == 0 {
		if _, err := e.db.Exec(`DROP TABLE IF EXISTS _resume`); err != nil {
			logging.Warn("drop _resume failed", "error", err)
		}
	}

	report.ElapsedSeconds = time.Since(start).Seconds()
	return report, fatal
}

// parallelWorkers resolves how many tables decode concurrently. Parallel
// decoding is an enterprise-profile feature only; any other profile,
// including auto (which classifies per table and so cannot promise every
// table is enterprise-sized), runs single-threaded.
func (e *Engine) parallelWorkers() int {
	if e.cfg.Profile != config.ProfileEnterprise {
		return 1
	}
	if e.cfg.ParallelTables < 1 {
		return 1
	}
	return e.cfg.ParallelTables
}

// convertParallel decodes tables concurrently, bounded by the configured
// worker count. Within one table decoding stays strictly sequential; all
// DML funnels through wr's single goroutine. DML order across tables is
// unspecified.
func (e *Engine) convertParallel(ctx context.Context, runID string, plans []tablePlan, wr *sqliteWriter) []tableResult {
	results := make([]tableResult, len(plans))
	sem := make(chan struct{}, e.parallelWorkers())
	var wg sync.WaitGroup

	for i := range plans {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.convertTable(ctx, runID, plans[i], wr)
		}(i)
	}
	wg.Wait()
	return results
}

// mergeResult folds one table's outcome into the run report. It returns
// the first fatal error seen (memory pressure that escaped the governor's
// own remediation); all other errors are table-local and already final in
// res.
func (e *Engine) mergeResult(report *Report, res tableResult, fatal error) error {
	report.RowsWritten += res.rowsWritten
	report.RowsSkipped += res.rowsSkipped
	report.CorruptPages += res.corruptPages
	if res.cancelled {
		report.Cancelled = true
		return fatal
	}
	if res.err != nil {
		report.TablesFailed++
		var memErr *tserrors.MemoryPressureError
		if fatal == nil && errors.As(res.err, &memErr) {
			return res.err
		}
		return fatal
	}
	if res.partial {
		report.TablesPartial++
	} else {
		report.TablesOK++
	}
	return fatal
}

// buildPlans opens every source, parses every table's definition (via the
// strict/enhanced/minimal fallback chain), analyzes its array fields, and
// projects its schema, without issuing any DDL yet.
func (e *Engine) buildPlans(ctx context.Context, runID string, sources []SourceFile, report *Report) ([]tablePlan, error) {
	var plans []tablePlan

	for _, src := range sources {
		pr, err := page.Open(src.Path, src.Reader)
		if err != nil {
			return nil, err // InvalidHeader-class: fatal to the whole run
		}

		defRecords, skips := pr.TableDefRecords()
		report.CorruptPages += int64(len(skips))
		for _, sk := range skips {
			logging.PageSkipped(ctx, runID, src.Path, int64(sk.Entry.Offset), sk.Err.Error())
		}

		rawByTable := map[uint8][]byte{}
		var order []uint8
		for _, rec := range defRecords {
			if _, seen := rawByTable[rec.TableNumber]; !seen {
				order = append(order, rec.TableNumber)
			}
			rawByTable[rec.TableNumber] = rec.Payload
		}
		sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

		for _, tn := range order {
			def, err := tabledef.Parse(tn, rawByTable[tn])
			if err != nil {
				report.TablesFailed++
				continue
			}
			infos := arrayfield.Analyze(def)
			name := src.TableNames[tn]
			if name == "" {
				name = fmt.Sprintf("table_%d", tn)
			}
			plan, err := schema.Project(def, infos, name, src.Prefix)
			if err != nil {
				report.TablesFailed++
				continue
			}
			plans = append(plans, tablePlan{prSource: src, pr: pr, def: def, infos: infos, plan: plan})
		}
	}
	return plans, nil
}

func (e *Engine) createTable(tp tablePlan) error {
	if _, err := e.db.Exec(tp.plan.CreateTable); err != nil {
		return &tserrors.SqliteWriteError{Table: tp.plan.TableName, Stmt: tp.plan.CreateTable, Err: err}
	}
	for _, idxDDL := range tp.plan.CreateIndexes {
		if _, err := e.db.Exec(idxDDL); err != nil {
			return &tserrors.SqliteWriteError{Table: tp.plan.TableName, Stmt: idxDDL, Err: err}
		}
	}
	if err := e.recordSchemaRow(tp.plan, tp.prSource.Prefix); err != nil {
		return err
	}
	return nil
}

// convertTable streams one table's records through record.Decoder into
// batched writes issued via wr. The returned result carries the table's
// counters plus either a cancelled flag (cooperative cancellation,
// in-flight batch committed) or a table-local error; MemoryPressureError
// is the one error kind Convert escalates to fatal.
func (e *Engine) convertTable(ctx context.Context, runID string, tp tablePlan, wr *sqliteWriter) tableResult {
	var res tableResult

	records, skips, err := tp.pr.RecordsForTable(tp.def.TableNumber)
	res.corruptPages = int64(len(skips))
	for _, sk := range skips {
		logging.PageSkipped(ctx, runID, tp.plan.TableName, int64(sk.Entry.Offset), sk.Err.Error())
	}
	if err != nil {
		res.err = err
		return res
	}

	profile := e.resolveProfile(tp, len(records))
	gov := governor.New(profile, e.cfg.MemoryLimitBytes, nil)

	startRecord := uint32(0)
	if e.cfg.Resume {
		if first, last, digest, ok := e.resumePosition(tp.plan.TableName); ok {
			if err := verifyResumeDigest(records, first, last, digest); err != nil {
				logging.Error("resume marker rejected", "table", tp.plan.TableName, "error", err)
				res.err = err
				return res
			}
			startRecord = last + 1
		}
	}

	dec := record.New(e.cp)
	tableStart := time.Now()
	logging.TableStarted(ctx, runID, tp.plan.TableName, int64(len(records)))

	// The marker window (firstRecordNumber..lastRecordNumber, digested
	// over batchRaw) covers every record consumed since the last flush —
	// written or skipped — so a resume run can recompute the digest from
	// source bytes alone, without replaying decode decisions.
	var firstRecordNumber, lastRecordNumber uint32
	batch := make([][]value.Value, 0, gov.BatchSize())
	batchRaw := make([][]byte, 0, gov.BatchSize())

	consume := func(rec page.Record) {
		if len(batchRaw) == 0 {
			firstRecordNumber = rec.RecordNumber
		}
		batchRaw = append(batchRaw, rec.Payload)
		lastRecordNumber = rec.RecordNumber
	}

	flush := func() error {
		if len(batchRaw) == 0 {
			return nil
		}
		if len(batch) > 0 {
			if err := wr.do(func() error { return e.writeBatch(tp.plan, batch) }); err != nil {
				return err
			}
		}
		digest := integrity.HashStream(batchRaw...)
		if err := wr.do(func() error {
			return e.writeResumeMarker(tp.plan.TableName, firstRecordNumber, lastRecordNumber, digest)
		}); err != nil {
			return err
		}
		if len(batch) > 0 {
			res.rowsWritten += int64(len(batch))
			logging.BatchCommitted(ctx, runID, tp.plan.TableName, len(batch))
		}
		oldSize := gov.BatchSize()
		newSize, forcedGC := gov.AfterBatch(len(batch), estimateBatchBytes(batch))
		if forcedGC {
			tp.pr.DropCachedPages()
		}
		if newSize != oldSize {
			logging.GovernorAdjusted(ctx, runID, oldSize, newSize, 0, "forced_gc", forcedGC)
		}
		batch = batch[:0]
		batchRaw = batchRaw[:0]
		return nil
	}

	for _, rec := range records {
		if rec.RecordNumber < startRecord {
			continue
		}
		select {
		case <-ctx.Done():
			if err := flush(); err != nil {
				res.err = err
				return res
			}
			logging.RunCancelled(ctx, runID, tp.plan.TableName, res.rowsWritten)
			res.cancelled = true
			return res
		default:
		}

		row, decodeErr := dec.Decode(tp.def.TableNumber, rec.RecordNumber, rec.Payload, tp.def, tp.infos)
		if decodeErr != nil {
			res.partial = true
			logging.RowDecodeFailed(ctx, runID, tp.plan.TableName, int64(rec.RecordNumber), decodeErr)
			switch e.cfg.OnRowError {
			case config.OnRowErrorAbort:
				// The failing record stays outside the marker window so a
				// rerun revisits it instead of silently stepping past.
				_ = flush()
				res.err = decodeErr
				return res
			case config.OnRowErrorPartial:
				row = partialRow(len(tp.plan.Columns))
			default: // skip
				consume(rec)
				res.rowsSkipped++
				if len(batchRaw) >= gov.BatchSize() {
					if err := flush(); err != nil {
						res.err = err
						return res
					}
				}
				continue
			}
		}

		consume(rec)
		batch = append(batch, row)
		if len(batchRaw) >= gov.BatchSize() {
			if err := flush(); err != nil {
				res.err = err
				return res
			}
		}

		if rss, exceeded := gov.ExceedsHardLimit(); exceeded {
			res.err = &tserrors.MemoryPressureError{RSSBytes: rss, LimitBytes: gov.MemoryLimitBytes()}
			return res
		}
	}

	if err := flush(); err != nil {
		res.err = err
		return res
	}

	logging.TableCompleted(ctx, runID, tp.plan.TableName, res.rowsWritten, time.Since(tableStart))
	return res
}

// verifyResumeDigest recomputes the last committed batch's digest from
// the source — every record payload from first through last in yield
// order — so a resume never silently continues against a source file
// that changed underneath it. Markers written before digests existed
// (empty digest) pass.
func verifyResumeDigest(records []page.Record, first, last uint32, want integrity.Digest) error {
	if want == "" {
		return nil
	}
	var window [][]byte
	inWindow := false
	for _, rec := range records {
		if !inWindow && rec.RecordNumber == first {
			inWindow = true
		}
		if !inWindow {
			continue
		}
		window = append(window, rec.Payload)
		if rec.RecordNumber == last {
			if got := integrity.HashStream(window...); !integrity.Equal(got, want) {
				return fmt.Errorf("resume digest mismatch over records %d..%d: source changed since the interrupted run", first, last)
			}
			return nil
		}
	}
	return fmt.Errorf("resume marker records %d..%d no longer present in source", first, last)
}

// resolveProfile honors an explicit config.Profile; under ProfileAuto it
// classifies the table by its estimated on-disk size (record count times
// record length).
func (e *Engine) resolveProfile(tp tablePlan, recordCount int) governor.Profile {
	switch e.cfg.Profile {
	case config.ProfileSmall:
		return governor.ProfileSmall
	case config.ProfileMedium:
		return governor.ProfileMedium
	case config.ProfileLarge:
		return governor.ProfileLarge
	case config.ProfileEnterprise:
		return governor.ProfileEnterprise
	default:
		estimated := int64(recordCount) * int64(tp.def.RecordLength)
		return governor.ClassifyBySize(estimated)
	}
}

func (e *Engine) ensureSchemaTables() error {
	if _, err := e.db.Exec(schema.CreateSchemaTableDDL); err != nil {
		return &tserrors.SqliteWriteError{Table: "_schema", Err: err}
	}
	if _, err := e.db.Exec(schema.CreateResumeTableDDL); err != nil {
		return &tserrors.SqliteWriteError{Table: "_resume", Err: err}
	}
	return nil
}

func (e *Engine) recordSchemaRow(plan *schema.Plan, prefix schema.Prefix) error {
	const q = `INSERT INTO _schema (table_name, array_fields, source_prefix, decoded_at, tscore_version, table_def_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET
			array_fields=excluded.array_fields,
			source_prefix=excluded.source_prefix,
			decoded_at=excluded.decoded_at,
			tscore_version=excluded.tscore_version,
			table_def_json=excluded.table_def_json`
	_, err := e.db.Exec(q, plan.TableName, plan.ArrayFieldsJSON, string(prefix), time.Now().UTC().Format(time.RFC3339), Version, plan.TableDefJSON)
	if err != nil {
		return &tserrors.SqliteWriteError{Table: "_schema", Err: err}
	}
	return nil
}

func (e *Engine) resumePosition(tableName string) (first, last uint32, digest integrity.Digest, ok bool) {
	row := e.db.QueryRow(`SELECT batch_first, last_record, last_digest FROM _resume WHERE table_name = ?`, tableName)
	var f, l int64
	var d sql.NullString
	if err := row.Scan(&f, &l, &d); err != nil {
		return 0, 0, "", false
	}
	return uint32(f), uint32(l), integrity.Digest(d.String), true
}

func (e *Engine) writeResumeMarker(tableName string, firstRecord, lastRecord uint32, digest integrity.Digest) error {
	const q = `INSERT INTO _resume (table_name, batch_first, last_record, last_digest) VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET
			batch_first=excluded.batch_first,
			last_record=excluded.last_record,
			last_digest=excluded.last_digest`
	if _, err := e.db.Exec(q, tableName, int64(firstRecord), int64(lastRecord), string(digest)); err != nil {
		return &tserrors.SqliteWriteError{Table: "_resume", Err: err}
	}
	return nil
}

func (e *Engine) writeBatch(plan *schema.Plan, rows [][]value.Value) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := e.db.Begin()
	if err != nil {
		return &tserrors.SqliteWriteError{Table: plan.TableName, Err: err}
	}

	colNames := make([]string, len(plan.Columns))
	placeholders := make([]string, len(plan.Columns))
	for i, c := range plan.Columns {
		colNames[i] = schema.QuoteIdent(c.Name)
		placeholders[i] = "?"
	}
	stmtSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		schema.QuoteIdent(plan.TableName), strings.Join(colNames, ", "), strings.Join(placeholders, ", "))

	stmt, err := tx.Prepare(stmtSQL)
	if err != nil {
		_ = tx.Rollback()
		return &tserrors.SqliteWriteError{Table: plan.TableName, Stmt: stmtSQL, Err: err}
	}
	defer stmt.Close()

	for _, row := range rows {
		args := make([]interface{}, len(row))
		for i, v := range row {
			args[i] = v.Interface()
		}
		if _, err := stmt.Exec(args...); err != nil {
			_ = tx.Rollback()
			return &tserrors.SqliteWriteError{Table: plan.TableName, Stmt: stmtSQL, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &tserrors.SqliteWriteError{Table: plan.TableName, Err: err}
	}
	return nil
}

// partialRow builds a row of SQL NULLs for config.OnRowErrorPartial: the
// failed record's column count is preserved so batch width stays
// consistent, but no field value is trusted.
func partialRow(nCols int) []value.Value {
	row := make([]value.Value, nCols)
	for i := range row {
		row[i] = value.NewNull()
	}
	return row
}

func estimateBatchBytes(batch [][]value.Value) int64 {
	var n int64
	for _, row := range batch {
		for _, v := range row {
			switch v.Kind {
			case value.Text:
				n += int64(len(v.S))
			case value.Blob:
				n += int64(len(v.B))
			default:
				n += 8
			}
		}
	}
	return n
}
