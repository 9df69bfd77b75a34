package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mhorvath/bulkpg/internal/logging"
	"github.com/mhorvath/bulkpg/internal/pool"
	"github.com/mhorvath/bulkpg/internal/security"
)

// maxStatementParams caps the parameters of one multi-row statement below
// the PostgreSQL protocol limit of 65535 binds.
const maxStatementParams = 65000

// Config holds engine tuning knobs, normally populated from the
// application config.
type Config struct {
	Thresholds    Thresholds
	AutoCreate    bool
	MaxConcurrent int
	MaxWaitTime   time.Duration
	HistorySize   int
}

// Engine orchestrates validation, strategy selection and phase execution
// for bulk imports. It is the entry point consumed by the HTTP layer and is
// safe for concurrent use; each call owns exactly one pooled connection and
// one transaction from acquisition to release.
type Engine struct {
	pool      *pool.Manager
	validator *security.Validator
	cfg       Config
	limiter   *Limiter
	history   *History
}

// NewEngine creates an Engine on top of a connection pool and a field
// validator.
func NewEngine(p *pool.Manager, v *security.Validator, cfg Config) *Engine {
	if cfg.Thresholds.SingleRowMax <= 0 {
		cfg.Thresholds.SingleRowMax = 10
	}
	if cfg.Thresholds.BatchedMax <= 0 {
		cfg.Thresholds.BatchedMax = 10000
	}
	if cfg.Thresholds.BatchSize <= 0 {
		cfg.Thresholds.BatchSize = 1000
	}

	return &Engine{
		pool:      p,
		validator: v,
		cfg:       cfg,
		limiter:   NewLimiter(cfg.MaxConcurrent, cfg.MaxWaitTime),
		history:   NewHistory(cfg.HistorySize),
	}
}

// PoolStatus exposes the pool snapshot for the diagnostics endpoint.
func (e *Engine) PoolStatus() pool.Status { return e.pool.Status() }

// TestConnection exposes the pool's liveness probe.
func (e *Engine) TestConnection(ctx context.Context) bool { return e.pool.TestConnection(ctx) }

// RecentImports returns up to limit recent import results, newest first.
func (e *Engine) RecentImports(limit int) []HistoryEntry { return e.history.Recent(limit) }

// ActiveImports returns how many import calls are currently executing.
func (e *Engine) ActiveImports() int { return e.limiter.ActiveCount() }

// WaitForImports blocks until in-flight imports drain, for graceful
// shutdown.
func (e *Engine) WaitForImports(ctx context.Context) error { return e.limiter.WaitForDrain(ctx) }

// ImportRecords persists records into the destination table.
//
// Bad rows are filtered and counted, never fatal. The call itself fails
// only on unresolvable destinations (*DestinationError), an exhausted pool
// (pool.ErrPoolExhausted), a connection dying mid-use (*TransientError), or
// concurrency overload (ErrTooManyImports). Exactly one transaction is
// committed or rolled back per call; a concurrent reader never observes a
// partial commit.
func (e *Engine) ImportRecords(ctx context.Context, records []Record, dest TableRef) (*ImportResult, error) {
	if err := e.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer e.limiter.Release()

	start := time.Now()
	logger := logging.WithFields(ctx, "table", dest.Table, "total_rows", len(records))

	if len(records) == 0 {
		return errorResult(dest.Table, "no records to import"), nil
	}

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		// Retry policy lives in the pool; this layer only reports.
		return nil, err
	}

	result, err := e.run(ctx, conn, records, dest, start)
	if err != nil {
		var transient *TransientError
		healthy := !errors.As(err, &transient)
		e.pool.Release(conn, healthy)
		logger.Error("import failed", "error", err, "healthy_conn", healthy)
		return nil, err
	}

	e.pool.Release(conn, true)
	e.history.Add(result)
	logger.Info("import completed",
		"status", result.Status,
		"processed", result.ProcessedRows,
		"skipped", result.SkippedRows,
		"phase", result.Performance.OptimizationPhase,
		"seconds", result.Performance.ExecutionTimeSeconds,
	)
	return result, nil
}

// run executes an import call on a single acquired connection.
func (e *Engine) run(ctx context.Context, conn *pool.Conn, records []Record, ref TableRef, start time.Time) (*ImportResult, error) {
	total := len(records)
	warnings := []string{}
	dropped := []string{}

	// Destination resolution uses the column union of every record, even
	// ones validation later rejects; the original caller sent them all
	// for this table.
	dest, err := ensureDestination(ctx, conn, ref.Table, unionColumns(records), e.cfg.AutoCreate)
	if err != nil {
		return nil, err
	}

	// Security validation. A record with any failing field is excluded
	// whole; it is never partially persisted.
	type acceptedRec struct {
		rec    Record
		rowNum int
	}
	accepted := make([]acceptedRec, 0, total)
	for i, rec := range records {
		if verdict, ok := e.checkRecord(rec); !ok {
			warnings = append(warnings, fmt.Sprintf("row %d: field %q rejected by rule %s", i+1, verdict.Field, verdict.Rule))
			continue
		}
		accepted = append(accepted, acceptedRec{rec: rec, rowNum: i + 1})
	}

	// Cheap destination probes feeding phase selection and upsert
	// partitioning.
	empty, err := destinationEmpty(ctx, conn, dest.Table)
	if err != nil {
		return nil, err
	}

	var candidateIDs []string
	for _, ar := range accepted {
		if id := rowID(ar.rec); id != "" {
			if u, perr := uuid.Parse(id); perr == nil {
				candidateIDs = append(candidateIDs, u.String())
			}
		}
	}
	existing := map[string]bool{}
	if len(candidateIDs) > 0 && !empty {
		existing, err = existingIDs(ctx, conn, dest.Table, candidateIDs)
		if err != nil {
			return nil, err
		}
	}

	// Partition accepted records into inserts, updates and drops, with
	// values converted to the destination's column types.
	var inserts []insertRow
	var updates []updateRow
	for _, ar := range accepted {
		id := rowID(ar.rec)
		if id == "" {
			values, cerr := convertRecord(dest, ar.rec)
			if cerr != nil {
				warnings = append(warnings, fmt.Sprintf("row %d: %v", ar.rowNum, cerr))
				continue
			}
			inserts = append(inserts, insertRow{id: uuid.New(), values: values, rowNum: ar.rowNum})
			continue
		}

		u, perr := uuid.Parse(id)
		if perr != nil {
			dropped = append(dropped, id)
			warnings = append(warnings, fmt.Sprintf("row %d: invalid id format, dropped", ar.rowNum))
			continue
		}
		if !existing[u.String()] {
			dropped = append(dropped, u.String())
			warnings = append(warnings, fmt.Sprintf("row %d: id not found in destination, dropped", ar.rowNum))
			continue
		}

		set, cerr := convertRecordSet(dest, ar.rec)
		if cerr != nil {
			warnings = append(warnings, fmt.Sprintf("row %d: %v", ar.rowNum, cerr))
			continue
		}
		updates = append(updates, updateRow{id: u, set: set, rowNum: ar.rowNum})
	}

	summary := DestinationSummary{Empty: empty, HasMatchingKeys: len(existing) > 0}
	phase := SelectPhase(len(inserts)+len(updates), summary, e.cfg.Thresholds)

	inserted, updated := 0, 0
	if len(inserts)+len(updates) > 0 {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return nil, wrapExecErr("begin transaction", err)
		}

		if err := e.execute(ctx, tx, phase, dest, inserts, updates, ref.AuthEmail); err != nil {
			// Roll the whole call back; nothing from this import
			// remains visible.
			_ = tx.Rollback(ctx)
			return nil, err
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, wrapExecErr("commit", err)
		}
		inserted, updated = len(inserts), len(updates)
	}

	processed := inserted + updated
	elapsed := time.Since(start).Seconds()

	status := "error"
	switch {
	case processed > 0:
		status = "success"
	case len(dropped) > 0 || len(warnings) > 0:
		status = "warning"
	}

	rps := 0.0
	if elapsed > 0 {
		rps = float64(processed) / elapsed
	}

	return &ImportResult{
		Status:        status,
		Table:         dest.Table,
		TotalRows:     total,
		ProcessedRows: processed,
		SkippedRows:   total - processed,
		DroppedIDs:    dropped,
		Warnings:      warnings,
		Errors:        []string{},
		Performance: Performance{
			ExecutionTimeSeconds: round2(elapsed),
			RecordsPerSecond:     round1(rps),
			OptimizationPhase:    phase.String(),
			BulkInsertCount:      inserted,
			BulkUpdateCount:      updated,
		},
	}, nil
}

// checkRecord runs every string field of a record through the validator
// and returns the first failing verdict. Non-string values cannot carry
// injection syntax and are skipped.
func (e *Engine) checkRecord(rec Record) (security.Verdict, bool) {
	for field, value := range rec {
		s, ok := value.(string)
		if !ok {
			continue
		}
		if verdict := e.validator.Check(field, s); !verdict.OK {
			return verdict, false
		}
	}
	return security.Verdict{OK: true}, true
}

// execute runs the chosen phase inside the supplied transaction.
func (e *Engine) execute(ctx context.Context, tx pgx.Tx, phase Phase, dest *Destination, inserts []insertRow, updates []updateRow, authEmail string) error {
	now := time.Now().UTC()

	switch phase {
	case PhaseSingleRow:
		for _, row := range inserts {
			sql := buildInsertSQL(dest, 1)
			if _, err := tx.Exec(ctx, sql, insertArgs([]insertRow{row}, now, authEmail)...); err != nil {
				return wrapExecErr("single-row insert", err)
			}
		}
		for _, row := range updates {
			sql, args := buildSingleUpdateSQL(dest, row, now, authEmail)
			if _, err := tx.Exec(ctx, sql, args...); err != nil {
				return wrapExecErr("single-row update", err)
			}
		}

	case PhaseBatched:
		for _, chunk := range chunkRows(inserts, e.insertBatchSize(dest)) {
			sql := buildInsertSQL(dest, len(chunk))
			if _, err := tx.Exec(ctx, sql, insertArgs(chunk, now, authEmail)...); err != nil {
				return wrapExecErr("batched insert", err)
			}
		}
		if err := e.executeUpdates(ctx, tx, dest, updates, now, authEmail); err != nil {
			return err
		}

	case PhaseFullBulk:
		if len(inserts) > 0 {
			_, err := tx.CopyFrom(ctx,
				pgx.Identifier{dest.Table},
				insertColumns(dest),
				pgx.CopyFromRows(copyValues(inserts, now, authEmail)),
			)
			if err != nil {
				return wrapExecErr("bulk copy", err)
			}
		}
		if err := e.executeUpdates(ctx, tx, dest, updates, now, authEmail); err != nil {
			return err
		}
	}

	return nil
}

// executeUpdates issues chunked bulk CASE updates, shared by the batched
// and full-bulk phases.
func (e *Engine) executeUpdates(ctx context.Context, tx pgx.Tx, dest *Destination, updates []updateRow, now time.Time, authEmail string) error {
	for _, chunk := range chunkRows(updates, e.updateBatchSize(dest)) {
		sql, args := buildCaseUpdateSQL(dest, chunk, now, authEmail)
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return wrapExecErr("bulk update", err)
		}
	}
	return nil
}

// insertBatchSize shrinks the configured batch size when wide rows would
// push one multi-row INSERT past the bind-parameter ceiling. Each row binds
// every data column plus identity and the three audit values.
func (e *Engine) insertBatchSize(dest *Destination) int {
	return clampBatchSize(e.cfg.Thresholds.BatchSize, len(dest.Columns)+4, 0)
}

// updateBatchSize does the same for bulk CASE updates, which are costlier
// per row: each row can bind an id and a value for every touched column,
// and the statement adds the audit values plus the WHERE id array.
func (e *Engine) updateBatchSize(dest *Destination) int {
	return clampBatchSize(e.cfg.Thresholds.BatchSize, 2*len(dest.Columns), 3)
}

func clampBatchSize(size, perRow, overhead int) int {
	if perRow < 1 {
		perRow = 1
	}
	if size*perRow+overhead > maxStatementParams {
		size = (maxStatementParams - overhead) / perRow
	}
	if size < 1 {
		size = 1
	}
	return size
}

// convertRecord builds the full value slice for an insert, aligned to the
// destination columns; absent columns persist as NULL.
func convertRecord(dest *Destination, rec Record) ([]any, error) {
	values := make([]any, len(dest.Columns))
	for i, col := range dest.Columns {
		raw, ok := rec[col.Name]
		if !ok {
			continue
		}
		v, err := convertValue(col, raw)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		values[i] = v
	}
	return values, nil
}

// convertRecordSet builds the column->value map for an update, covering
// only the columns the record actually carries.
func convertRecordSet(dest *Destination, rec Record) (map[string]any, error) {
	set := make(map[string]any, len(rec))
	for _, col := range dest.Columns {
		raw, ok := rec[col.Name]
		if !ok {
			continue
		}
		v, err := convertValue(col, raw)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		set[col.Name] = v
	}
	return set, nil
}

// unionColumns collects the sorted union of data column names across all
// records. Sorting keeps destination DDL and statement shapes
// deterministic regardless of map iteration order.
func unionColumns(records []Record) []string {
	seen := map[string]bool{}
	for _, rec := range records {
		for col := range rec {
			if !auditColumns[col] {
				seen[col] = true
			}
		}
	}
	cols := make([]string, 0, len(seen))
	for col := range seen {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// chunkRows splits rows into slices of at most size.
func chunkRows[T any](rows []T, size int) [][]T {
	if len(rows) == 0 {
		return nil
	}
	var chunks [][]T
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}

// errorResult builds the result shape for calls rejected before any
// database work.
func errorResult(table, msg string) *ImportResult {
	return &ImportResult{
		Status:      "error",
		Table:       table,
		DroppedIDs:  []string{},
		Warnings:    []string{},
		Errors:      []string{msg},
		Performance: Performance{OptimizationPhase: "none"},
	}
}

func round2(f float64) float64 { return float64(int(f*100+0.5)) / 100 }
func round1(f float64) float64 { return float64(int(f*10+0.5)) / 10 }
