package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mhorvath/bulkpg/internal/pool"
	"github.com/mhorvath/bulkpg/internal/security"
)

// fakeRows replays canned result rows through the pgx.Rows interface.
type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx <= len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *bool:
			*p = row[i].(bool)
		case *int:
			*p = row[i].(int)
		default:
			return errors.New("unsupported scan destination")
		}
	}
	return nil
}

// fakeRow adapts a single canned value to pgx.Row.
type fakeRow struct {
	value any
	err   error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	switch p := dest[0].(type) {
	case *bool:
		*p = r.value.(bool)
	case *int:
		*p = r.value.(int)
	default:
		return errors.New("unsupported scan destination")
	}
	return nil
}

type execCall struct {
	sql  string
	args []any
}

type copyCall struct {
	table   string
	columns []string
	rows    [][]any
}

// fakeTx records the statements the engine issues inside its transaction.
// Only the methods the engine touches do real work.
type fakeTx struct {
	execs      []execCall
	copies     []copyCall
	execErr    error
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(ctx context.Context) error          { t.committed = true; return nil }
func (t *fakeTx) Rollback(ctx context.Context) error        { t.rolledBack = true; return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects            { return pgx.LargeObjects{} }
func (t *fakeTx) Conn() *pgx.Conn                           { return nil }

func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}

func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execErr != nil {
		return pgconn.CommandTag{}, t.execErr
	}
	t.execs = append(t.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, nil
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &fakeRow{err: errors.New("not implemented")}
}

func (t *fakeTx) CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	if t.execErr != nil {
		return 0, t.execErr
	}
	call := copyCall{table: table.Sanitize(), columns: columns}
	for src.Next() {
		values, err := src.Values()
		if err != nil {
			return int64(len(call.rows)), err
		}
		call.rows = append(call.rows, values)
	}
	t.copies = append(t.copies, call)
	return int64(len(call.rows)), nil
}

// fakeImportDB stands in for a database session during engine tests. It
// answers the engine's schema and probe queries from canned state and hands
// out a recording transaction.
type fakeImportDB struct {
	schema   [][2]string // column name, data type; nil means the table is absent
	hasRows  bool
	existing []string
	tx       *fakeTx
	execs    []string
	closed   bool
}

func (f *fakeImportDB) Ping(ctx context.Context) error { return nil }
func (f *fakeImportDB) IsClosed() bool                 { return f.closed }

func (f *fakeImportDB) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeImportDB) Begin(ctx context.Context) (pgx.Tx, error) { return f.tx, nil }

func (f *fakeImportDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakeImportDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	switch {
	case strings.Contains(sql, "information_schema.columns"):
		rows := &fakeRows{}
		for _, col := range f.schema {
			rows.rows = append(rows.rows, []any{col[0], col[1]})
		}
		return rows, nil
	case strings.Contains(sql, "ANY($1::uuid[])"):
		rows := &fakeRows{}
		for _, id := range f.existing {
			rows.rows = append(rows.rows, []any{id})
		}
		return rows, nil
	}
	return nil, errors.New("unexpected query: " + sql)
}

func (f *fakeImportDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "SELECT EXISTS"):
		return &fakeRow{value: f.hasRows}
	case strings.Contains(sql, "SELECT 1"):
		return &fakeRow{value: 1}
	}
	return &fakeRow{err: errors.New("unexpected query: " + sql)}
}

func newTestEngine(t *testing.T, db *fakeImportDB, cfg Config) *Engine {
	t.Helper()
	if db.tx == nil {
		db.tx = &fakeTx{}
	}
	dial := func(ctx context.Context) (pool.DBConn, error) { return db, nil }
	mgr := pool.New(pool.Config{MaxConns: 2, AcquireAttempts: 1}, dial)

	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxWaitTime == 0 {
		cfg.MaxWaitTime = time.Second
	}
	if cfg.HistorySize == 0 {
		cfg.HistorySize = 10
	}
	cfg.AutoCreate = true

	return NewEngine(mgr, security.New(nil, 0), cfg)
}

var productSchema = [][2]string{
	{"id", "uuid"},
	{"created_at", "timestamp with time zone"},
	{"updated_at", "timestamp with time zone"},
	{"auth_email", "character varying"},
	{"name", "text"},
	{"price", "numeric"},
	{"stock_count", "integer"},
}

func TestImportInsertsNewRowsSingleRow(t *testing.T) {
	db := &fakeImportDB{schema: productSchema, hasRows: true}
	e := newTestEngine(t, db, Config{})

	records := []Record{
		{"name": "widget", "price": "9.99", "stock_count": "12"},
		{"name": "gadget", "price": "19.50", "stock_count": "3"},
		{"name": "sprocket", "price": "2.25", "stock_count": "700"},
	}

	result, err := e.ImportRecords(context.Background(), records, TableRef{Table: "products", AuthEmail: "ops@example.com"})
	if err != nil {
		t.Fatalf("ImportRecords: %v", err)
	}

	if result.Status != "success" {
		t.Errorf("status = %q, want success", result.Status)
	}
	if result.ProcessedRows != 3 || result.SkippedRows != 0 {
		t.Errorf("processed = %d, skipped = %d, want 3, 0", result.ProcessedRows, result.SkippedRows)
	}
	if result.Performance.OptimizationPhase != "single_row" {
		t.Errorf("phase = %q, want single_row", result.Performance.OptimizationPhase)
	}
	if len(db.tx.execs) != 3 {
		t.Fatalf("got %d statements, want 3 single-row inserts", len(db.tx.execs))
	}
	if !strings.HasPrefix(db.tx.execs[0].sql, "INSERT INTO \"products\"") {
		t.Errorf("unexpected statement: %s", db.tx.execs[0].sql)
	}
	if !db.tx.committed {
		t.Error("transaction was not committed")
	}
}

func TestImportCreatesMissingTable(t *testing.T) {
	db := &fakeImportDB{schema: nil, hasRows: false}
	e := newTestEngine(t, db, Config{})

	records := []Record{{"name": "widget", "price": "9.99"}}
	result, err := e.ImportRecords(context.Background(), records, TableRef{Table: "products", AuthEmail: "ops@example.com"})
	if err != nil {
		t.Fatalf("ImportRecords: %v", err)
	}

	var created bool
	for _, sql := range db.execs {
		if strings.HasPrefix(sql, "CREATE TABLE \"products\"") {
			created = true
			if !strings.Contains(sql, "auth_email VARCHAR(255)") {
				t.Errorf("created table is missing audit columns: %s", sql)
			}
			if !strings.Contains(sql, "\"price\" NUMERIC") {
				t.Errorf("price column type not inferred: %s", sql)
			}
		}
	}
	if !created {
		t.Fatalf("no CREATE TABLE issued; statements: %v", db.execs)
	}
	if result.ProcessedRows != 1 {
		t.Errorf("processed = %d, want 1", result.ProcessedRows)
	}
}

func TestImportRejectsInjectionRows(t *testing.T) {
	db := &fakeImportDB{schema: productSchema, hasRows: true}
	e := newTestEngine(t, db, Config{})

	records := []Record{
		{"name": "clean row"},
		{"name": "bad'; DROP TABLE products; --"},
		{"name": "another clean row"},
	}

	result, err := e.ImportRecords(context.Background(), records, TableRef{Table: "products", AuthEmail: "ops@example.com"})
	if err != nil {
		t.Fatalf("ImportRecords: %v", err)
	}

	if result.ProcessedRows != 2 || result.SkippedRows != 1 {
		t.Errorf("processed = %d, skipped = %d, want 2, 1", result.ProcessedRows, result.SkippedRows)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", result.Warnings)
	}
	if !strings.Contains(result.Warnings[0], "row 2") {
		t.Errorf("warning does not name the rejected row: %s", result.Warnings[0])
	}
	if strings.Contains(result.Warnings[0], "DROP TABLE") {
		t.Errorf("warning leaks the rejected value: %s", result.Warnings[0])
	}
	if result.ProcessedRows+result.SkippedRows != result.TotalRows {
		t.Errorf("row accounting broken: %d + %d != %d", result.ProcessedRows, result.SkippedRows, result.TotalRows)
	}
}

func TestImportUpdatesExistingAndDropsUnknownIDs(t *testing.T) {
	known := "7f9619ff-8b86-4d01-b42d-00cf4fc964ff"
	unknown := "11111111-2222-4333-8444-555555555555"

	db := &fakeImportDB{
		schema:   productSchema,
		hasRows:  true,
		existing: []string{known},
	}
	e := newTestEngine(t, db, Config{})

	records := []Record{
		{"id": known, "name": "renamed widget"},
		{"id": unknown, "name": "ghost"},
		{"id": "not-a-uuid", "name": "garbled"},
		{"name": "brand new"},
	}

	result, err := e.ImportRecords(context.Background(), records, TableRef{Table: "products", AuthEmail: "ops@example.com"})
	if err != nil {
		t.Fatalf("ImportRecords: %v", err)
	}

	if result.ProcessedRows != 2 {
		t.Errorf("processed = %d, want 2 (one update, one insert)", result.ProcessedRows)
	}
	if result.Performance.BulkUpdateCount != 1 || result.Performance.BulkInsertCount != 1 {
		t.Errorf("updates = %d, inserts = %d, want 1, 1",
			result.Performance.BulkUpdateCount, result.Performance.BulkInsertCount)
	}
	if len(result.DroppedIDs) != 2 {
		t.Fatalf("dropped = %v, want the unknown and malformed ids", result.DroppedIDs)
	}
	if result.DroppedIDs[0] != unknown && result.DroppedIDs[1] != unknown {
		t.Errorf("unknown id missing from dropped list: %v", result.DroppedIDs)
	}
	if result.SkippedRows != 2 {
		t.Errorf("skipped = %d, want 2", result.SkippedRows)
	}

	var sawUpdate bool
	for _, call := range db.tx.execs {
		if strings.HasPrefix(call.sql, "UPDATE \"products\"") {
			sawUpdate = true
		}
	}
	if !sawUpdate {
		t.Errorf("no UPDATE issued; statements: %v", db.tx.execs)
	}
}

func TestImportBatchedPhaseChunksInserts(t *testing.T) {
	db := &fakeImportDB{schema: productSchema, hasRows: true}
	e := newTestEngine(t, db, Config{
		Thresholds: Thresholds{SingleRowMax: 10, BatchedMax: 10000, BatchSize: 10},
	})

	records := make([]Record, 25)
	for i := range records {
		records[i] = Record{"name": "bulk row", "stock_count": "1"}
	}

	result, err := e.ImportRecords(context.Background(), records, TableRef{Table: "products", AuthEmail: "ops@example.com"})
	if err != nil {
		t.Fatalf("ImportRecords: %v", err)
	}

	if result.Performance.OptimizationPhase != "batched" {
		t.Fatalf("phase = %q, want batched", result.Performance.OptimizationPhase)
	}
	if len(db.tx.execs) != 3 {
		t.Fatalf("got %d statements, want 3 chunked inserts (10+10+5)", len(db.tx.execs))
	}
	if result.ProcessedRows != 25 {
		t.Errorf("processed = %d, want 25", result.ProcessedRows)
	}
}

func TestImportFullBulkUsesCopy(t *testing.T) {
	// An empty destination promotes to the copy path even below the
	// size threshold: there is nothing to update, only inserts.
	db := &fakeImportDB{schema: productSchema, hasRows: false}
	e := newTestEngine(t, db, Config{})

	records := make([]Record, 50)
	for i := range records {
		records[i] = Record{"name": "seed row", "price": "1.00"}
	}

	result, err := e.ImportRecords(context.Background(), records, TableRef{Table: "products", AuthEmail: "ops@example.com"})
	if err != nil {
		t.Fatalf("ImportRecords: %v", err)
	}

	if result.Performance.OptimizationPhase != "full_bulk" {
		t.Fatalf("phase = %q, want full_bulk", result.Performance.OptimizationPhase)
	}
	if len(db.tx.copies) != 1 {
		t.Fatalf("got %d COPY calls, want 1", len(db.tx.copies))
	}
	if got := len(db.tx.copies[0].rows); got != 50 {
		t.Errorf("COPY carried %d rows, want 50", got)
	}
	if len(db.tx.execs) != 0 {
		t.Errorf("unexpected non-COPY statements: %v", db.tx.execs)
	}
}

func TestImportInvalidTableName(t *testing.T) {
	db := &fakeImportDB{schema: productSchema, hasRows: true}
	e := newTestEngine(t, db, Config{})

	_, err := e.ImportRecords(context.Background(), []Record{{"name": "x"}}, TableRef{Table: "products; DROP TABLE users"})
	var destErr *DestinationError
	if !errors.As(err, &destErr) {
		t.Fatalf("error = %v, want *DestinationError", err)
	}
	if db.tx.committed || db.tx.rolledBack || len(db.tx.execs) > 0 {
		t.Error("destination validation failure must not touch the database")
	}
}

func TestImportEmptyInput(t *testing.T) {
	db := &fakeImportDB{schema: productSchema, hasRows: true}
	e := newTestEngine(t, db, Config{})

	result, err := e.ImportRecords(context.Background(), nil, TableRef{Table: "products"})
	if err != nil {
		t.Fatalf("ImportRecords: %v", err)
	}
	if result.Status != "error" {
		t.Errorf("status = %q, want error", result.Status)
	}
	if len(result.Errors) == 0 {
		t.Error("empty input should explain itself in errors")
	}
}

func TestImportTransientFailureRollsBackAndDiscardsConn(t *testing.T) {
	db := &fakeImportDB{
		schema:  productSchema,
		hasRows: true,
		tx:      &fakeTx{execErr: errors.New("write: broken pipe")},
	}
	e := newTestEngine(t, db, Config{})

	_, err := e.ImportRecords(context.Background(), []Record{{"name": "x"}}, TableRef{Table: "products"})
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("error = %v, want *TransientError", err)
	}
	if !db.tx.rolledBack {
		t.Error("failed transaction was not rolled back")
	}
	if db.tx.committed {
		t.Error("failed transaction must not commit")
	}
	if got := e.PoolStatus().AvailableCount; got != 0 {
		t.Errorf("broken connection returned to pool, available = %d", got)
	}
}

func TestImportConstraintViolationKeepsConn(t *testing.T) {
	db := &fakeImportDB{
		schema:  productSchema,
		hasRows: true,
		tx:      &fakeTx{execErr: &pgconn.PgError{Code: "23505", Message: "duplicate key"}},
	}
	e := newTestEngine(t, db, Config{})

	_, err := e.ImportRecords(context.Background(), []Record{{"name": "x"}}, TableRef{Table: "products"})
	if err == nil {
		t.Fatal("expected error")
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		t.Fatalf("server-reported error should not be transient: %v", err)
	}
	if got := e.PoolStatus().AvailableCount; got != 1 {
		t.Errorf("healthy connection not returned, available = %d", got)
	}
}

func TestImportAllRowsRejectedIsWarning(t *testing.T) {
	db := &fakeImportDB{schema: productSchema, hasRows: true}
	e := newTestEngine(t, db, Config{})

	records := []Record{
		{"name": "x'; DELETE FROM products; --"},
	}
	result, err := e.ImportRecords(context.Background(), records, TableRef{Table: "products"})
	if err != nil {
		t.Fatalf("ImportRecords: %v", err)
	}
	if result.Status != "warning" {
		t.Errorf("status = %q, want warning", result.Status)
	}
	if result.ProcessedRows != 0 || result.SkippedRows != 1 {
		t.Errorf("processed = %d, skipped = %d, want 0, 1", result.ProcessedRows, result.SkippedRows)
	}
	if db.tx.committed {
		t.Error("no rows to write, nothing should commit")
	}
}

func TestImportRecordsHistory(t *testing.T) {
	db := &fakeImportDB{schema: productSchema, hasRows: true}
	e := newTestEngine(t, db, Config{HistorySize: 2})

	for i := 0; i < 3; i++ {
		if _, err := e.ImportRecords(context.Background(), []Record{{"name": "x"}}, TableRef{Table: "products"}); err != nil {
			t.Fatalf("ImportRecords: %v", err)
		}
	}

	entries := e.RecentImports(10)
	if len(entries) != 2 {
		t.Fatalf("history holds %d entries, want capped at 2", len(entries))
	}
	if entries[0].When.Before(entries[1].When) {
		t.Error("history entries not newest first")
	}
}

func TestUnionColumnsSortedWithoutAudit(t *testing.T) {
	records := []Record{
		{"zeta": 1, "id": "x", "alpha": 2},
		{"mid": 3, "created_at": "now"},
	}
	got := unionColumns(records)
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("unionColumns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unionColumns = %v, want %v", got, want)
		}
	}
}

func TestWideTableUpdateChunksStayUnderBindLimit(t *testing.T) {
	dest := &Destination{Table: "wide"}
	for i := 0; i < 50; i++ {
		dest.Columns = append(dest.Columns, Column{Name: fmt.Sprintf("col_%02d", i), Type: ColText})
	}

	e := newTestEngine(t, &fakeImportDB{}, Config{})

	var updates []updateRow
	for i := 0; i < 2*e.cfg.Thresholds.BatchSize; i++ {
		set := make(map[string]any, len(dest.Columns))
		for _, col := range dest.Columns {
			set[col.Name] = "v"
		}
		updates = append(updates, updateRow{id: uuid.New(), set: set, rowNum: i + 1})
	}

	now := time.Now().UTC()
	chunks := chunkRows(updates, e.updateBatchSize(dest))
	if len(chunks) < 2 {
		t.Fatalf("wide rows should force more than one update chunk, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		_, args := buildCaseUpdateSQL(dest, chunk, now, "a@b.c")
		if len(args) > maxStatementParams {
			t.Fatalf("chunk %d binds %d parameters, over the %d ceiling", i, len(args), maxStatementParams)
		}
	}

	if size := e.insertBatchSize(dest); size*(len(dest.Columns)+4) > maxStatementParams {
		t.Fatalf("insert batch size %d overflows the parameter ceiling", size)
	}
}

func TestChunkRows(t *testing.T) {
	rows := []int{1, 2, 3, 4, 5}
	chunks := chunkRows(rows, 2)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if len(chunks[2]) != 1 || chunks[2][0] != 5 {
		t.Errorf("last chunk = %v, want [5]", chunks[2])
	}
	if chunkRows([]int{}, 2) != nil {
		t.Error("empty input should yield no chunks")
	}
}
