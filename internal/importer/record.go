// Package importer implements the bulk import pipeline: it turns a stream of
// untyped field-value records into persisted rows, choosing an execution
// strategy by workload size, validating every field against injection risk,
// and running the whole call in a single transaction on a single pooled
// connection.
package importer

// Record is one input row as produced by an upstream reader: a mapping from
// column name to raw value. Values are strings, numbers, booleans or nil;
// the column set may vary row to row within one import. The engine unions
// the columns of all records and validates the union against the
// destination schema.
type Record map[string]any

// TableRef names the destination of one import call, plus the audit
// identity stamped onto every written row.
type TableRef struct {
	Table     string
	AuthEmail string
}

// Performance is the timing block of an ImportResult.
type Performance struct {
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`
	RecordsPerSecond     float64 `json:"records_per_second"`
	OptimizationPhase    string  `json:"optimization_phase"`
	BulkInsertCount      int     `json:"bulk_insert_count"`
	BulkUpdateCount      int     `json:"bulk_update_count"`
}

// ImportResult is the aggregate outcome of one import call. It is created
// once per call and never mutated after the call returns.
//
// ProcessedRows + SkippedRows always equals TotalRows.
type ImportResult struct {
	Status        string      `json:"status"`
	Table         string      `json:"table"`
	TotalRows     int         `json:"total_rows"`
	ProcessedRows int         `json:"processed_rows"`
	SkippedRows   int         `json:"skipped_rows"`
	DroppedIDs    []string    `json:"dropped_uuids"`
	Warnings      []string    `json:"warnings"`
	Errors        []string    `json:"errors"`
	Performance   Performance `json:"performance"`
}
