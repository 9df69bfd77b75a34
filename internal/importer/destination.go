package importer

import (
	"context"
	"fmt"
	"strings"

	"github.com/mhorvath/bulkpg/internal/pool"
	"github.com/mhorvath/bulkpg/internal/security"
)

// destination.go resolves the destination table for an import call: its
// column set and types, whether it must be created, and the cheap probes
// (emptiness, key existence) that feed phase selection and upsert
// partitioning. Resolution happens once per call, on the call's single
// connection, before the transaction starts.

// auditColumns are maintained by the engine on every row and never accepted
// as data columns from input.
var auditColumns = map[string]bool{
	"id":         true,
	"created_at": true,
	"updated_at": true,
	"auth_email": true,
}

// ColumnType classifies a destination column for value conversion.
type ColumnType int

const (
	ColText ColumnType = iota
	ColVarchar
	ColInteger
	ColNumeric
	ColTimestamp
	ColBool
	ColUUID
)

// Column is one resolved data column of the destination.
type Column struct {
	Name string
	Type ColumnType
}

// Destination is the resolved target of one import call.
type Destination struct {
	Table   string
	Columns []Column // data columns in sorted name order, audit columns excluded
}

// ensureDestination resolves the destination schema, creating the table or
// adding missing columns when autoCreate is enabled. cols is the sorted
// union of data column names across the call's records.
func ensureDestination(ctx context.Context, conn *pool.Conn, table string, cols []string, autoCreate bool) (*Destination, error) {
	if !security.ValidTableName(table) {
		return nil, &DestinationError{Table: table, Reason: "invalid table name"}
	}
	for _, col := range cols {
		if !security.ValidTableName(col) {
			return nil, &DestinationError{Table: table, Reason: fmt.Sprintf("invalid column name %q", col)}
		}
	}

	existing, err := tableColumnTypes(ctx, conn, table)
	if err != nil {
		return nil, wrapExecErr("resolve destination schema", err)
	}

	if len(existing) == 0 {
		if !autoCreate {
			return nil, &DestinationError{Table: table, Reason: "table does not exist"}
		}
		if err := createTable(ctx, conn, table, cols); err != nil {
			return nil, err
		}
	} else {
		for _, col := range cols {
			if _, ok := existing[col]; ok || auditColumns[col] {
				continue
			}
			if !autoCreate {
				return nil, &DestinationError{Table: table, Reason: fmt.Sprintf("column %q does not exist", col)}
			}
			if err := addColumn(ctx, conn, table, col); err != nil {
				return nil, err
			}
		}
	}

	dest := &Destination{Table: table}
	for _, col := range cols {
		if auditColumns[col] {
			continue
		}
		typ, ok := existing[col]
		if !ok {
			typ = inferColumnType(col)
		}
		dest.Columns = append(dest.Columns, Column{Name: col, Type: parseDataType(typ)})
	}

	return dest, nil
}

// tableColumnTypes returns the declared type of every column of table, or
// an empty map if the table does not exist.
func tableColumnTypes(ctx context.Context, conn *pool.Conn, table string) (map[string]string, error) {
	rows, err := conn.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	types := make(map[string]string)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		types[strings.ToLower(name)] = typ
	}
	return types, rows.Err()
}

// createTable creates the destination with audit columns plus the data
// columns, types inferred from their names.
func createTable(ctx context.Context, conn *pool.Conn, table string, cols []string) error {
	defs := []string{
		"id UUID PRIMARY KEY DEFAULT gen_random_uuid()",
		"created_at TIMESTAMPTZ NOT NULL DEFAULT now()",
		"updated_at TIMESTAMPTZ NOT NULL DEFAULT now()",
		"auth_email VARCHAR(255) NOT NULL",
	}
	for _, col := range cols {
		if auditColumns[col] {
			continue
		}
		defs = append(defs, fmt.Sprintf("%s %s", quoteIdent(col), inferColumnType(col)))
	}

	sql := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
	if _, err := conn.Exec(ctx, sql); err != nil {
		return wrapExecErr("create destination table", err)
	}
	return nil
}

// addColumn adds one missing data column to an existing destination.
func addColumn(ctx context.Context, conn *pool.Conn, table, col string) error {
	sql := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
		quoteIdent(table), quoteIdent(col), inferColumnType(col))
	if _, err := conn.Exec(ctx, sql); err != nil {
		return wrapExecErr("add destination column", err)
	}
	return nil
}

// inferColumnType picks a declared type for a new column from keywords in
// its name. Anything unrecognized lands in TEXT, which accepts everything.
func inferColumnType(column string) string {
	name := strings.ToLower(column)
	switch {
	case containsAny(name, "price", "cost", "amount", "total"):
		return "NUMERIC"
	case containsAny(name, "stock", "quantity", "count", "number"):
		return "INTEGER"
	case containsAny(name, "date", "time", "created", "updated"):
		return "TIMESTAMPTZ"
	case containsAny(name, "email", "url", "phone"):
		return "VARCHAR(255)"
	default:
		return "TEXT"
	}
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// parseDataType maps an information_schema data_type (or an inferred DDL
// type) to a ColumnType.
func parseDataType(typ string) ColumnType {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "integer", "bigint", "smallint":
		return ColInteger
	case "numeric", "real", "double precision", "money":
		return ColNumeric
	case "timestamp without time zone", "timestamp with time zone", "timestamptz", "date":
		return ColTimestamp
	case "boolean":
		return ColBool
	case "uuid":
		return ColUUID
	case "character varying", "varchar(255)", "character":
		return ColVarchar
	default:
		return ColText
	}
}

// destinationEmpty probes whether the destination holds any rows at all.
func destinationEmpty(ctx context.Context, conn *pool.Conn, table string) (bool, error) {
	var exists bool
	sql := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s)", quoteIdent(table))
	if err := conn.QueryRow(ctx, sql).Scan(&exists); err != nil {
		return false, wrapExecErr("probe destination", err)
	}
	return !exists, nil
}

// existingIDs resolves which of the provided row identities already exist
// in the destination, in one round trip.
func existingIDs(ctx context.Context, conn *pool.Conn, table string, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}

	sql := fmt.Sprintf("SELECT id::text FROM %s WHERE id = ANY($1::uuid[])", quoteIdent(table))
	rows, err := conn.Query(ctx, sql, ids)
	if err != nil {
		return nil, wrapExecErr("bulk id existence check", err)
	}
	defer rows.Close()

	existing := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapExecErr("bulk id existence check", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, wrapExecErr("bulk id existence check", err)
	}
	return existing, nil
}
