package importer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// sqlbuild.go builds the parameterized statements for the three execution
// phases. Table and column identifiers are validated upstream and quoted
// here; every value travels as a statement parameter, never as literal
// text.

// insertRow is one accepted record bound for insertion, its values already
// converted and aligned to the destination's column order.
type insertRow struct {
	id     uuid.UUID
	values []any
	rowNum int // 1-based position in the input, for warnings
}

// updateRow is one accepted record whose identity already exists in the
// destination. Only the columns the record actually carried are updated.
type updateRow struct {
	id     uuid.UUID
	set    map[string]any
	rowNum int
}

// quoteIdent double-quotes an identifier for interpolation into DDL/DML.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// insertColumns is the full column layout of an insert: the generated
// identity, the data columns, then the audit columns.
func insertColumns(dest *Destination) []string {
	cols := make([]string, 0, len(dest.Columns)+4)
	cols = append(cols, "id")
	for _, c := range dest.Columns {
		cols = append(cols, c.Name)
	}
	return append(cols, "created_at", "updated_at", "auth_email")
}

// buildInsertSQL returns a multi-row INSERT statement for rowCount rows
// with the destination's full column layout.
func buildInsertSQL(dest *Destination, rowCount int) string {
	cols := insertColumns(dest)

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", quoteIdent(dest.Table), strings.Join(quoted, ", "))

	arg := 1
	for r := 0; r < rowCount; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range cols {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", arg)
			arg++
		}
		b.WriteByte(')')
	}

	return b.String()
}

// insertArgs flattens rows into the argument list matching buildInsertSQL.
func insertArgs(rows []insertRow, now time.Time, authEmail string) []any {
	if len(rows) == 0 {
		return nil
	}
	perRow := len(rows[0].values) + 4
	args := make([]any, 0, len(rows)*perRow)
	for _, row := range rows {
		args = append(args, pgtype.UUID{Bytes: row.id, Valid: true})
		args = append(args, row.values...)
		args = append(args, now, now, authEmail)
	}
	return args
}

// copyValues shapes rows for the COPY protocol, matching insertColumns.
func copyValues(rows []insertRow, now time.Time, authEmail string) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		vals := make([]any, 0, len(row.values)+4)
		vals = append(vals, pgtype.UUID{Bytes: row.id, Valid: true})
		vals = append(vals, row.values...)
		vals = append(vals, now, now, authEmail)
		out[i] = vals
	}
	return out
}

// buildCaseUpdateSQL builds one bulk UPDATE covering every row in rows,
// using a CASE expression per touched column. Rows that do not carry a
// column keep their existing value through the ELSE branch.
func buildCaseUpdateSQL(dest *Destination, rows []updateRow, now time.Time, authEmail string) (string, []any) {
	// Stable column order: destination order, touched columns only.
	var touched []string
	for _, c := range dest.Columns {
		for _, row := range rows {
			if _, ok := row.set[c.Name]; ok {
				touched = append(touched, c.Name)
				break
			}
		}
	}

	var b strings.Builder
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	fmt.Fprintf(&b, "UPDATE %s SET ", quoteIdent(dest.Table))

	for i, col := range touched {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = CASE", quoteIdent(col))
		for _, row := range rows {
			v, ok := row.set[col]
			if !ok {
				continue
			}
			id := arg(pgtype.UUID{Bytes: row.id, Valid: true})
			fmt.Fprintf(&b, " WHEN id = %s THEN %s", id, arg(v))
		}
		fmt.Fprintf(&b, " ELSE %s END", quoteIdent(col))
	}

	if len(touched) > 0 {
		b.WriteString(", ")
	}
	fmt.Fprintf(&b, "updated_at = %s, auth_email = %s", arg(now), arg(authEmail))

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = uuid.UUID(row.id).String()
	}
	fmt.Fprintf(&b, " WHERE id = ANY(%s::uuid[])", arg(ids))

	return b.String(), args
}

// buildSingleUpdateSQL builds an UPDATE for one row, used by the
// single-row phase.
func buildSingleUpdateSQL(dest *Destination, row updateRow, now time.Time, authEmail string) (string, []any) {
	var b strings.Builder
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	fmt.Fprintf(&b, "UPDATE %s SET ", quoteIdent(dest.Table))
	for _, c := range dest.Columns {
		v, ok := row.set[c.Name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s = %s, ", quoteIdent(c.Name), arg(v))
	}
	fmt.Fprintf(&b, "updated_at = %s, auth_email = %s", arg(now), arg(authEmail))
	fmt.Fprintf(&b, " WHERE id = %s", arg(pgtype.UUID{Bytes: row.id, Valid: true}))

	return b.String(), args
}
