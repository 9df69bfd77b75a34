package importer

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrTooManyImports is returned when all import slots are occupied and the
// wait timeout expires. Clients should retry after a short delay.
var ErrTooManyImports = errors.New("too many concurrent imports, please try again later")

// DestinationError reports that the destination table or its columns could
// not be resolved. It is fatal for the call and must not be retried.
type DestinationError struct {
	Table  string
	Reason string
	Err    error
}

func (e *DestinationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("destination %q: %s: %v", e.Table, e.Reason, e.Err)
	}
	return fmt.Sprintf("destination %q: %s", e.Table, e.Reason)
}

func (e *DestinationError) Unwrap() error { return e.Err }

// TransientError reports that the connection died mid-use. The engine has
// already rolled the transaction back and discarded the connection; nothing
// was committed, so the caller can retry the whole import safely.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient connection failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// wrapExecErr classifies a phase-execution failure. A *pgconn.PgError means
// the server processed the statement and answered; the connection itself is
// fine and the failure is not transient. Anything else (broken pipe, reset,
// timeout) is treated as a dead connection.
func wrapExecErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &TransientError{Op: op, Err: err}
}
