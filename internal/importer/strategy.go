package importer

// strategy.go picks the execution phase for an import call before any row
// is written. Selection is a pure function of the accepted row count and a
// cheap destination summary, which makes the choice independently testable
// and reproducible from logs.

// Phase is one of the three execution strategies.
type Phase int

const (
	// PhaseSingleRow executes one statement per record inside one
	// transaction. Used only for very small inputs where simplicity
	// beats throughput.
	PhaseSingleRow Phase = iota + 1

	// PhaseBatched groups records into fixed-size batches and issues one
	// parameterized multi-row statement per batch, all in one transaction.
	PhaseBatched

	// PhaseFullBulk streams all inserts through the COPY protocol,
	// bypassing per-row statement overhead entirely.
	PhaseFullBulk
)

func (p Phase) String() string {
	switch p {
	case PhaseSingleRow:
		return "single_row"
	case PhaseBatched:
		return "batched"
	case PhaseFullBulk:
		return "full_bulk"
	default:
		return "unknown"
	}
}

// DestinationSummary is the cheap precomputed state of the destination
// table consulted during phase selection.
type DestinationSummary struct {
	// Empty reports whether the table holds no rows at all.
	Empty bool

	// HasMatchingKeys reports whether any incoming row identity already
	// exists in the table, meaning the call includes updates.
	HasMatchingKeys bool
}

// Thresholds holds the phase boundaries. They are configuration, not
// invariants; the defaults come from config and should be load-tested
// against the target database.
type Thresholds struct {
	// SingleRowMax is the largest count handled row by row.
	SingleRowMax int

	// BatchedMax is the largest count handled with multi-row batches.
	BatchedMax int

	// BatchSize is the rows per multi-row statement in the batched phase.
	BatchSize int
}

// SelectPhase chooses the execution phase for an import call. Identical
// arguments always yield the identical phase.
//
// An empty destination cannot receive updates, so anything beyond the
// single-row range goes straight to the COPY fast path.
func SelectPhase(acceptedCount int, dest DestinationSummary, t Thresholds) Phase {
	switch {
	case acceptedCount <= t.SingleRowMax:
		return PhaseSingleRow
	case acceptedCount > t.BatchedMax:
		return PhaseFullBulk
	case dest.Empty:
		return PhaseFullBulk
	default:
		return PhaseBatched
	}
}
