package importer

import "testing"

func TestSelectPhase(t *testing.T) {
	thresholds := Thresholds{SingleRowMax: 10, BatchedMax: 10000, BatchSize: 1000}

	tests := []struct {
		name  string
		count int
		dest  DestinationSummary
		want  Phase
	}{
		{"zero rows", 0, DestinationSummary{}, PhaseSingleRow},
		{"at single-row boundary", 10, DestinationSummary{}, PhaseSingleRow},
		{"just above single-row", 11, DestinationSummary{}, PhaseBatched},
		{"mid-range populated table", 5000, DestinationSummary{HasMatchingKeys: true}, PhaseBatched},
		{"at batched boundary", 10000, DestinationSummary{}, PhaseBatched},
		{"just above batched", 10001, DestinationSummary{}, PhaseFullBulk},
		{"large workload", 100000, DestinationSummary{HasMatchingKeys: true}, PhaseFullBulk},
		{"mid-range empty table promotes to copy", 500, DestinationSummary{Empty: true}, PhaseFullBulk},
		{"small empty table stays single-row", 5, DestinationSummary{Empty: true}, PhaseSingleRow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectPhase(tt.count, tt.dest, thresholds); got != tt.want {
				t.Errorf("SelectPhase(%d, %+v) = %s, want %s", tt.count, tt.dest, got, tt.want)
			}
		})
	}
}

func TestSelectPhaseDeterministic(t *testing.T) {
	thresholds := Thresholds{SingleRowMax: 10, BatchedMax: 10000}
	dest := DestinationSummary{HasMatchingKeys: true}

	first := SelectPhase(2500, dest, thresholds)
	for i := 0; i < 100; i++ {
		if got := SelectPhase(2500, dest, thresholds); got != first {
			t.Fatalf("phase selection not deterministic: %s then %s", first, got)
		}
	}
}

func TestPhaseString(t *testing.T) {
	if PhaseSingleRow.String() != "single_row" ||
		PhaseBatched.String() != "batched" ||
		PhaseFullBulk.String() != "full_bulk" {
		t.Error("phase names must match the wire values of the result payload")
	}
	if Phase(0).String() != "unknown" {
		t.Error("zero phase should stringify as unknown")
	}
}
