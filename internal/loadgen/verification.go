package loadgen

import (
	"fmt"
	"math"
)

const tolerance = 1e-6

// Verify checks that ranked entries are in descending weighted-total order
// and match the locally computed totals.
func Verify(ranked []Entry, expected map[string]float64) error {
	if len(ranked) == 0 {
		return fmt.Errorf("empty ranking")
	}
	for i, e := range ranked {
		if e.Rank != i+1 {
			return fmt.Errorf("entry %d has rank %d", i, e.Rank)
		}
		if i > 0 && e.WeightedTotal > ranked[i-1].WeightedTotal+tolerance {
			return fmt.Errorf("entry %d (%s) outranks its predecessor", i, e.ParticipantID)
		}
		want, ok := expected[e.ParticipantID]
		if !ok {
			return fmt.Errorf("%s ranked without votes", e.ParticipantID)
		}
		if math.Abs(want-e.WeightedTotal) > tolerance {
			return fmt.Errorf("%s total %.6f, want %.6f", e.ParticipantID, e.WeightedTotal, want)
		}
	}
	return nil
}
