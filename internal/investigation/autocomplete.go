package investigation

import (
	"github.com/ukydev/fleet-investigations/internal/models"
)

// OutstandingFlags returns the flags of tripID, other than justResolvedID,
// that are still unresolved in the given snapshot. The just-resolved entry is
// excluded explicitly because the snapshot predates its write.
func OutstandingFlags(tripID, justResolvedID string, flagged []models.FlaggedCost) []models.FlaggedCost {
	var out []models.FlaggedCost
	for _, fc := range flagged {
		if fc.TripID != tripID || fc.ID == justResolvedID {
			continue
		}
		if fc.Status() != models.StatusResolved {
			out = append(out, fc)
		}
	}
	return out
}

// ShouldCompleteTrip reports whether resolving justResolvedID leaves tripID
// without any unresolved flag.
func ShouldCompleteTrip(tripID, justResolvedID string, flagged []models.FlaggedCost) bool {
	return len(OutstandingFlags(tripID, justResolvedID, flagged)) == 0
}
