package investigation

import (
	"github.com/ukydev/fleet-investigations/internal/models"
)

// CanTransition reports whether an investigation may move from one status to
// another. Resolved is terminal except for re-resolution, which appends a
// further resolution line.
func CanTransition(from, to models.InvestigationStatus) bool {
	if from == "" {
		from = models.StatusPending
	}
	switch to {
	case models.StatusInProgress:
		return from == models.StatusPending
	case models.StatusResolved:
		return true
	default:
		return false
	}
}
