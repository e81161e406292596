package investigation

import (
	"github.com/shopspring/decimal"
	"github.com/ukydev/fleet-investigations/internal/models"
)

// Summary totals a flag list for the dashboard header.
type Summary struct {
	Total         int                                 `json:"total"`
	ByStatus      map[models.InvestigationStatus]int  `json:"by_status"`
	Outstanding   map[models.Currency]decimal.Decimal `json:"outstanding"`
	TripsAffected int                                 `json:"trips_affected"`
}

// Summarize counts flags per status and sums unresolved amounts per currency.
func Summarize(flagged []models.FlaggedCost) Summary {
	s := Summary{
		Total: len(flagged),
		ByStatus: map[models.InvestigationStatus]int{
			models.StatusPending:    0,
			models.StatusInProgress: 0,
			models.StatusResolved:   0,
		},
		Outstanding: make(map[models.Currency]decimal.Decimal),
	}
	trips := make(map[string]struct{})
	for _, fc := range flagged {
		status := fc.Status()
		s.ByStatus[status]++
		if status == models.StatusResolved {
			continue
		}
		trips[fc.TripID] = struct{}{}
		s.Outstanding[fc.Currency] = s.Outstanding[fc.Currency].Add(fc.Amount)
	}
	s.TripsAffected = len(trips)
	return s
}
