package investigation

import (
	"strings"

	"github.com/ukydev/fleet-investigations/internal/models"
)

// Aggregate projects every flagged cost entry across trips, annotated with
// its trip's fleet number, route and driver. Output follows trip order, then
// entry order within a trip.
func Aggregate(trips []models.Trip) []models.FlaggedCost {
	var out []models.FlaggedCost
	for _, trip := range trips {
		for _, entry := range trip.CostEntries {
			if !entry.IsFlagged {
				continue
			}
			fc := models.FlaggedCost{
				CostEntry:       entry.Clone(),
				TripFleetNumber: trip.FleetNumber,
				TripRoute:       trip.Route,
				TripDriver:      trip.DriverName,
				TripStatus:      trip.Status,
			}
			if fc.InvestigationStatus == "" {
				fc.InvestigationStatus = models.StatusPending
			}
			if fc.TripID == "" && !trip.ID.IsZero() {
				fc.TripID = trip.ID.Hex()
			}
			out = append(out, fc)
		}
	}
	return out
}

// FlagFilter narrows an aggregated flag list. Zero fields match everything.
type FlagFilter struct {
	Status      models.InvestigationStatus
	Driver      string
	FleetNumber string
	TripID      string
}

// Filter returns the flagged costs matching f without touching the input.
func Filter(flagged []models.FlaggedCost, f FlagFilter) []models.FlaggedCost {
	out := make([]models.FlaggedCost, 0, len(flagged))
	for _, fc := range flagged {
		if f.Status != "" && fc.Status() != f.Status {
			continue
		}
		if f.Driver != "" && !strings.EqualFold(fc.TripDriver, f.Driver) {
			continue
		}
		if f.FleetNumber != "" && !strings.EqualFold(fc.TripFleetNumber, f.FleetNumber) {
			continue
		}
		if f.TripID != "" && fc.TripID != f.TripID {
			continue
		}
		out = append(out, fc)
	}
	return out
}

// TripGroup is the flagged costs of one trip.
type TripGroup struct {
	TripID      string               `json:"trip_id"`
	FleetNumber string               `json:"fleet_number"`
	Route       string               `json:"route"`
	Flags       []models.FlaggedCost `json:"flags"`
}

// GroupByTrip groups flagged costs by trip, keeping first-seen order.
func GroupByTrip(flagged []models.FlaggedCost) []TripGroup {
	index := make(map[string]int)
	var groups []TripGroup
	for _, fc := range flagged {
		i, ok := index[fc.TripID]
		if !ok {
			i = len(groups)
			index[fc.TripID] = i
			groups = append(groups, TripGroup{
				TripID:      fc.TripID,
				FleetNumber: fc.TripFleetNumber,
				Route:       fc.TripRoute,
			})
		}
		groups[i].Flags = append(groups[i].Flags, fc)
	}
	return groups
}
