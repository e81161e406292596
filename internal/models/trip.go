package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TripStatus is where a trip sits in its operational and billing lifecycle.
type TripStatus string

const (
	TripActive    TripStatus = "active"
	TripCompleted TripStatus = "completed"
	TripInvoiced  TripStatus = "invoiced"
	TripPaid      TripStatus = "paid"
)

// Trip represents a load carried by one fleet unit over a route.
type Trip struct {
	ID          primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	FleetNumber string             `json:"fleet_number" bson:"fleet_number"`
	DriverName  string             `json:"driver_name" bson:"driver_name"`
	ClientName  string             `json:"client_name" bson:"client_name"`
	Route       string             `json:"route" bson:"route"`
	StartDate   time.Time          `json:"start_date" bson:"start_date"`
	EndDate     time.Time          `json:"end_date" bson:"end_date"`
	Distance    float64            `json:"distance" bson:"distance"` // in kilometers
	Status      TripStatus         `json:"status" bson:"status"`
	CostEntries []CostEntry        `json:"cost_entries" bson:"cost_entries"`
	CompletedAt *time.Time         `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	Version     int64              `json:"version" bson:"version"`
	CreatedAt   time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at" bson:"updated_at"`
}

// CostEntry returns a pointer to the trip's entry with the given id, or nil.
func (t *Trip) CostEntry(id string) *CostEntry {
	for i := range t.CostEntries {
		if t.CostEntries[i].ID == id {
			return &t.CostEntries[i]
		}
	}
	return nil
}

// ReplaceCostEntry swaps in entry for the existing entry with the same id.
// It reports false when no such entry exists.
func (t *Trip) ReplaceCostEntry(entry CostEntry) bool {
	for i := range t.CostEntries {
		if t.CostEntries[i].ID == entry.ID {
			t.CostEntries[i] = entry
			return true
		}
	}
	return false
}

// Normalize fills defaults that older documents may lack: an explicit
// pending status on flagged entries and the owning trip id on every entry.
func (t *Trip) Normalize() {
	if t.Status == "" {
		t.Status = TripActive
	}
	for i := range t.CostEntries {
		e := &t.CostEntries[i]
		if e.IsFlagged && e.InvestigationStatus == "" {
			e.InvestigationStatus = StatusPending
		}
		if e.TripID == "" && !t.ID.IsZero() {
			e.TripID = t.ID.Hex()
		}
	}
}
