package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Currency is the ISO code a cost entry is recorded in.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyZAR Currency = "ZAR"
)

// IsValidCurrency checks if a currency is supported
func IsValidCurrency(c Currency) bool {
	return c == CurrencyUSD || c == CurrencyZAR
}

// InvestigationStatus is the lifecycle state of a flagged cost's investigation.
type InvestigationStatus string

const (
	StatusPending    InvestigationStatus = "pending"
	StatusInProgress InvestigationStatus = "in-progress"
	StatusResolved   InvestigationStatus = "resolved"
)

// ParseInvestigationStatus maps a query value onto a known status.
func ParseInvestigationStatus(s string) (InvestigationStatus, error) {
	switch InvestigationStatus(s) {
	case StatusPending, StatusInProgress, StatusResolved:
		return InvestigationStatus(s), nil
	default:
		return "", fmt.Errorf("unknown investigation status %q", s)
	}
}

// Attachment is a piece of supporting evidence stored against a cost entry.
type Attachment struct {
	ID          string    `json:"id" bson:"id"`
	CostEntryID string    `json:"cost_entry_id" bson:"cost_entry_id"`
	Filename    string    `json:"filename" bson:"filename" validate:"required"`
	FileURL     string    `json:"file_url" bson:"file_url" validate:"required,url"`
	FileType    string    `json:"file_type" bson:"file_type"`
	FileSize    int64     `json:"file_size" bson:"file_size" validate:"gte=0"`
	UploadedAt  time.Time `json:"uploaded_at" bson:"uploaded_at"`
}

// CostEntry is a cost recorded against a trip. Entries are embedded in their
// trip document.
type CostEntry struct {
	ID              string          `json:"id" bson:"id"`
	TripID          string          `json:"trip_id" bson:"trip_id"`
	Amount          decimal.Decimal `json:"amount" bson:"amount"`
	Currency        Currency        `json:"currency" bson:"currency"`
	Category        string          `json:"category" bson:"category"` // "diesel", "tolls", "repairs", "border", "accommodation", "other"
	SubCategory     string          `json:"sub_category" bson:"sub_category"`
	ReferenceNumber string          `json:"reference_number" bson:"reference_number"`
	Notes           string          `json:"notes" bson:"notes"`
	Date            time.Time       `json:"date" bson:"date"`

	IsFlagged        bool   `json:"is_flagged" bson:"is_flagged"`
	FlagReason       string `json:"flag_reason,omitempty" bson:"flag_reason,omitempty"`
	NoDocumentReason string `json:"no_document_reason,omitempty" bson:"no_document_reason,omitempty"`

	InvestigationStatus InvestigationStatus `json:"investigation_status" bson:"investigation_status"`
	InvestigationNotes  string              `json:"investigation_notes,omitempty" bson:"investigation_notes,omitempty"`
	ResolvedAt          *time.Time          `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
	ResolvedBy          string              `json:"resolved_by,omitempty" bson:"resolved_by,omitempty"`

	Attachments []Attachment `json:"attachments" bson:"attachments"`

	// Version is bumped on every write and checked before the next one.
	Version int64 `json:"version" bson:"version"`
}

// Status returns the investigation status, treating an unset value as pending.
func (c CostEntry) Status() InvestigationStatus {
	if c.InvestigationStatus == "" {
		return StatusPending
	}
	return c.InvestigationStatus
}

// IsResolved reports whether the entry's investigation is closed.
func (c CostEntry) IsResolved() bool {
	return c.Status() == StatusResolved
}

// Clone returns a copy that shares no slices or pointers with c.
func (c CostEntry) Clone() CostEntry {
	out := c
	if c.Attachments != nil {
		out.Attachments = make([]Attachment, len(c.Attachments))
		copy(out.Attachments, c.Attachments)
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

// FlaggedCost is a flagged cost entry projected with its trip's context for
// display. It is recomputed from trips on every read and never stored.
type FlaggedCost struct {
	CostEntry
	TripFleetNumber string     `json:"trip_fleet_number"`
	TripRoute       string     `json:"trip_route"`
	TripDriver      string     `json:"trip_driver"`
	TripStatus      TripStatus `json:"trip_status"`
}
