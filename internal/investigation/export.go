package investigation

import (
	"fmt"
	"io"
	"time"

	"github.com/ukydev/fleet-investigations/internal/models"
	"github.com/xuri/excelize/v2"
)

const exportSheet = "Flagged Costs"

var exportHeader = []interface{}{
	"Trip", "Fleet", "Route", "Driver", "Category", "Sub-category", "Reference",
	"Amount", "Currency", "Flag Reason", "Status", "Resolved At", "Resolved By",
}

// ExportXLSX writes flagged as a single-sheet workbook to w.
func ExportXLSX(w io.Writer, flagged []models.FlaggedCost) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := f.SetSheetRow(exportSheet, "A1", &exportHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, fc := range flagged {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		resolvedAt := ""
		if fc.ResolvedAt != nil {
			resolvedAt = fc.ResolvedAt.UTC().Format(time.RFC3339)
		}
		// the sheet holds a float for sorting and sums; it is a rounded view
		// of the stored decimal, not the record of the amount
		amount, _ := fc.Amount.Float64()
		row := []interface{}{
			fc.TripID, fc.TripFleetNumber, fc.TripRoute, fc.TripDriver,
			fc.Category, fc.SubCategory, fc.ReferenceNumber,
			amount, string(fc.Currency), fc.FlagReason, string(fc.Status()),
			resolvedAt, fc.ResolvedBy,
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
