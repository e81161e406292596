package investigation

import (
	"time"

	"github.com/google/uuid"
	"github.com/ukydev/fleet-investigations/internal/models"
)

const resolutionPrefix = "Resolution: "

// ApplyResolution returns a copy of cost with the correction applied and the
// investigation closed by actor at now. cost itself is left untouched.
func ApplyResolution(cost models.CostEntry, c Correction, newAttachments []models.Attachment, actor string, now time.Time) models.CostEntry {
	out := cost.Clone()

	out.Amount = c.Amount
	if c.Notes != nil {
		out.Notes = *c.Notes
	}

	for _, a := range newAttachments {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.UploadedAt.IsZero() {
			a.UploadedAt = now
		}
		a.CostEntryID = cost.ID
		out.Attachments = append(out.Attachments, a)
	}

	out.InvestigationNotes = appendResolutionNote(out.InvestigationNotes, c.Comment)
	out.InvestigationStatus = models.StatusResolved
	resolvedAt := now
	out.ResolvedAt = &resolvedAt
	out.ResolvedBy = actor
	return out
}

func appendResolutionNote(existing, comment string) string {
	if existing == "" {
		return resolutionPrefix + comment
	}
	return existing + "\n\n" + resolutionPrefix + comment
}

// startNote appends the line recorded when an investigation is opened.
func startNote(existing, note string) string {
	line := "Investigation started"
	if note != "" {
		line += ": " + note
	}
	if existing == "" {
		return line
	}
	return existing + "\n\n" + line
}
