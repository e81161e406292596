package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-investigations/internal/investigation"
	"github.com/ukydev/fleet-investigations/internal/middleware"
	"github.com/ukydev/fleet-investigations/internal/models"
)

// FlagService is what the flag endpoints need from investigation.Service.
type FlagService interface {
	ListFlags(ctx context.Context, filter investigation.FlagFilter) ([]models.FlaggedCost, error)
	Summary(ctx context.Context, filter investigation.FlagFilter) (investigation.Summary, error)
	StartInvestigation(ctx context.Context, tripID, costEntryID, actor, note string) (*models.CostEntry, error)
	Resolve(ctx context.Context, in investigation.ResolveInput) (*investigation.Resolution, error)
}

// FlagHandler serves the flagged-cost dashboard and resolution endpoints.
type FlagHandler struct {
	service FlagService
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewFlagHandler creates a new flag handler
func NewFlagHandler(service FlagService, log logrus.FieldLogger) *FlagHandler {
	return &FlagHandler{service: service, log: log, now: time.Now}
}

type flagListResponse struct {
	Flags []models.FlaggedCost `json:"flags"`
	Total int                  `json:"total"`
}

type tripGroupResponse struct {
	Groups []investigation.TripGroup `json:"groups"`
	Total  int                       `json:"total"`
}

// List returns flagged costs, optionally filtered and grouped by trip.
func (h *FlagHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flags, err := h.service.ListFlags(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if r.URL.Query().Get("group") == "trip" {
		groups := investigation.GroupByTrip(flags)
		if groups == nil {
			groups = []investigation.TripGroup{}
		}
		writeJSON(w, http.StatusOK, tripGroupResponse{Groups: groups, Total: len(flags)})
		return
	}
	if flags == nil {
		flags = []models.FlaggedCost{}
	}
	writeJSON(w, http.StatusOK, flagListResponse{Flags: flags, Total: len(flags)})
}

// Summary returns flag counts per status and outstanding totals.
func (h *FlagHandler) Summary(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := h.service.Summary(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Export streams the filtered flag list as an XLSX workbook.
func (h *FlagHandler) Export(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flags, err := h.service.ListFlags(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := investigation.ExportXLSX(&buf, flags); err != nil {
		h.log.WithError(err).Error("Failed to build flag export")
		writeError(w, http.StatusInternalServerError, "failed to build export")
		return
	}
	filename := fmt.Sprintf("flagged-costs-%s.xlsx", h.now().Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type startRequest struct {
	Note string `json:"note" validate:"max=2000"`
}

// StartInvestigation moves a pending flag to in-progress.
func (h *FlagHandler) StartInvestigation(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "user context not found")
		return
	}
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation_failed", Fields: validationFields(err)})
		return
	}

	entry, err := h.service.StartInvestigation(r.Context(), r.PathValue("tripID"), r.PathValue("costID"), claims.UserID, strings.TrimSpace(req.Note))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type resolveRequest struct {
	// Amount accepts a JSON number or a string such as "1,250.00".
	Amount            json.RawMessage     `json:"amount"`
	Notes             *string             `json:"notes"`
	ResolutionComment string              `json:"resolution_comment"`
	ExpectedVersion   *int64              `json:"expected_version"`
	Attachments       []models.Attachment `json:"attachments" validate:"omitempty,dive"`
}

// Resolve applies a correction to a flagged cost entry.
func (h *FlagHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "user context not found")
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation_failed", Fields: validationFields(err)})
		return
	}

	res, err := h.service.Resolve(r.Context(), investigation.ResolveInput{
		TripID:            r.PathValue("tripID"),
		CostEntryID:       r.PathValue("costID"),
		Amount:            rawAmount(req.Amount),
		Notes:             req.Notes,
		ResolutionComment: req.ResolutionComment,
		ExpectedVersion:   req.ExpectedVersion,
		Attachments:       req.Attachments,
		Actor:             claims.UserID,
	})

	var completionErr *investigation.TripCompletionError
	if errors.As(err, &completionErr) {
		writeJSON(w, http.StatusBadGateway, struct {
			errorResponse
			Resolution *investigation.Resolution `json:"resolution,omitempty"`
		}{
			errorResponse: errorResponse{
				Error:   "trip_completion_failed",
				Message: "The cost was resolved but the trip could not be marked completed.",
			},
			Resolution: res,
		})
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeServiceError maps investigation errors onto HTTP responses.
func (h *FlagHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *investigation.ValidationError
		perr *investigation.PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation_failed", Fields: verr.Fields})
	case errors.Is(err, investigation.ErrTripNotFound),
		errors.Is(err, investigation.ErrCostEntryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, investigation.ErrNotFlagged),
		errors.Is(err, investigation.ErrInvalidTransition),
		errors.Is(err, investigation.ErrVersionConflict),
		errors.Is(err, investigation.ErrResolutionInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &perr):
		code := "store_unavailable"
		if perr.Op == "resolve" {
			code = "resolution_failed"
		}
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:   code,
			Message: "The change could not be saved. Please try again.",
		})
	default:
		h.log.WithError(err).WithField("path", r.URL.Path).Error("Unhandled investigation error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseFilter(r *http.Request) (investigation.FlagFilter, error) {
	q := r.URL.Query()
	f := investigation.FlagFilter{
		Driver:      strings.TrimSpace(q.Get("driver")),
		FleetNumber: strings.TrimSpace(q.Get("fleet_number")),
		TripID:      strings.TrimSpace(q.Get("trip_id")),
	}
	if s := strings.TrimSpace(q.Get("status")); s != "" {
		status, err := models.ParseInvestigationStatus(s)
		if err != nil {
			return f, err
		}
		f.Status = status
	}
	return f, nil
}

// rawAmount turns the raw amount field into the text the service parses.
func rawAmount(raw json.RawMessage) string {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return text
}
