package investigation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrTripNotFound         = errors.New("trip not found")
	ErrCostEntryNotFound    = errors.New("cost entry not found")
	ErrNotFlagged           = errors.New("cost entry is not flagged")
	ErrInvalidTransition    = errors.New("invalid investigation status transition")
	ErrVersionConflict      = errors.New("cost entry was modified by someone else")
	ErrResolutionInProgress = errors.New("resolution already in progress for this cost entry")
)

// Field names reported by ValidationError.
const (
	FieldAmount            = "amount"
	FieldResolutionComment = "resolution_comment"
)

// ValidationError carries field-level problems with a proposed correction.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Has reports whether field failed validation.
func (e *ValidationError) Has(field string) bool {
	_, ok := e.Fields[field]
	return ok
}

// PersistenceError wraps a store failure for the named operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TripCompletionError is returned after a successful resolution when the
// owning trip could not be marked completed. The resolution stands.
type TripCompletionError struct {
	TripID string
	Err    error
}

func (e *TripCompletionError) Error() string {
	return fmt.Sprintf("cost entry resolved but trip %s could not be completed: %v", e.TripID, e.Err)
}

func (e *TripCompletionError) Unwrap() error { return e.Err }
