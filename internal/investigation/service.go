package investigation

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-investigations/internal/events"
	"github.com/ukydev/fleet-investigations/internal/lock"
	"github.com/ukydev/fleet-investigations/internal/models"
)

// Store is the persistence collaborator for trips and their cost entries.
type Store interface {
	FindTrip(ctx context.Context, tripID string) (*models.Trip, error)
	ListTrips(ctx context.Context) ([]models.Trip, error)
	// UpdateCostEntry persists entry, conditioned on entry.Version still
	// being the stored version.
	UpdateCostEntry(ctx context.Context, tripID string, entry models.CostEntry) error
	CompleteTrip(ctx context.Context, tripID string) error
}

// TransactionalStore can apply a read-modify-write to a whole trip atomically.
// When the store offers it, a resolution and the trip completion it triggers
// are committed together.
type TransactionalStore interface {
	Store
	UpdateTrip(ctx context.Context, tripID string, fn func(trip *models.Trip) error) error
}

// Service runs flag investigations against a Store.
type Service struct {
	store     Store
	locker    lock.Locker
	publisher events.Publisher
	log       logrus.FieldLogger
	now       func() time.Time

	publishTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

func WithLocker(l lock.Locker) Option { return func(s *Service) { s.locker = l } }
func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }
func WithLogger(l logrus.FieldLogger) Option { return func(s *Service) { s.log = l } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithPublishTimeout bounds how long a single event publish may take.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) { s.publishTimeout = d }
}

const defaultPublishTimeout = 3 * time.Second

// NewService creates an investigation service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		locker:    lock.Nop{},
		publisher: events.Nop{},
		log:       logrus.StandardLogger(),
		now:       time.Now,

		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveInput is a request to close the investigation of one cost entry.
type ResolveInput struct {
	TripID            string
	CostEntryID       string
	Amount            string
	Notes             *string
	ResolutionComment string
	// ExpectedVersion, when set, must match the entry's stored version.
	ExpectedVersion *int64
	Attachments     []models.Attachment
	Actor           string
}

// Resolution is the outcome of a successful Resolve.
type Resolution struct {
	CostEntry        models.CostEntry `json:"cost_entry"`
	TripCompleted    bool             `json:"trip_completed"`
	OutstandingFlags int              `json:"outstanding_flags"`
}

// ListFlags returns the current flagged costs matching filter.
func (s *Service) ListFlags(ctx context.Context, filter FlagFilter) ([]models.FlaggedCost, error) {
	trips, err := s.store.ListTrips(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list trips", Err: err}
	}
	return Filter(Aggregate(trips), filter), nil
}

// Summary totals the current flagged costs matching filter.
func (s *Service) Summary(ctx context.Context, filter FlagFilter) (Summary, error) {
	flagged, err := s.ListFlags(ctx, filter)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(flagged), nil
}

// StartInvestigation moves a pending flag to in-progress.
func (s *Service) StartInvestigation(ctx context.Context, tripID, costEntryID, actor, note string) (*models.CostEntry, error) {
	_, cost, err := s.loadFlagged(ctx, tripID, costEntryID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cost.Status(), models.StatusInProgress) {
		return nil, ErrInvalidTransition
	}

	updated := cost.Clone()
	updated.InvestigationStatus = models.StatusInProgress
	updated.InvestigationNotes = startNote(updated.InvestigationNotes, note)
	if err := s.store.UpdateCostEntry(ctx, tripID, updated); err != nil {
		return nil, storeError("start investigation", err)
	}
	updated.Version++

	s.publish(ctx, events.Event{
		Type:        events.InvestigationStarted,
		TripID:      tripID,
		CostEntryID: costEntryID,
		Actor:       actor,
		Detail:      note,
	})
	return &updated, nil
}

// Resolve validates and persists a correction to a flagged cost entry, then
// completes the trip if no other flag on it remains unresolved. Invalid input
// is rejected before the lock or the store is touched.
//
// A *TripCompletionError is returned together with a non-nil Resolution when
// the entry was resolved but the trip could not be completed.
func (s *Service) Resolve(ctx context.Context, in ResolveInput) (*Resolution, error) {
	correction, err := ValidateResolution(models.CostEntry{ID: in.CostEntryID}, in.Amount, in.ResolutionComment)
	if err != nil {
		return nil, err
	}
	correction.Notes = in.Notes

	logger := s.log.WithFields(logrus.Fields{
		"trip_id":       in.TripID,
		"cost_entry_id": in.CostEntryID,
		"actor":         in.Actor,
	})

	res, err := s.resolveLocked(ctx, in, correction)

	// events go out after the lock is released
	var completionErr *TripCompletionError
	switch {
	case errors.As(err, &completionErr):
		logger.WithError(err).Error("Flag resolved but trip completion failed")
		s.publish(ctx, s.resolvedEvent(in, res))
		s.publish(ctx, events.Event{
			Type:   events.TripCompletionFailed,
			TripID: in.TripID,
			Actor:  in.Actor,
			Detail: completionErr.Err.Error(),
		})
		return res, err
	case err != nil:
		logger.WithError(err).Error("Failed to resolve flagged cost")
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"trip_completed":    res.TripCompleted,
		"outstanding_flags": res.OutstandingFlags,
	}).Info("Resolved flagged cost")

	s.publish(ctx, s.resolvedEvent(in, res))
	if res.TripCompleted {
		s.publish(ctx, events.Event{Type: events.TripCompleted, TripID: in.TripID, Actor: in.Actor})
	}
	return res, nil
}

func (s *Service) resolveLocked(ctx context.Context, in ResolveInput, correction Correction) (*Resolution, error) {
	release, err := s.locker.Acquire(ctx, "resolve:"+in.CostEntryID)
	if errors.Is(err, lock.ErrLocked) {
		return nil, ErrResolutionInProgress
	}
	if err != nil {
		return nil, &PersistenceError{Op: "lock", Err: err}
	}
	defer release()

	trip, cost, err := s.loadFlagged(ctx, in.TripID, in.CostEntryID)
	if err != nil {
		return nil, err
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != cost.Version {
		return nil, ErrVersionConflict
	}

	now := s.now()
	resolved := ApplyResolution(*cost, correction, in.Attachments, in.Actor, now)

	if ts, ok := s.store.(TransactionalStore); ok {
		return s.resolveAtomically(ctx, ts, in.TripID, resolved, cost.Version, now)
	}
	return s.resolveSequentially(ctx, trip, in.TripID, resolved)
}

// resolveSequentially writes the entry and then, as a separate call, completes
// the trip. The completion check runs on the pre-write snapshot with the
// just-resolved entry excluded.
func (s *Service) resolveSequentially(ctx context.Context, trip *models.Trip, tripID string, resolved models.CostEntry) (*Resolution, error) {
	snapshot := Aggregate([]models.Trip{*trip})

	if err := s.store.UpdateCostEntry(ctx, tripID, resolved); err != nil {
		return nil, storeError("resolve", err)
	}
	resolved.Version++

	res := &Resolution{CostEntry: resolved}
	completed, outstanding, err := s.maybeCompleteTrip(ctx, trip, tripID, resolved.ID, snapshot)
	res.TripCompleted = completed
	res.OutstandingFlags = outstanding
	return res, err
}

// maybeCompleteTrip completes an active trip once none of its flags other
// than justResolvedID is outstanding in snapshot.
func (s *Service) maybeCompleteTrip(ctx context.Context, trip *models.Trip, tripID, justResolvedID string, snapshot []models.FlaggedCost) (bool, int, error) {
	outstanding := len(OutstandingFlags(tripID, justResolvedID, snapshot))
	if outstanding > 0 || trip.Status != models.TripActive {
		return false, outstanding, nil
	}
	if err := s.store.CompleteTrip(ctx, tripID); err != nil {
		return false, 0, &TripCompletionError{TripID: tripID, Err: err}
	}
	return true, 0, nil
}

// resolveAtomically replaces the entry and completes the trip in one
// version-checked write of the trip document.
func (s *Service) resolveAtomically(ctx context.Context, ts TransactionalStore, tripID string, resolved models.CostEntry, readVersion int64, now time.Time) (*Resolution, error) {
	res := &Resolution{}
	err := ts.UpdateTrip(ctx, tripID, func(t *models.Trip) error {
		current := t.CostEntry(resolved.ID)
		if current == nil {
			return ErrCostEntryNotFound
		}
		if current.Version != readVersion {
			return ErrVersionConflict
		}
		saved := resolved
		saved.Version = current.Version + 1
		t.ReplaceCostEntry(saved)

		res.CostEntry = saved
		res.TripCompleted = false
		res.OutstandingFlags = len(OutstandingFlags(tripID, saved.ID, Aggregate([]models.Trip{*t})))
		if res.OutstandingFlags == 0 && t.Status == models.TripActive {
			completedAt := now
			t.Status = models.TripCompleted
			t.CompletedAt = &completedAt
			res.TripCompleted = true
		}
		return nil
	})
	if err != nil {
		return nil, storeError("resolve", err)
	}
	return res, nil
}

func (s *Service) loadFlagged(ctx context.Context, tripID, costEntryID string) (*models.Trip, *models.CostEntry, error) {
	trip, err := s.store.FindTrip(ctx, tripID)
	if err != nil {
		return nil, nil, storeError("load trip", err)
	}
	trip.Normalize()
	cost := trip.CostEntry(costEntryID)
	if cost == nil {
		return nil, nil, ErrCostEntryNotFound
	}
	if !cost.IsFlagged {
		return nil, nil, ErrNotFlagged
	}
	return trip, cost, nil
}

func (s *Service) resolvedEvent(in ResolveInput, res *Resolution) events.Event {
	e := events.Event{
		Type:        events.FlagResolved,
		TripID:      in.TripID,
		CostEntryID: in.CostEntryID,
		Actor:       in.Actor,
	}
	if res != nil {
		e.Detail = res.CostEntry.Amount.String() + " " + string(res.CostEntry.Currency)
	}
	return e
}

// publish is best effort. It is bounded by publishTimeout so a stalled broker
// cannot hold up a change that is already committed.
func (s *Service) publish(ctx context.Context, e events.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"event":   e.Type,
			"trip_id": e.TripID,
		}).Warn("Failed to publish event")
	}
}

// storeError passes domain errors through and wraps everything else.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, ErrTripNotFound),
		errors.Is(err, ErrCostEntryNotFound),
		errors.Is(err, ErrVersionConflict):
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
