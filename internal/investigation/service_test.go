package investigation

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-investigations/internal/events"
	"github.com/ukydev/fleet-investigations/internal/lock"
	"github.com/ukydev/fleet-investigations/internal/models"
)

// memStore keeps trips in memory and applies the same version checks as the
// Mongo store.
type memStore struct {
	mu          sync.Mutex
	trips       map[string]*models.Trip
	order       []string
	updateErr   error
	completeErr error
	// beforeWrite runs ahead of every write, with the lock held.
	beforeWrite func(trip *models.Trip)
	updates     int
	completions int
}

func newMemStore(trips ...models.Trip) *memStore {
	m := &memStore{trips: make(map[string]*models.Trip)}
	for i := range trips {
		t := copyTrip(trips[i])
		m.trips[t.ID.Hex()] = &t
		m.order = append(m.order, t.ID.Hex())
	}
	return m
}

func copyTrip(t models.Trip) models.Trip {
	out := t
	out.CostEntries = make([]models.CostEntry, len(t.CostEntries))
	for i, e := range t.CostEntries {
		out.CostEntries[i] = e.Clone()
	}
	return out
}

func (m *memStore) FindTrip(_ context.Context, tripID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, ErrTripNotFound
	}
	c := copyTrip(*t)
	return &c, nil
}

func (m *memStore) ListTrips(_ context.Context) ([]models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Trip, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, copyTrip(*m.trips[id]))
	}
	return out, nil
}

func (m *memStore) UpdateCostEntry(_ context.Context, tripID string, entry models.CostEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	t, ok := m.trips[tripID]
	if !ok {
		return ErrTripNotFound
	}
	if m.beforeWrite != nil {
		m.beforeWrite(t)
	}
	current := t.CostEntry(entry.ID)
	if current == nil {
		return ErrCostEntryNotFound
	}
	if current.Version != entry.Version {
		return ErrVersionConflict
	}
	saved := entry.Clone()
	saved.Version++
	t.ReplaceCostEntry(saved)
	m.updates++
	return nil
}

func (m *memStore) CompleteTrip(_ context.Context, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	t, ok := m.trips[tripID]
	if !ok {
		return ErrTripNotFound
	}
	if t.Status == models.TripActive {
		t.Status = models.TripCompleted
		m.completions++
	}
	return nil
}

func (m *memStore) trip(id string) *models.Trip {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := copyTrip(*m.trips[id])
	return &t
}

// txStore adds the whole-trip update used by the atomic resolve path.
type txStore struct{ *memStore }

func (s txStore) UpdateTrip(_ context.Context, tripID string, fn func(*models.Trip) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	t, ok := s.trips[tripID]
	if !ok {
		return ErrTripNotFound
	}
	if s.beforeWrite != nil {
		s.beforeWrite(t)
	}
	work := copyTrip(*t)
	if err := fn(&work); err != nil {
		return err
	}
	work.Version++
	s.trips[tripID] = &work
	s.updates++
	return nil
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) FindTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	args := m.Called(ctx, tripID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Trip), args.Error(1)
}

func (m *mockStore) ListTrips(ctx context.Context) ([]models.Trip, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Trip), args.Error(1)
}

func (m *mockStore) UpdateCostEntry(ctx context.Context, tripID string, entry models.CostEntry) error {
	args := m.Called(ctx, tripID, entry)
	return args.Error(0)
}

func (m *mockStore) CompleteTrip(ctx context.Context, tripID string) error {
	args := m.Called(ctx, tripID)
	return args.Error(0)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

var fixedNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type countingLocker struct {
	acquired int
}

func (l *countingLocker) Acquire(context.Context, string) (func(), error) {
	l.acquired++
	return func() {}, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestService(store Store, opts ...Option) *Service {
	base := []Option{WithLogger(quietLogger()), WithClock(func() time.Time { return fixedNow })}
	return NewService(store, append(base, opts...)...)
}

type storeFactory struct {
	name string
	wrap func(*memStore) Store
}

var storeFactories = []storeFactory{
	{"sequential", func(m *memStore) Store { return m }},
	{"atomic", func(m *memStore) Store { return txStore{m} }},
}

func resolveInput(tripID, costID, amount, comment string) ResolveInput {
	return ResolveInput{
		TripID:            tripID,
		CostEntryID:       costID,
		Amount:            amount,
		ResolutionComment: comment,
		Actor:             "auditor-1",
	}
}

func TestService_Resolve_CompletesTripWhenLastFlagResolved(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			t1 := newTrip("21H", "Sipho",
				entry("c1", 100, true, models.StatusPending),
				entry("c2", 200, true, models.StatusPending),
				entry("c3", 300, false, ""),
			)
			mem := newMemStore(t1)
			svc := newTestService(f.wrap(mem))
			ctx := context.Background()
			tripID := t1.ID.Hex()

			res, err := svc.Resolve(ctx, resolveInput(tripID, "c1", "100", "slip found"))
			require.NoError(t, err)
			assert.False(t, res.TripCompleted)
			assert.Equal(t, 1, res.OutstandingFlags)
			assert.Equal(t, models.TripActive, mem.trip(tripID).Status)

			res, err = svc.Resolve(ctx, resolveInput(tripID, "c2", "180", "pump receipt checked"))
			require.NoError(t, err)
			assert.True(t, res.TripCompleted)
			assert.Equal(t, 0, res.OutstandingFlags)

			stored := mem.trip(tripID)
			assert.Equal(t, models.TripCompleted, stored.Status)
			assert.Equal(t, models.StatusResolved, stored.CostEntry("c1").InvestigationStatus)
			assert.Equal(t, models.StatusResolved, stored.CostEntry("c2").InvestigationStatus)
			assert.Equal(t, "180", stored.CostEntry("c2").Amount.String())
			assert.Equal(t, int64(1), stored.CostEntry("c2").Version)
			assert.False(t, stored.CostEntry("c3").IsFlagged)
		})
	}
}

func TestService_Resolve_LeavesOtherTripsAlone(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			t1 := newTrip("21H", "Sipho", entry("c1", 100, true, models.StatusPending))
			t2 := newTrip("23H", "Thabo", entry("c9", 10, true, models.StatusPending))
			mem := newMemStore(t1, t2)
			svc := newTestService(f.wrap(mem))

			res, err := svc.Resolve(context.Background(), resolveInput(t1.ID.Hex(), "c1", "100", "ok"))
			require.NoError(t, err)
			assert.True(t, res.TripCompleted)

			other := mem.trip(t2.ID.Hex())
			assert.Equal(t, models.TripActive, other.Status)
			assert.Equal(t, models.StatusPending, other.CostEntry("c9").InvestigationStatus)
		})
	}
}

func TestService_Resolve_DoesNotCompleteNonActiveTrip(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			t1 := newTrip("21H", "Sipho", entry("c1", 100, true, models.StatusPending))
			t1.Status = models.TripInvoiced
			mem := newMemStore(t1)
			svc := newTestService(f.wrap(mem))

			res, err := svc.Resolve(context.Background(), resolveInput(t1.ID.Hex(), "c1", "100", "ok"))
			require.NoError(t, err)
			assert.False(t, res.TripCompleted)
			assert.Equal(t, models.TripInvoiced, mem.trip(t1.ID.Hex()).Status)
		})
	}
}

func TestService_Resolve_ValidationNeverWrites(t *testing.T) {
	t1 := newTrip("21H", "Sipho", entry("c1", 100, true, models.StatusPending))
	tripID := t1.ID.Hex()

	tests := []struct {
		name    string
		amount  string
		comment string
		field   string
	}{
		{"zero amount", "0", "ok", FieldAmount},
		{"negative amount", "-10", "ok", FieldAmount},
		{"non-numeric amount", "ten", "ok", FieldAmount},
		{"blank comment", "100", "   ", FieldResolutionComment},
		{"changed amount without comment", "90", "", FieldResolutionComment},
		{"three decimal places", "10.005", "ok", FieldAmount},
		{"huge exponent", "1e2000000000", "ok", FieldAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(mockStore)
			locker := &countingLocker{}
			svc := newTestService(store, WithLocker(locker))

			res, err := svc.Resolve(context.Background(), resolveInput(tripID, "c1", tt.amount, tt.comment))

			assert.Nil(t, res)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.True(t, verr.Has(tt.field))
			assert.Zero(t, locker.acquired, "lock is not taken for invalid input")
			store.AssertNotCalled(t, "FindTrip", mock.Anything, mock.Anything)
			store.AssertNotCalled(t, "UpdateCostEntry", mock.Anything, mock.Anything, mock.Anything)
			store.AssertNotCalled(t, "CompleteTrip", mock.Anything, mock.Anything)
		})
	}
}

func TestService_Resolve_ValidationBeforeLookup(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.Resolve(context.Background(), resolveInput("missing", "c1", "-5", ""))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "field errors win over a missing trip")
	assert.True(t, verr.Has(FieldAmount))
	assert.True(t, verr.Has(FieldResolutionComment))
	assert.NotErrorIs(t, err, ErrTripNotFound)
}

func TestService_Resolve_TripCompletionFailure(t *testing.T) {
	t1 := newTrip("21H", "Sipho", entry("c1", 100, true, models.StatusInProgress))
	tripID := t1.ID.Hex()
	store := new(mockStore)
	store.On("FindTrip", mock.Anything, tripID).Return(&t1, nil)
	store.On("UpdateCostEntry", mock.Anything, tripID, mock.MatchedBy(func(e models.CostEntry) bool {
		return e.ID == "c1" && e.InvestigationStatus == models.StatusResolved
	})).Return(nil).Once()
	store.On("CompleteTrip", mock.Anything, tripID).Return(errors.New("mongo: write concern timeout"))
	pub := &recordingPublisher{}
	svc := newTestService(store, WithPublisher(pub))

	res, err := svc.Resolve(context.Background(), resolveInput(tripID, "c1", "100", "verified"))

	var completionErr *TripCompletionError
	require.True(t, errors.As(err, &completionErr))
	assert.Equal(t, tripID, completionErr.TripID)
	require.NotNil(t, res, "the resolved entry is still reported")
	assert.Equal(t, models.StatusResolved, res.CostEntry.InvestigationStatus)
	assert.False(t, res.TripCompleted)
	assert.Equal(t, models.TripActive, t1.Status)
	store.AssertNumberOfCalls(t, "UpdateCostEntry", 1)
	store.AssertExpectations(t)
	assert.Equal(t, []events.Type{events.FlagResolved, events.TripCompletionFailed}, pub.types())
}

func TestService_Resolve_PersistenceFailureSkipsCompletion(t *testing.T) {
	t1 := newTrip("21H", "Sipho", entry("c1", 100, true, models.StatusPending))
	tripID := t1.ID.Hex()
	store := new(mockStore)
	store.On("FindTrip", mock.Anything, tripID).Return(&t1, nil)
	store.On("UpdateCostEntry", mock.Anything, tripID, mock.Anything).Return(errors.New("connection reset"))

	res, err := newTestService(store).Resolve(context.Background(), resolveInput(tripID, "c1", "100", "ok"))

	assert.Nil(t, res)
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "resolve", perr.Op)
	store.AssertNotCalled(t, "CompleteTrip", mock.Anything, mock.Anything)
}

func TestService_Resolve_NotesAccumulate(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			t1 := newTrip("21H", "Sipho", entry("c1", 100, true, models.StatusPending))
			t1.Status = models.TripPaid
			mem := newMemStore(t1)
			svc := newTestService(f.wrap(mem))
			ctx := context.Background()

			_, err := svc.Resolve(ctx, resolveInput(t1.ID.Hex(), "c1", "100", "first pass"))
			require.NoError(t, err)
			res, err := svc.Resolve(ctx, resolveInput(t1.ID.Hex(), "c1", "95", "second pass"))
			require.NoError(t, err)

			assert.Equal(t, "Resolution: first pass\n\nResolution: second pass", res.CostEntry.InvestigationNotes)
			stored := mem.trip(t1.ID.Hex()).CostEntry("c1")
			assert.Equal(t, res.CostEntry.InvestigationNotes, stored.InvestigationNotes)
			assert.Equal(t, int64(2), stored.Version)
		})
	}
}

func TestService_Resolve_AppendsAttachments(t *testing.T) {
	t1 := newTrip("21H", "Sipho", entry("c1", 100, true, models.StatusPending))
	t1.CostEntries[0].Attachments = []models.Attachment{{ID: "a1", Filename: "slip.pdf", FileURL: "https://x/slip.pdf"}}
	mem := newMemStore(t1)
	svc := newTestService(mem)

	in := resolveInput(t1.ID.Hex(), "c1", "100", "docs attached")
	in.Attachments = []models.Attachment{
		{Filename: "receipt.jpg", FileURL: "https://x/receipt.jpg"},
		{Filename: "meter.csv", FileURL: "https://x/meter.csv"},
	}
	notes := "refilled at Harrismith"
	in.Notes = &notes

	res, err := svc.Resolve(context.Background(), in)
	require.NoError(t, err)

	stored := mem.trip(t1.ID.Hex()).CostEntry("c1")
	require.Len(t, stored.Attachments, 3)
	assert.Equal(t, "a1", stored.Attachments[0].ID)
	assert.Equal(t, "receipt.jpg", stored.Attachments[1].Filename)
	assert.Equal(t, fixedNow, stored.Attachments[2].UploadedAt)
	assert.Equal(t, "refilled at Harrismith", stored.Notes)
	assert.Equal(t, "auditor-1", res.CostEntry.ResolvedBy)
	require.NotNil(t, res.CostEntry.ResolvedAt)
	assert.Equal(t, fixedNow, *res.CostEntry.ResolvedAt)
}

func TestService_Resolve_Rejections(t *testing.T) {
	t1 := newTrip("21H", "Sipho",
		entry("c1", 100, true, models.StatusPending),
		entry("c2", 100, false, ""),
	)
	tripID := t1.ID.Hex()
	svc := newTestService(newMemStore(t1))
	ctx := context.Background()

	_, err := svc.Resolve(ctx, resolveInput("missing", "c1", "100", "ok"))
	assert.ErrorIs(t, err, ErrTripNotFound)

	_, err = svc.Resolve(ctx, resolveInput(tripID, "nope", "100", "ok"))
	assert.ErrorIs(t, err, ErrCostEntryNotFound)

	_, err = svc.Resolve(ctx, resolveInput(tripID, "c2", "100", "ok"))
	assert.ErrorIs(t, err, ErrNotFlagged)

	stale := int64(3)
	in := resolveInput(tripID, "c1", "100", "ok")
	in.ExpectedVersion = &stale
	_, err = svc.Resolve(ctx, in)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestService_Resolve_ConcurrentWriteConflicts(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			t1 := newTrip("21H", "Sipho", entry("c1", 100, true, models.StatusPending))
			mem := newMemStore(t1)
			// another writer lands between the read and our write
			mem.beforeWrite = func(trip *models.Trip) {
				trip.CostEntries[0].Version++
			}
			svc := newTestService(f.wrap(mem))

			res, err := svc.Resolve(context.Background(), resolveInput(t1.ID.Hex(), "c1", "100", "ok"))

			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrVersionConflict)
			assert.Equal(t, models.TripActive, mem.trip(t1.ID.Hex()).Status)
		})
	}
}

func TestService_Resolve_InProgressElsewhere(t *testing.T) {
	t1 := newTrip("21H", "Sipho", entry("c1", 100, true, models.StatusPending))
	locker := lock.NewLocal()
	release, err := locker.Acquire(context.Background(), "resolve:c1")
	require.NoError(t, err)
	defer release()

	svc := newTestService(newMemStore(t1), WithLocker(locker))
	_, err = svc.Resolve(context.Background(), resolveInput(t1.ID.Hex(), "c1", "100", "ok"))

	assert.ErrorIs(t, err, ErrResolutionInProgress)
}

// stalledPublisher blocks until its context ends, like a client queueing
// publishes while the broker is down. It checks that the resolve lock is
// already free while it waits.
type stalledPublisher struct {
	locker   lock.Locker
	lockFree []bool
	mu       sync.Mutex
}

func (p *stalledPublisher) Publish(ctx context.Context, _ events.Event) error {
	release, err := p.locker.Acquire(context.Background(), "resolve:c1")
	if err == nil {
		release()
	}
	p.mu.Lock()
	p.lockFree = append(p.lockFree, err == nil)
	p.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func TestService_Resolve_StalledPublisherDoesNotBlock(t *testing.T) {
	t1 := newTrip("21H", "Sipho", entry("c1", 100, true, models.StatusPending))
	locker := lock.NewLocal()
	pub := &stalledPublisher{locker: locker}
	svc := newTestService(newMemStore(t1),
		WithLocker(locker),
		WithPublisher(pub),
		WithPublishTimeout(20*time.Millisecond),
	)

	// the request context never ends on its own
	done := make(chan error, 1)
	go func() {
		_, err := svc.Resolve(context.Background(), resolveInput(t1.ID.Hex(), "c1", "100", "ok"))
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Resolve blocked on a stalled publisher")
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.lockFree, 2)
	assert.Equal(t, []bool{true, true}, pub.lockFree)
}

func TestService_Resolve_PublishesEvents(t *testing.T) {
	t1 := newTrip("21H", "Sipho", entry("c1", 100, true, models.StatusPending))
	pub := &recordingPublisher{}
	svc := newTestService(newMemStore(t1), WithPublisher(pub))

	_, err := svc.Resolve(context.Background(), resolveInput(t1.ID.Hex(), "c1", "99.50", "ok"))
	require.NoError(t, err)

	require.Equal(t, []events.Type{events.FlagResolved, events.TripCompleted}, pub.types())
	assert.Equal(t, "99.5 ZAR", pub.events[0].Detail)
	assert.Equal(t, fixedNow, pub.events[0].OccurredAt)
	assert.Equal(t, "auditor-1", pub.events[1].Actor)
}

func TestService_StartInvestigation(t *testing.T) {
	t1 := newTrip("21H", "Sipho",
		entry("c1", 100, true, ""),
		entry("c2", 100, true, models.StatusResolved),
	)
	tripID := t1.ID.Hex()
	mem := newMemStore(t1)
	pub := &recordingPublisher{}
	svc := newTestService(mem, WithPublisher(pub))
	ctx := context.Background()

	updated, err := svc.StartInvestigation(ctx, tripID, "c1", "manager-1", "calling driver")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, updated.InvestigationStatus)
	assert.Equal(t, "Investigation started: calling driver", updated.InvestigationNotes)
	assert.Equal(t, int64(1), updated.Version)
	assert.Equal(t, models.StatusInProgress, mem.trip(tripID).CostEntry("c1").InvestigationStatus)
	assert.Equal(t, []events.Type{events.InvestigationStarted}, pub.types())

	_, err = svc.StartInvestigation(ctx, tripID, "c1", "manager-1", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.StartInvestigation(ctx, tripID, "c2", "manager-1", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// resolving after starting still completes the trip
	res, err := svc.Resolve(ctx, resolveInput(tripID, "c1", "100", "driver confirmed"))
	require.NoError(t, err)
	assert.True(t, res.TripCompleted)
	assert.Equal(t, "Investigation started: calling driver\n\nResolution: driver confirmed", res.CostEntry.InvestigationNotes)
}

func TestService_ListFlagsAndSummary(t *testing.T) {
	t1 := newTrip("21H", "Sipho",
		entry("c1", 100, true, models.StatusPending),
		entry("c2", 50, true, models.StatusResolved),
	)
	svc := newTestService(newMemStore(t1))
	ctx := context.Background()

	flags, err := svc.ListFlags(ctx, FlagFilter{Status: models.StatusPending})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, "c1", flags[0].ID)

	sum, err := svc.Summary(ctx, FlagFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, "100", sum.Outstanding[models.CurrencyZAR].String())
}

func TestService_ListFlags_StoreError(t *testing.T) {
	store := new(mockStore)
	store.On("ListTrips", mock.Anything).Return(nil, errors.New("timeout"))

	_, err := newTestService(store).ListFlags(context.Background(), FlagFilter{})

	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "list trips", perr.Op)
}
