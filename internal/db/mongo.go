package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ukydev/fleet-investigations/internal/investigation"
	"github.com/ukydev/fleet-investigations/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ConnectMongo connects to MongoDB at uri with the decimal-aware registry and
// verifies the connection with a ping.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetRegistry(NewRegistry()).
		SetServerSelectionTimeout(5 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo.Connect error: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	// Ping to verify connection
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo.Ping error: %w", err)
	}
	return client, nil
}

// TripStore keeps trips, with their cost entries embedded, in one collection.
type TripStore struct {
	Collection *mongo.Collection
	now        func() time.Time
}

var _ TripCollection = (*TripStore)(nil)

// NewTripStore wraps coll.
func NewTripStore(coll *mongo.Collection) *TripStore {
	return &TripStore{Collection: coll, now: time.Now}
}

// EnsureIndexes creates the indexes the flag queries rely on.
func (s *TripStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.Collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "cost_entries.is_flagged", Value: 1}}},
		{Keys: bson.D{{Key: "cost_entries.id", Value: 1}}},
		{Keys: bson.D{{Key: "fleet_number", Value: 1}, {Key: "start_date", Value: -1}}},
	})
	return err
}

// InsertTrip inserts trip, assigning an id when it has none.
func (s *TripStore) InsertTrip(ctx context.Context, trip models.Trip) (primitive.ObjectID, error) {
	if s.Collection == nil {
		return primitive.NilObjectID, fmt.Errorf("mongo collection is nil")
	}
	if trip.ID.IsZero() {
		trip.ID = primitive.NewObjectID()
	}
	now := s.now()
	trip.CreatedAt = now
	trip.UpdatedAt = now
	trip.Normalize()
	if _, err := s.Collection.InsertOne(ctx, trip); err != nil {
		return primitive.NilObjectID, err
	}
	return trip.ID, nil
}

// FindTrip loads one trip. Unknown and malformed ids both report
// investigation.ErrTripNotFound.
func (s *TripStore) FindTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	oid, err := primitive.ObjectIDFromHex(tripID)
	if err != nil {
		return nil, investigation.ErrTripNotFound
	}
	var trip models.Trip
	err = s.Collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&trip)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, investigation.ErrTripNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find trip: %w", err)
	}
	trip.Normalize()
	return &trip, nil
}

// ListTrips returns every trip carrying at least one flagged cost entry,
// newest first.
func (s *TripStore) ListTrips(ctx context.Context) ([]models.Trip, error) {
	opts := options.Find().SetSort(bson.D{{Key: "start_date", Value: -1}, {Key: "_id", Value: 1}})
	cursor, err := s.Collection.Find(ctx, bson.M{"cost_entries.is_flagged": true}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query trips: %w", err)
	}
	defer cursor.Close(ctx)

	var trips []models.Trip
	if err := cursor.All(ctx, &trips); err != nil {
		return nil, fmt.Errorf("failed to decode trips: %w", err)
	}
	for i := range trips {
		trips[i].Normalize()
	}
	return trips, nil
}

// UpdateCostEntry replaces one embedded cost entry, provided its stored
// version still equals entry.Version. The stored copy gets Version+1.
func (s *TripStore) UpdateCostEntry(ctx context.Context, tripID string, entry models.CostEntry) error {
	oid, err := primitive.ObjectIDFromHex(tripID)
	if err != nil {
		return investigation.ErrTripNotFound
	}

	now := s.now()
	saved := entry.Clone()
	saved.Version = entry.Version + 1
	if saved.TripID == "" {
		saved.TripID = tripID
	}

	filter := bson.M{
		"_id": oid,
		"cost_entries": bson.M{"$elemMatch": bson.M{
			"id":      entry.ID,
			"version": versionMatch(entry.Version),
		}},
	}
	update := bson.M{
		"$set": bson.M{"cost_entries.$": saved, "updated_at": now},
		"$inc": bson.M{"version": 1},
	}
	result, err := s.Collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update cost entry: %w", err)
	}
	if result.MatchedCount == 0 {
		return s.missReason(ctx, oid, entry.ID)
	}
	return nil
}

// CompleteTrip marks an active trip completed. Trips already past active are
// left untouched.
func (s *TripStore) CompleteTrip(ctx context.Context, tripID string) error {
	oid, err := primitive.ObjectIDFromHex(tripID)
	if err != nil {
		return investigation.ErrTripNotFound
	}
	now := s.now()
	filter := bson.M{
		"_id":    oid,
		"status": bson.M{"$in": bson.A{models.TripActive, "", nil}},
	}
	update := bson.M{
		"$set": bson.M{"status": models.TripCompleted, "completed_at": now, "updated_at": now},
		"$inc": bson.M{"version": 1},
	}
	result, err := s.Collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to complete trip: %w", err)
	}
	if result.MatchedCount == 0 {
		n, err := s.Collection.CountDocuments(ctx, bson.M{"_id": oid})
		if err != nil {
			return fmt.Errorf("failed to check trip: %w", err)
		}
		if n == 0 {
			return investigation.ErrTripNotFound
		}
	}
	return nil
}

// UpdateTrip loads a trip, applies fn and writes the result back only if
// nobody else wrote the trip in between.
func (s *TripStore) UpdateTrip(ctx context.Context, tripID string, fn func(*models.Trip) error) error {
	trip, err := s.FindTrip(ctx, tripID)
	if err != nil {
		return err
	}
	readVersion := trip.Version
	if err := fn(trip); err != nil {
		return err
	}
	trip.Version = readVersion + 1
	trip.UpdatedAt = s.now()

	filter := bson.M{"_id": trip.ID, "version": versionMatch(readVersion)}
	result, err := s.Collection.ReplaceOne(ctx, filter, trip)
	if err != nil {
		return fmt.Errorf("failed to replace trip: %w", err)
	}
	if result.MatchedCount == 0 {
		return investigation.ErrVersionConflict
	}
	return nil
}

// missReason explains why a conditional entry update matched nothing.
func (s *TripStore) missReason(ctx context.Context, oid primitive.ObjectID, entryID string) error {
	var trip models.Trip
	err := s.Collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&trip)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return investigation.ErrTripNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to find trip: %w", err)
	}
	if trip.CostEntry(entryID) == nil {
		return investigation.ErrCostEntryNotFound
	}
	return investigation.ErrVersionConflict
}

// versionMatch treats a missing version field as version zero.
func versionMatch(v int64) interface{} {
	if v == 0 {
		return bson.M{"$in": bson.A{int64(0), nil}}
	}
	return v
}
