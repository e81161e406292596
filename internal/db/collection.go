package db

import (
	"context"

	"github.com/ukydev/fleet-investigations/internal/investigation"
	"github.com/ukydev/fleet-investigations/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TripCollection defines the interface for trip data operations.
type TripCollection interface {
	investigation.TransactionalStore
	InsertTrip(ctx context.Context, trip models.Trip) (primitive.ObjectID, error)
}

// UserCollection defines the interface for user database operations.
type UserCollection interface {
	InsertUser(ctx context.Context, user models.User) error
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string) error
}
