package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-investigations/internal/auth"
	"github.com/ukydev/fleet-investigations/internal/config"
	"github.com/ukydev/fleet-investigations/internal/db"
	"github.com/ukydev/fleet-investigations/internal/models"
)

// depot is a city trips start or end at.
type depot struct {
	Name string
	Lat  float64
	Lon  float64
}

var depots = []depot{
	{Name: "Johannesburg", Lat: -26.2041, Lon: 28.0473},
	{Name: "Durban", Lat: -29.8587, Lon: 31.0218},
	{Name: "Cape Town", Lat: -33.9249, Lon: 18.4241},
	{Name: "Gqeberha", Lat: -33.9608, Lon: 25.6022},
	{Name: "Bloemfontein", Lat: -29.0852, Lon: 26.1596},
	{Name: "Polokwane", Lat: -23.9045, Lon: 29.4689},
	{Name: "Beitbridge", Lat: -22.2167, Lon: 30.0000},
	{Name: "Harare", Lat: -17.8292, Lon: 31.0522},
	{Name: "Lusaka", Lat: -15.3875, Lon: 28.3228},
	{Name: "Gaborone", Lat: -24.6282, Lon: 25.9231},
}

var (
	drivers     = []string{"Sipho Dlamini", "Thabo Mokoena", "Johan van Wyk", "Tendai Moyo", "Pieter Botha", "Lerato Nkosi", "Farai Chikwanha"}
	clients     = []string{"Afrimax Logistics", "Karoo Grain Co-op", "Limpopo Citrus", "Copperbelt Mining"}
	categories  = []string{"diesel", "tolls", "repairs", "border", "accommodation", "other"}
	flagReasons = []string{
		"Amount exceeds route average",
		"Duplicate reference number",
		"Missing receipt",
		"Fuel volume above tank capacity",
	}
	noDocReasons = []string{"Receipt lost", "Vendor did not issue slip", "Cash payment at border post"}
)

func haversineKm(a, b depot) float64 {
	R := 6371.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	s := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
	return R * c
}

// randomAmount returns a two-decimal amount in [min, max).
func randomAmount(rng *rand.Rand, min, max float64) decimal.Decimal {
	cents := int64(min*100) + rng.Int63n(int64((max-min)*100))
	return decimal.New(cents, -2)
}

func randomCost(rng *rand.Rand, day time.Time, flagged bool) models.CostEntry {
	category := categories[rng.Intn(len(categories))]
	currency := models.CurrencyZAR
	if category == "border" {
		currency = models.CurrencyUSD
	}
	entry := models.CostEntry{
		ID:              uuid.NewString(),
		Amount:          randomAmount(rng, 150, 12000),
		Currency:        currency,
		Category:        category,
		ReferenceNumber: fmt.Sprintf("REF-%06d", rng.Intn(1000000)),
		Date:            day,
		Attachments:     []models.Attachment{},
	}
	if flagged {
		entry.IsFlagged = true
		entry.FlagReason = flagReasons[rng.Intn(len(flagReasons))]
		entry.InvestigationStatus = models.StatusPending
		if rng.Intn(3) == 0 {
			entry.NoDocumentReason = noDocReasons[rng.Intn(len(noDocReasons))]
		}
	}
	return entry
}

// randomTrip builds an active trip between two distinct depots with at least
// one flagged cost entry.
func randomTrip(rng *rand.Rand, now time.Time) models.Trip {
	from := rng.Intn(len(depots))
	to := (from + 1 + rng.Intn(len(depots)-1)) % len(depots)
	distance := math.Round(haversineKm(depots[from], depots[to])*1.2*10) / 10

	start := now.Add(-time.Duration(rng.Intn(30*24)) * time.Hour).Truncate(time.Hour)
	end := start.Add(time.Duration(distance/60*float64(time.Hour))).Truncate(time.Minute)

	trip := models.Trip{
		FleetNumber: fmt.Sprintf("FL-%03d", 1+rng.Intn(60)),
		DriverName:  drivers[rng.Intn(len(drivers))],
		ClientName:  clients[rng.Intn(len(clients))],
		Route:       depots[from].Name + " - " + depots[to].Name,
		StartDate:   start,
		EndDate:     end,
		Distance:    distance,
		Status:      models.TripActive,
	}

	n := 2 + rng.Intn(5)
	flagged := 1 + rng.Intn(n)
	for i := 0; i < n; i++ {
		day := start.Add(time.Duration(i) * 6 * time.Hour)
		trip.CostEntries = append(trip.CostEntries, randomCost(rng, day, i < flagged))
	}
	rng.Shuffle(len(trip.CostEntries), func(i, j int) {
		trip.CostEntries[i], trip.CostEntries[j] = trip.CostEntries[j], trip.CostEntries[i]
	})
	return trip
}

type seedUser struct {
	Username string
	Role     models.Role
}

var seedUsers = []seedUser{
	{Username: "admin", Role: models.RoleAdmin},
	{Username: "auditor", Role: models.RoleAuditor},
	{Username: "manager", Role: models.RoleFleetManager},
	{Username: "viewer", Role: models.RoleViewer},
}

func ensureUsers(ctx context.Context, users db.UserCollection, authService *auth.Service, password string) (int, error) {
	created := 0
	for _, u := range seedUsers {
		if _, err := users.FindUserByUsername(ctx, u.Username); err == nil {
			log.WithField("username", u.Username).Info("User already exists")
			continue
		}
		hash, err := authService.HashPassword(password)
		if err != nil {
			return created, err
		}
		if err := users.InsertUser(ctx, models.User{
			Username:     u.Username,
			Email:        u.Username + "@fleet.local",
			PasswordHash: hash,
			Role:         u.Role,
			FirstName:    u.Username,
		}); err != nil {
			return created, fmt.Errorf("insert user %s: %w", u.Username, err)
		}
		created++
		log.WithFields(log.Fields{"username": u.Username, "role": u.Role}).Info("Created user")
	}
	return created, nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
		log.WithField(key, v).Warn("Invalid value, using default")
	}
	return def
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	tripCount := envInt("SEED_TRIPS", 25)
	seed := int64(envInt("SEED_RANDOM", int(time.Now().UnixNano()%math.MaxInt32)))
	password := os.Getenv("SEED_PASSWORD")
	if password == "" {
		password = "changeme123"
	}

	log.WithFields(log.Fields{
		"database": cfg.MongoDB,
		"trips":    tripCount,
		"seed":     seed,
	}).Info("Starting seed")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client, err := db.ConnectMongo(ctx, cfg.MongoURI)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to MongoDB")
	}
	defer client.Disconnect(context.Background())
	database := client.Database(cfg.MongoDB)

	users := &db.MongoUserCollection{Collection: database.Collection("users")}
	created, err := ensureUsers(ctx, users, auth.NewService(cfg.JWTSecret, cfg.JWTExpiry), password)
	if err != nil {
		log.WithError(err).Fatal("Failed to seed users")
	}

	trips := db.NewTripStore(database.Collection("trips"))
	if err := trips.EnsureIndexes(ctx); err != nil {
		log.WithError(err).Warn("Failed to ensure trip indexes")
	}

	rng := rand.New(rand.NewSource(seed))
	now := time.Now().UTC()
	flagged := 0
	for i := 0; i < tripCount; i++ {
		trip := randomTrip(rng, now)
		id, err := trips.InsertTrip(ctx, trip)
		if err != nil {
			log.WithError(err).WithField("fleet_number", trip.FleetNumber).Error("Failed to insert trip")
			continue
		}
		for _, e := range trip.CostEntries {
			if e.IsFlagged {
				flagged++
			}
		}
		log.WithFields(log.Fields{"trip_id": id.Hex(), "route": trip.Route, "entries": len(trip.CostEntries)}).Debug("Inserted trip")
	}

	log.WithFields(log.Fields{
		"users_created": created,
		"trips":         tripCount,
		"flagged_costs": flagged,
	}).Info("Seed completed")
}
