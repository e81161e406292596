package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-investigations/internal/auth"
	"github.com/ukydev/fleet-investigations/internal/config"
	"github.com/ukydev/fleet-investigations/internal/db"
	"github.com/ukydev/fleet-investigations/internal/events"
	"github.com/ukydev/fleet-investigations/internal/handlers"
	"github.com/ukydev/fleet-investigations/internal/investigation"
	"github.com/ukydev/fleet-investigations/internal/lock"
	"github.com/ukydev/fleet-investigations/internal/middleware"
	"github.com/ukydev/fleet-investigations/internal/storage"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	log := config.NewLogger(cfg.LogLevel)
	if cfg.UsesDefaultSecret() {
		log.Warn("JWT_SECRET not set, using the built-in development secret")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := db.ConnectMongo(ctx, cfg.MongoURI)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to MongoDB")
	}
	defer client.Disconnect(context.Background())
	log.WithField("database", cfg.MongoDB).Info("Connected to MongoDB")

	database := client.Database(cfg.MongoDB)
	trips := db.NewTripStore(database.Collection("trips"))
	if err := trips.EnsureIndexes(ctx); err != nil {
		log.WithError(err).Warn("Failed to ensure trip indexes")
	}
	users := &db.MongoUserCollection{Collection: database.Collection("users")}

	opts := []investigation.Option{
		investigation.WithLogger(log),
		investigation.WithLocker(newLocker(ctx, cfg, log)),
	}
	if cfg.MQTTBroker != "" {
		mqttClient, err := events.ConnectMQTT(cfg.MQTTBroker, cfg.MQTTClientID, 10*time.Second)
		if err != nil {
			log.WithError(err).WithField("broker", cfg.MQTTBroker).Warn("MQTT unavailable, events disabled")
		} else {
			defer mqttClient.Disconnect(250)
			opts = append(opts, investigation.WithPublisher(events.NewMQTTPublisher(mqttClient, cfg.MQTTTopicPrefix)))
			log.WithField("broker", cfg.MQTTBroker).Info("Publishing events over MQTT")
		}
	}
	service := investigation.NewService(trips, opts...)

	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.WithError(err).Fatal("Invalid TRUSTED_PROXIES")
	}

	authService := auth.NewService(cfg.JWTSecret, cfg.JWTExpiry)
	deps := routerDeps{
		authService: authService,
		auth:        handlers.NewAuthHandler(authService, users, log),
		flags:       handlers.NewFlagHandler(service, log),
		loginLimit:  cfg.LoginRateLimit,
		proxies:     proxies,
		corsOrigins: cfg.CORSAllowedOrigins,
		health: func(ctx context.Context) error {
			return client.Ping(ctx, readpref.Primary())
		},
		log: log,
	}
	if cfg.GCSBucket != "" {
		gcs, err := storage.NewGCS(ctx, cfg.GCSBucket, cfg.GCSCredentialsFile)
		if err != nil {
			log.WithError(err).Warn("GCS unavailable, attachment uploads disabled")
		} else {
			defer gcs.Close()
			deps.attachments = handlers.NewAttachmentHandler(gcs, cfg.MaxUploadBytes, log)
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Graceful shutdown failed")
	}
}

// newLocker guards resolutions across instances with Redis when configured,
// and within this process otherwise.
func newLocker(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) lock.Locker {
	if cfg.RedisAddress == "" {
		return lock.NewLocal()
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).WithField("address", cfg.RedisAddress).Warn("Redis unavailable, using in-process resolution lock")
		_ = rdb.Close()
		return lock.NewLocal()
	}
	log.WithField("address", cfg.RedisAddress).Info("Using Redis resolution lock")
	return lock.NewRedis(rdb, cfg.ResolveLockTTL, log)
}
