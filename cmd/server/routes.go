package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-investigations/internal/auth"
	"github.com/ukydev/fleet-investigations/internal/handlers"
	"github.com/ukydev/fleet-investigations/internal/middleware"
	"github.com/ukydev/fleet-investigations/internal/models"
)

type routerDeps struct {
	authService *auth.Service
	auth        *handlers.AuthHandler
	flags       *handlers.FlagHandler
	// attachments is nil when no bucket is configured.
	attachments *handlers.AttachmentHandler
	loginLimit  int
	proxies     middleware.TrustedProxies
	corsOrigins []string
	health      func(ctx context.Context) error
	log         logrus.FieldLogger
}

func newRouter(d routerDeps) http.Handler {
	authMW := middleware.NewAuthMiddleware(d.authService)
	limiter := middleware.NewRateLimitMiddleware(d.proxies)
	protected := func(action string, h http.HandlerFunc) http.Handler {
		return authMW.Authenticate(authMW.RequirePermission(action)(h))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler(d.health))
	mux.Handle("POST /api/auth/login", limiter.RateLimit(d.loginLimit, time.Minute)(http.HandlerFunc(d.auth.Login)))
	mux.Handle("GET /api/auth/me", authMW.Authenticate(http.HandlerFunc(d.auth.Me)))

	mux.Handle("GET /api/flags", protected(models.ActionViewFlags, d.flags.List))
	mux.Handle("GET /api/flags/summary", protected(models.ActionViewFlags, d.flags.Summary))
	mux.Handle("GET /api/flags/export", protected(models.ActionExportFlags, d.flags.Export))
	mux.Handle("POST /api/trips/{tripID}/costs/{costID}/investigation", protected(models.ActionStartInvestigation, d.flags.StartInvestigation))
	mux.Handle("POST /api/trips/{tripID}/costs/{costID}/resolve", protected(models.ActionResolveFlags, d.flags.Resolve))
	if d.attachments != nil {
		mux.Handle("POST /api/attachments", protected(models.ActionUploadAttachments, d.attachments.Upload))
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   d.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Content-Disposition", "X-Request-ID"},
		AllowCredentials: true,
	})
	return middleware.RequestLogger(d.log)(c.Handler(mux))
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
