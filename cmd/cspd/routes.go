package main

import (
	"database/sql"
	"net/http"

	"github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/carpenike/cspd/internal/handlers"
	"github.com/carpenike/cspd/internal/metrics"
	"github.com/carpenike/cspd/internal/middleware"
	"github.com/carpenike/cspd/internal/policy"
)

type routerDeps struct {
	DB            *sql.DB
	Logger        *zap.Logger
	Sessions      *scs.SessionManager
	Templates     handlers.TemplateCache
	Builder       *policy.Builder
	Metrics       *metrics.Collector
	ReportLimiter *middleware.RateLimiter
	LoginLimiter  *middleware.RateLimiter
}

func newRouter(d routerDeps) http.Handler {
	log := d.Logger
	auth := &handlers.Auth{DB: d.DB, Sessions: d.Sessions, Templates: d.Templates, Log: log.Named("auth")}
	pages := &handlers.Pages{DB: d.DB, Builder: d.Builder, Templates: d.Templates, Log: log.Named("pages")}
	reports := &handlers.Reports{DB: d.DB, Metrics: d.Metrics, Log: log.Named("reports")}
	settings := &handlers.Settings{DB: d.DB, Builder: d.Builder, Log: log.Named("settings")}
	health := &handlers.Health{DB: d.DB, Log: log}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(log.Named("http")))
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)

	r.Get("/health", health.Check)
	r.Handle("/metrics", d.Metrics.Handler())

	// Browsers post reports cross-origin from every page the policy is
	// served on.
	r.Route("/csp-report", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
		r.Use(d.ReportLimiter.Limit)
		r.Post("/{type}", reports.Receive)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.CSP(d.Builder, log.Named("csp")))

		r.Get("/", pages.Index)

		r.With(d.Sessions.LoadAndSave).Get("/login", auth.LoginPage)
		r.With(d.LoginLimiter.Limit, d.Sessions.LoadAndSave).Post("/login", auth.LoginSubmit)
		r.With(d.Sessions.LoadAndSave).Post("/logout", auth.Logout)

		// Admin routes are wrapped with RequireAuth + CSRF middleware.
		r.Route("/admin", func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler {
				return middleware.RequireAuth(d.Sessions, d.DB, log.Named("auth"), middleware.CSRFProtect(d.Sessions, log.Named("csrf"), next))
			})
			r.Get("/", pages.Dashboard)
			r.Get("/directives", settings.Directives)
			r.Get("/settings/{type}", settings.Show)
			r.Put("/settings/{type}", settings.Update)
			r.Get("/policy/preview", settings.Preview)
			r.Get("/reports", reports.List)
		})
	})

	return r
}
