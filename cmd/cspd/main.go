package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alexedwards/scs/sqlite3store"
	"github.com/alexedwards/scs/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/carpenike/cspd/internal/config"
	"github.com/carpenike/cspd/internal/database"
	"github.com/carpenike/cspd/internal/handlers"
	"github.com/carpenike/cspd/internal/libraries"
	"github.com/carpenike/cspd/internal/metrics"
	"github.com/carpenike/cspd/internal/middleware"
	"github.com/carpenike/cspd/internal/models"
	"github.com/carpenike/cspd/internal/policy"
	"github.com/carpenike/cspd/internal/scheduler"
)

//go:embed all:templates
var templateFS embed.FS

// loginRate bounds login attempts per client per minute.
const loginRate = 10

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cspd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if err := database.SeedSettings(db); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	logger.Info("database ready", zap.String("path", filepath.Clean(cfg.DBPath)))

	if err := bootstrapAdmin(db, cfg, logger); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	tc, err := handlers.NewTemplateCache(templateFS)
	if err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}

	sessionManager := scs.New()
	sessionManager.Store = sqlite3store.New(db)
	sessionManager.Lifetime = cfg.SessionTTL
	sessionManager.Cookie.Name = "cspd_session"
	sessionManager.Cookie.HttpOnly = true
	sessionManager.Cookie.SameSite = http.SameSiteLaxMode
	sessionManager.Cookie.Secure = cfg.SecureCookies

	collector := metrics.NewCollector(prometheus.NewRegistry())
	builder := &policy.Builder{
		Settings: policy.DBSettings{DB: db},
		Metrics:  collector,
		Log:      logger.Named("policy"),
	}

	if cfg.LibrariesDir != "" {
		libs := libraries.NewStore(cfg.LibrariesDir, logger.Named("libraries"))
		if err := libs.Reload(); err != nil {
			return fmt.Errorf("load libraries: %w", err)
		}
		builder.Libraries = libs
		go func() {
			if err := libs.Watch(ctx, libraries.DefaultDebounce); err != nil {
				logger.Error("library watcher stopped", zap.Error(err))
			}
		}()
	}

	sched := scheduler.New(db, cfg.Reports, logger.Named("scheduler"), collector)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	reportLimiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.TrustedProxies)
	defer reportLimiter.Stop()
	loginLimiter := middleware.NewRateLimiter(loginRate, time.Minute, cfg.TrustedProxies)
	defer loginLimiter.Stop()

	router := newRouter(routerDeps{
		DB:            db,
		Logger:        logger,
		Sessions:      sessionManager,
		Templates:     tc,
		Builder:       builder,
		Metrics:       collector,
		ReportLimiter: reportLimiter,
		LoginLimiter:  loginLimiter,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("cspd listening", zap.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newLogger builds a JSON production logger, or a console development
// logger when the console format is selected.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// bootstrapAdmin creates the initial admin user from the configured
// credentials if no users exist in the database.
func bootstrapAdmin(db *sql.DB, cfg *config.Config, logger *zap.Logger) error {
	count, err := models.CountUsers(db)
	if err != nil {
		return fmt.Errorf("check user count: %w", err)
	}
	if count > 0 {
		return nil
	}

	if cfg.AdminUser == "" || cfg.AdminPass == "" {
		return fmt.Errorf("no users exist and CSPD_ADMIN_USER / CSPD_ADMIN_PASS are not set")
	}

	user, err := models.CreateUser(db, cfg.AdminUser, cfg.AdminPass)
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	logger.Info("bootstrapped admin user", zap.String("username", user.Username), zap.Int64("id", user.ID))
	return nil
}
