package handlers

import (
	"context"
	"database/sql"
	"embed"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alexedwards/scs/v2"
	"go.uber.org/zap"

	"github.com/carpenike/cspd/internal/database"
	"github.com/carpenike/cspd/internal/middleware"
	"github.com/carpenike/cspd/internal/models"
	"github.com/carpenike/cspd/internal/policy"
)

//go:embed testdata/templates
var testTemplateFS embed.FS

// testDB creates a fresh in-memory SQLite database with migrations applied.
func testDB(t testing.TB) *sql.DB {
	t.Helper()

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := database.RunMigrations(db); err != nil {
		db.Close()
		t.Fatalf("run migrations: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// seededDB is testDB with the default policy settings stored.
func seededDB(t testing.TB) *sql.DB {
	t.Helper()
	db := testDB(t)
	if err := database.SeedSettings(db); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	return db
}

// testTemplateCache builds a minimal template cache for handler tests.
// It uses embedded stub templates that define the required blocks.
func testTemplateCache(t testing.TB) TemplateCache {
	t.Helper()

	// Re-root the embedded FS so it looks like the production layout.
	sub, err := fs.Sub(testTemplateFS, "testdata")
	if err != nil {
		t.Fatalf("sub testdata FS: %v", err)
	}
	tc, err := NewTemplateCache(sub)
	if err != nil {
		t.Fatalf("parse test templates: %v", err)
	}
	return tc
}

// testSessionManager creates a cookie-based in-memory session manager for tests.
func testSessionManager() *scs.SessionManager {
	sm := scs.New()
	sm.Lifetime = 12 * time.Hour
	sm.Cookie.HttpOnly = true
	sm.Cookie.SameSite = http.SameSiteLaxMode
	return sm
}

// seedAdmin creates an admin user and returns it.
func seedAdmin(t testing.TB, db *sql.DB) *models.User {
	t.Helper()
	user, err := models.CreateUser(db, "admin", "password123")
	if err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	return user
}

// testBuilder builds policies from the settings stored in db.
func testBuilder(db *sql.DB) *policy.Builder {
	return &policy.Builder{Settings: policy.DBSettings{DB: db}, Log: zap.NewNop()}
}

// requestWithUser creates an HTTP request with the given user set in context
// (simulating the RequireAuth middleware).
func requestWithUser(method, target string, body url.Values, user *models.User) *http.Request {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, strings.NewReader(body.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	ctx := context.WithValue(r.Context(), middleware.UserContextKey, user)
	return r.WithContext(ctx)
}

// withAttachments adds fresh policy attachments to r, as the CSP
// middleware does.
func withAttachments(r *http.Request, nonce string) (*http.Request, *policy.Attachments) {
	att := policy.NewAttachments(nonce)
	return r.WithContext(policy.NewContext(r.Context(), att)), att
}

func readBody(t testing.TB, rr *httptest.ResponseRecorder) string {
	t.Helper()
	b, err := io.ReadAll(rr.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}
