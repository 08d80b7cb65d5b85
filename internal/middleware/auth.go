package middleware

import (
	"context"
	"database/sql"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"
	"go.uber.org/zap"

	"github.com/carpenike/cspd/internal/models"
)

type contextKey string

// UserContextKey is the request context key holding the authenticated *models.User.
const UserContextKey contextKey = "user"

// SessionUserKey is the session key holding the authenticated user's ID.
const SessionUserKey = "userID"

// RequireAuth rejects requests without a logged-in user. Browsers are
// redirected to the login page; API clients asking for JSON get a 401.
func RequireAuth(sm *scs.SessionManager, db *sql.DB, log *zap.Logger, next http.Handler) http.Handler {
	return sm.LoadAndSave(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := sm.GetInt64(r.Context(), SessionUserKey)
		if userID == 0 {
			unauthorized(w, r)
			return
		}

		user, err := models.GetUserByID(db, userID)
		if err != nil {
			log.Warn("load session user", zap.Int64("user_id", userID), zap.Error(err))
			if err := sm.Destroy(r.Context()); err != nil {
				log.Error("destroy session", zap.Error(err))
			}
			unauthorized(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	}))
}

func unauthorized(w http.ResponseWriter, r *http.Request) {
	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"authentication required"}`))
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// UserFromContext retrieves the authenticated user from the request context.
// Returns nil if no user is set (should not happen behind RequireAuth).
func UserFromContext(ctx context.Context) *models.User {
	u, _ := ctx.Value(UserContextKey).(*models.User)
	return u
}
