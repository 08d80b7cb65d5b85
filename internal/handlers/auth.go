package handlers

import (
	"database/sql"
	"net/http"

	"github.com/alexedwards/scs/v2"
	"go.uber.org/zap"

	"github.com/carpenike/cspd/internal/middleware"
	"github.com/carpenike/cspd/internal/models"
)

// Auth holds dependencies for authentication handlers.
type Auth struct {
	DB        *sql.DB
	Sessions  *scs.SessionManager
	Templates TemplateCache
	Log       *zap.Logger
}

// LoginPage renders the login form.
func (a *Auth) LoginPage(w http.ResponseWriter, r *http.Request) {
	if a.Sessions.GetInt64(r.Context(), middleware.SessionUserKey) != 0 {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	data := map[string]any{
		"Error": r.URL.Query().Get("error"),
	}
	if err := a.Templates.Render(w, r, "login.html", data); err != nil {
		a.Log.Error("render login", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// LoginSubmit processes the login form.
func (a *Auth) LoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	if username == "" || password == "" {
		http.Redirect(w, r, "/login?error=Username+and+password+are+required", http.StatusSeeOther)
		return
	}

	user, err := models.Authenticate(a.DB, username, password)
	if err != nil {
		a.Log.Info("login failed", zap.String("username", username), zap.Error(err))
		http.Redirect(w, r, "/login?error=Invalid+username+or+password", http.StatusSeeOther)
		return
	}

	// Renew session token to prevent fixation.
	if err := a.Sessions.RenewToken(r.Context()); err != nil {
		a.Log.Error("renew session token", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	a.Sessions.Put(r.Context(), middleware.SessionUserKey, user.ID)
	a.Log.Info("login", zap.String("username", user.Username))

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// Logout destroys the session and redirects to login.
func (a *Auth) Logout(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.Destroy(r.Context()); err != nil {
		a.Log.Error("destroy session", zap.Error(err))
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}
