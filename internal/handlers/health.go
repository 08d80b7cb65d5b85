package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Health reports whether the server can reach its database.
type Health struct {
	DB  *sql.DB
	Log *zap.Logger
}

// Check answers GET /health with 200 "ok", or 503 if the database does not
// respond within two seconds.
func (h *Health) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain")
	if err := h.DB.PingContext(ctx); err != nil {
		h.Log.Error("health check failed", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("database unavailable\n"))
		return
	}
	w.Write([]byte("ok\n"))
}
