package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestHealth_OK(t *testing.T) {
	h := &Health{DB: testDB(t), Log: zap.NewNop()}

	rr := httptest.NewRecorder()
	h.Check(rr, httptest.NewRequest("GET", "/health", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if body := readBody(t, rr); body != "ok\n" {
		t.Errorf("expected ok, got %q", body)
	}
}

func TestHealth_DatabaseClosed(t *testing.T) {
	db := testDB(t)
	db.Close()
	h := &Health{DB: db, Log: zap.NewNop()}

	rr := httptest.NewRecorder()
	h.Check(rr, httptest.NewRequest("GET", "/health", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rr.Code)
	}
}
