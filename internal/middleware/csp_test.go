package middleware

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/carpenike/cspd/internal/models"
	"github.com/carpenike/cspd/internal/policy"
)

type staticSettings map[models.PolicyType]*models.PolicySettings

func (s staticSettings) PolicySettings(_ context.Context, pt models.PolicyType) (*models.PolicySettings, error) {
	return s[pt], nil
}

func testBuilder() *policy.Builder {
	return &policy.Builder{
		Settings: staticSettings{
			models.PolicyEnforce: {
				Enabled: true,
				Directives: map[string]models.DirectiveSettings{
					"script-src": {Enabled: true, Base: models.BaseSelf},
				},
				Reporting: models.ReportingSettings{Handler: "none"},
			},
		},
		Log: zap.NewNop(),
	}
}

func TestNewNonce(t *testing.T) {
	a, err := NewNonce()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewNonce()
	if a == b {
		t.Error("expected distinct nonces")
	}
	raw, err := base64.StdEncoding.DecodeString(a)
	if err != nil {
		t.Fatalf("nonce is not base64: %v", err)
	}
	if len(raw) != 16 {
		t.Errorf("expected 16 random bytes, got %d", len(raw))
	}
}

func TestCSP_AppliesAttachedNonce(t *testing.T) {
	var nonce string
	handler := CSP(testBuilder(), zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		att := policy.FromContext(r.Context())
		if att == nil {
			t.Fatal("expected attachments in context")
		}
		nonce = att.Nonce()
		if err := att.RequestNonce("script"); err != nil {
			t.Fatalf("request nonce: %v", err)
		}
		w.Write([]byte("<script nonce=\"" + nonce + "\"></script>"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	header := rr.Header().Get("Content-Security-Policy")
	if !strings.Contains(header, "script-src 'self' 'nonce-"+nonce+"'") {
		t.Errorf("expected nonce in script-src, got %q", header)
	}
	if got := rr.Header().Get("Content-Security-Policy-Report-Only"); got != "" {
		t.Errorf("expected no report-only header, got %q", got)
	}
}

func TestCSP_AppliesWithoutWrite(t *testing.T) {
	handler := CSP(testBuilder(), zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if got := rr.Header().Get("Content-Security-Policy"); got != "script-src 'self'" {
		t.Errorf("expected %q, got %q", "script-src 'self'", got)
	}
}

func TestCSP_FreshNoncePerRequest(t *testing.T) {
	var seen []string
	handler := CSP(testBuilder(), zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, policy.FromContext(r.Context()).Nonce())
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	}
	if len(seen) != 2 || seen[0] == seen[1] {
		t.Errorf("expected two distinct nonces, got %v", seen)
	}
}
