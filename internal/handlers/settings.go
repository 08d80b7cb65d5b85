package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carpenike/cspd/internal/csp"
	"github.com/carpenike/cspd/internal/models"
	"github.com/carpenike/cspd/internal/policy"
	"github.com/carpenike/cspd/internal/reporting"
)

// maxSettingsBytes bounds a settings document.
const maxSettingsBytes = 256 << 10

// Settings serves the policy settings API (admin-only).
type Settings struct {
	DB      *sql.DB
	Builder *policy.Builder
	Log     *zap.Logger
}

func (h *Settings) policyType(w http.ResponseWriter, r *http.Request) (models.PolicyType, bool) {
	pt, err := models.ParsePolicyType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return pt, true
}

// Show handles GET /admin/settings/{type}. Unsaved policy types report the
// defaults a fresh install starts with.
func (h *Settings) Show(w http.ResponseWriter, r *http.Request) {
	pt, ok := h.policyType(w, r)
	if !ok {
		return
	}

	s, err := models.GetPolicySettings(h.DB, pt)
	if errors.Is(err, models.ErrNotFound) {
		s, err = models.DefaultPolicySettings(pt)
	}
	if err != nil {
		h.Log.Error("load settings", zap.String("policy_type", string(pt)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := writeJSON(w, http.StatusOK, s); err != nil {
		h.Log.Error("encode settings", zap.Error(err))
	}
}

// Update handles PUT /admin/settings/{type}. The body replaces the stored
// settings. Malformed JSON is a 400; settings that fail validation are a 422.
func (h *Settings) Update(w http.ResponseWriter, r *http.Request) {
	pt, ok := h.policyType(w, r)
	if !ok {
		return
	}

	var s models.PolicySettings
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if s.Directives == nil {
		s.Directives = map[string]models.DirectiveSettings{}
	}

	if s.Reporting.Handler != "" {
		if _, err := reporting.New(s.Reporting.Handler, reporting.Options(s.Reporting.Options)); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}
	if err := models.SavePolicySettings(h.DB, pt, &s); err != nil {
		if errors.Is(err, models.ErrInvalidSettings) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.Log.Error("save settings", zap.String("policy_type", string(pt)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.Log.Info("csp settings updated", zap.String("policy_type", string(pt)), zap.Bool("enabled", s.Enabled))
	if err := writeJSON(w, http.StatusOK, &s); err != nil {
		h.Log.Error("encode settings", zap.Error(err))
	}
}

// directiveInfo describes a directive for settings editors.
type directiveInfo struct {
	Name           string   `json:"name"`
	Kind           string   `json:"kind"`
	Fallback       []string `json:"fallback,omitempty"`
	Configurable   bool     `json:"configurable"`
	KeywordOptions []string `json:"keyword_options,omitempty"`
}

// Directives handles GET /admin/directives, listing every known directive
// in header order.
func (h *Settings) Directives(w http.ResponseWriter, r *http.Request) {
	all := csp.Directives()
	out := make([]directiveInfo, 0, len(all))
	for _, d := range all {
		out = append(out, directiveInfo{
			Name:           d.Name,
			Kind:           d.Kind().String(),
			Fallback:       d.Fallback,
			Configurable:   models.IsConfigurable(d.Name),
			KeywordOptions: models.KeywordOptions(d.Name),
		})
	}
	if err := writeJSON(w, http.StatusOK, out); err != nil {
		h.Log.Error("encode directives", zap.Error(err))
	}
}

// previewEntry is the rendered header of one policy type.
type previewEntry struct {
	Enabled bool   `json:"enabled"`
	Header  string `json:"header,omitempty"`
	Value   string `json:"value,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Preview handles GET /admin/policy/preview, rendering both headers as a
// response without attachments would receive them.
func (h *Settings) Preview(w http.ResponseWriter, r *http.Request) {
	out := make(map[models.PolicyType]previewEntry, len(models.PolicyTypes))
	for _, pt := range models.PolicyTypes {
		p, err := h.Builder.Build(r.Context(), pt, nil)
		switch {
		case err != nil:
			out[pt] = previewEntry{Error: err.Error()}
		case p == nil:
			out[pt] = previewEntry{}
		default:
			out[pt] = previewEntry{Enabled: true, Header: p.HeaderName(), Value: p.HeaderValue()}
		}
	}
	if err := writeJSON(w, http.StatusOK, out); err != nil {
		h.Log.Error("encode preview", zap.Error(err))
	}
}
