package handlers

import (
	"database/sql"
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"github.com/carpenike/cspd/internal/models"
	"github.com/carpenike/cspd/internal/policy"
)

// demoStyle is rendered inline on the index page and allowed by its hash.
const demoStyle = `.banner{padding:1rem;border:1px solid #888;}`

// Pages holds dependencies for page handlers.
type Pages struct {
	DB        *sql.DB
	Builder   *policy.Builder
	Templates TemplateCache
	Log       *zap.Logger
}

// Index renders a page that carries a nonce-protected inline script and a
// hash-allowed inline style, so the headers it is served with show both
// mechanisms at work.
func (p *Pages) Index(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"InlineStyle": template.CSS(demoStyle),
	}

	if att := policy.FromContext(r.Context()); att != nil {
		if err := att.RequestNonce("script"); err != nil {
			p.Log.Error("request script nonce", zap.Error(err))
		}
		digest, err := att.HashContent("style", demoStyle)
		if err != nil {
			p.Log.Error("hash inline style", zap.Error(err))
		}
		data["StyleHash"] = digest
	}

	if err := p.Templates.Render(w, r, "index.html", data); err != nil {
		p.Log.Error("render index", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Dashboard renders the admin overview: report counts and the headers the
// current settings produce.
func (p *Pages) Dashboard(w http.ResponseWriter, r *http.Request) {
	total, err := models.CountReports(p.DB)
	if err != nil {
		p.Log.Error("count reports", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	byDirective, err := models.CountReportsByDirective(p.DB)
	if err != nil {
		p.Log.Error("count reports by directive", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var headers []string
	for _, pt := range models.PolicyTypes {
		pol, err := p.Builder.Build(r.Context(), pt, nil)
		if err != nil {
			p.Log.Warn("preview policy", zap.String("policy_type", string(pt)), zap.Error(err))
			continue
		}
		if pol != nil && pol.HeaderValue() != "" {
			headers = append(headers, pol.String())
		}
	}

	if att := policy.FromContext(r.Context()); att != nil {
		if err := att.RequestNonce("script"); err != nil {
			p.Log.Error("request script nonce", zap.Error(err))
		}
	}

	data := map[string]any{
		"ReportTotal": total,
		"ByDirective": byDirective,
		"Headers":     headers,
	}
	if err := p.Templates.Render(w, r, "dashboard.html", data); err != nil {
		p.Log.Error("render dashboard", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
