package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carpenike/cspd/internal/models"
)

// Media types browsers send violation reports with.
const (
	mediaCSPReport   = "application/csp-report"
	mediaReportsJSON = "application/reports+json"
)

// DefaultMaxReportBytes bounds the size of a report request body.
const DefaultMaxReportBytes = 64 << 10

// ReportRecorder counts stored reports.
type ReportRecorder interface {
	ReportReceived(policyType, directive string)
}

// Reports receives violation reports from browsers and lists them for
// administrators.
type Reports struct {
	DB       *sql.DB
	Metrics  ReportRecorder
	Log      *zap.Logger
	MaxBytes int64
}

// legacyReport is the body of an application/csp-report request.
type legacyReport struct {
	DocumentURI        string `json:"document-uri"`
	Referrer           string `json:"referrer"`
	BlockedURI         string `json:"blocked-uri"`
	ViolatedDirective  string `json:"violated-directive"`
	EffectiveDirective string `json:"effective-directive"`
	OriginalPolicy     string `json:"original-policy"`
	Disposition        string `json:"disposition"`
	SourceFile         string `json:"source-file"`
	LineNumber         int    `json:"line-number"`
	ColumnNumber       int    `json:"column-number"`
	StatusCode         int    `json:"status-code"`
	ScriptSample       string `json:"script-sample"`
}

// reportingAPIReport is one entry of an application/reports+json request.
type reportingAPIReport struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	UserAgent string `json:"user_agent"`
	Body      struct {
		DocumentURL        string `json:"documentURL"`
		Referrer           string `json:"referrer"`
		BlockedURL         string `json:"blockedURL"`
		EffectiveDirective string `json:"effectiveDirective"`
		OriginalPolicy     string `json:"originalPolicy"`
		SourceFile         string `json:"sourceFile"`
		Sample             string `json:"sample"`
		Disposition        string `json:"disposition"`
		StatusCode         int    `json:"statusCode"`
		LineNumber         int    `json:"lineNumber"`
		ColumnNumber       int    `json:"columnNumber"`
	} `json:"body"`
}

// Receive handles POST /csp-report/{type}. It stores every CSP violation in
// the body and answers 204.
func (h *Reports) Receive(w http.ResponseWriter, r *http.Request) {
	pt, err := models.ParsePolicyType(chi.URLParam(r, "type"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	maxBytes := h.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxReportBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var reports []*models.Report
	switch mediaType {
	case mediaCSPReport, "application/json":
		reports, err = decodeLegacyReport(r)
	case mediaReportsJSON:
		reports, err = decodeReportingAPI(r)
	default:
		http.Error(w, "Unsupported media type", http.StatusUnsupportedMediaType)
		return
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Report too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.Log.Debug("malformed csp report", zap.String("policy_type", string(pt)), zap.Error(err))
		http.Error(w, "Malformed report", http.StatusBadRequest)
		return
	}

	for _, rep := range reports {
		rep.PolicyType = pt
		if rep.UserAgent == "" {
			rep.UserAgent = r.UserAgent()
		}
	}
	if err := models.CreateReports(h.DB, reports); err != nil {
		h.Log.Error("store csp reports",
			zap.String("policy_type", string(pt)),
			zap.Int("count", len(reports)),
			zap.Error(err),
		)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if h.Metrics != nil {
		for _, rep := range reports {
			h.Metrics.ReportReceived(string(pt), rep.EffectiveDirective)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeLegacyReport(r *http.Request) ([]*models.Report, error) {
	var envelope struct {
		Report *legacyReport `json:"csp-report"`
	}
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		return nil, err
	}
	if envelope.Report == nil {
		return nil, errors.New("missing csp-report object")
	}
	lr := envelope.Report
	return []*models.Report{{
		DocumentURI:        lr.DocumentURI,
		Referrer:           lr.Referrer,
		BlockedURI:         lr.BlockedURI,
		ViolatedDirective:  lr.ViolatedDirective,
		EffectiveDirective: effectiveDirective(lr.EffectiveDirective, lr.ViolatedDirective),
		OriginalPolicy:     lr.OriginalPolicy,
		Disposition:        lr.Disposition,
		SourceFile:         lr.SourceFile,
		LineNumber:         lr.LineNumber,
		ColumnNumber:       lr.ColumnNumber,
		StatusCode:         lr.StatusCode,
		ScriptSample:       lr.ScriptSample,
	}}, nil
}

func decodeReportingAPI(r *http.Request) ([]*models.Report, error) {
	var entries []reportingAPIReport
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		return nil, err
	}
	var out []*models.Report
	for _, e := range entries {
		if e.Type != "csp-violation" {
			continue
		}
		b := e.Body
		doc := b.DocumentURL
		if doc == "" {
			doc = e.URL
		}
		out = append(out, &models.Report{
			DocumentURI:        doc,
			Referrer:           b.Referrer,
			BlockedURI:         b.BlockedURL,
			ViolatedDirective:  b.EffectiveDirective,
			EffectiveDirective: b.EffectiveDirective,
			OriginalPolicy:     b.OriginalPolicy,
			Disposition:        b.Disposition,
			SourceFile:         b.SourceFile,
			LineNumber:         b.LineNumber,
			ColumnNumber:       b.ColumnNumber,
			StatusCode:         b.StatusCode,
			ScriptSample:       b.Sample,
			UserAgent:          e.UserAgent,
		})
	}
	return out, nil
}

// effectiveDirective falls back to the directive name of violated, which
// older browsers send with its value attached.
func effectiveDirective(effective, violated string) string {
	if effective != "" {
		return effective
	}
	name, _, _ := strings.Cut(strings.TrimSpace(violated), " ")
	return name
}

// reportList is the GET /admin/reports response.
type reportList struct {
	Total       int                     `json:"total"`
	Limit       int                     `json:"limit"`
	Offset      int                     `json:"offset"`
	ByDirective []models.DirectiveCount `json:"by_directive"`
	Reports     []*models.Report        `json:"reports"`
}

// List handles GET /admin/reports?limit=&offset=. limit defaults to 50 and
// is capped at 500.
func (h *Reports) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	limit = min(limit, 500)
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	total, err := models.CountReports(h.DB)
	if err != nil {
		h.Log.Error("count reports", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	byDirective, err := models.CountReportsByDirective(h.DB)
	if err != nil {
		h.Log.Error("count reports by directive", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	reports, err := models.ListReports(h.DB, limit, offset)
	if err != nil {
		h.Log.Error("list reports", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if byDirective == nil {
		byDirective = []models.DirectiveCount{}
	}
	if reports == nil {
		reports = []*models.Report{}
	}
	if err := writeJSON(w, http.StatusOK, reportList{
		Total:       total,
		Limit:       limit,
		Offset:      offset,
		ByDirective: byDirective,
		Reports:     reports,
	}); err != nil {
		h.Log.Error("encode reports", zap.Error(err))
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
