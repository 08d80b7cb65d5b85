package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carpenike/cspd/internal/models"
)

type recordedReport struct{ policyType, directive string }

type fakeReportRecorder struct{ got []recordedReport }

func (f *fakeReportRecorder) ReportReceived(pt, directive string) {
	f.got = append(f.got, recordedReport{pt, directive})
}

func reportRouter(h *Reports) http.Handler {
	r := chi.NewRouter()
	r.Post("/csp-report/{type}", h.Receive)
	r.Get("/admin/reports", h.List)
	return r
}

func postReport(t *testing.T, h http.Handler, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "test-agent/1.0")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

const legacyBody = `{"csp-report": {
	"document-uri": "https://example.com/page",
	"referrer": "",
	"blocked-uri": "https://evil.example/x.js",
	"violated-directive": "script-src-elem",
	"effective-directive": "script-src-elem",
	"original-policy": "script-src 'self'; report-uri /csp-report/enforce",
	"disposition": "enforce",
	"source-file": "https://example.com/page",
	"line-number": 12,
	"column-number": 4,
	"status-code": 200,
	"script-sample": ""
}}`

func TestReports_ReceiveLegacy(t *testing.T) {
	db := testDB(t)
	rec := &fakeReportRecorder{}
	h := reportRouter(&Reports{DB: db, Metrics: rec, Log: zap.NewNop()})

	rr := postReport(t, h, "/csp-report/enforce", "application/csp-report", legacyBody)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}

	reports, err := models.ListReports(db, 10, 0)
	if err != nil {
		t.Fatalf("list reports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	got := reports[0]
	if got.PolicyType != models.PolicyEnforce {
		t.Errorf("expected policy type enforce, got %q", got.PolicyType)
	}
	if got.BlockedURI != "https://evil.example/x.js" {
		t.Errorf("unexpected blocked uri %q", got.BlockedURI)
	}
	if got.LineNumber != 12 || got.ColumnNumber != 4 {
		t.Errorf("unexpected position %d:%d", got.LineNumber, got.ColumnNumber)
	}
	if got.UserAgent != "test-agent/1.0" {
		t.Errorf("expected user agent from header, got %q", got.UserAgent)
	}
	if len(rec.got) != 1 || rec.got[0] != (recordedReport{"enforce", "script-src-elem"}) {
		t.Errorf("unexpected recorded metrics %v", rec.got)
	}
}

func TestReports_ReceiveLegacyDerivesEffectiveDirective(t *testing.T) {
	db := testDB(t)
	h := reportRouter(&Reports{DB: db, Log: zap.NewNop()})

	body := `{"csp-report": {"document-uri": "https://example.com/", "violated-directive": "img-src 'self'"}}`
	rr := postReport(t, h, "/csp-report/report-only", "application/csp-report; charset=utf-8", body)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}

	reports, _ := models.ListReports(db, 10, 0)
	if len(reports) != 1 || reports[0].EffectiveDirective != "img-src" {
		t.Fatalf("expected effective directive img-src, got %+v", reports)
	}
}

func TestReports_ReceiveReportingAPI(t *testing.T) {
	db := testDB(t)
	rec := &fakeReportRecorder{}
	h := reportRouter(&Reports{DB: db, Metrics: rec, Log: zap.NewNop()})

	body := `[
		{"type": "csp-violation", "age": 10, "url": "https://example.com/a", "user_agent": "browser/2.0",
		 "body": {"documentURL": "https://example.com/a", "blockedURL": "inline", "effectiveDirective": "style-src-elem",
		          "originalPolicy": "style-src 'self'", "disposition": "report", "statusCode": 200, "lineNumber": 3, "sample": "body{}"}},
		{"type": "deprecation", "url": "https://example.com/a", "body": {"id": "x"}}
	]`
	rr := postReport(t, h, "/csp-report/report-only", "application/reports+json", body)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}

	reports, _ := models.ListReports(db, 10, 0)
	if len(reports) != 1 {
		t.Fatalf("expected 1 stored report, got %d", len(reports))
	}
	got := reports[0]
	if got.EffectiveDirective != "style-src-elem" || got.BlockedURI != "inline" || got.ScriptSample != "body{}" {
		t.Errorf("unexpected report %+v", got)
	}
	if got.UserAgent != "browser/2.0" {
		t.Errorf("expected user agent from report body, got %q", got.UserAgent)
	}
	if len(rec.got) != 1 || rec.got[0].policyType != "report-only" {
		t.Errorf("unexpected recorded metrics %v", rec.got)
	}
}

const reportingBatchBody = `[
	{"type": "csp-violation", "url": "https://example.com/a",
	 "body": {"documentURL": "https://example.com/a", "blockedURL": "https://evil.example/a.js", "effectiveDirective": "script-src-elem"}},
	{"type": "csp-violation", "url": "https://example.com/b",
	 "body": {"documentURL": "https://example.com/b", "blockedURL": "data:", "effectiveDirective": "img-src"}}
]`

func TestReports_ReceiveReportingAPIBatch(t *testing.T) {
	db := testDB(t)
	rec := &fakeReportRecorder{}
	h := reportRouter(&Reports{DB: db, Metrics: rec, Log: zap.NewNop()})

	rr := postReport(t, h, "/csp-report/enforce", "application/reports+json", reportingBatchBody)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}

	n, err := models.CountReports(db)
	if err != nil {
		t.Fatalf("count reports: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 stored reports, got %d", n)
	}
	if len(rec.got) != 2 {
		t.Errorf("expected 2 recorded metrics, got %v", rec.got)
	}
}

func TestReports_ReceiveBatchStoreFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO csp_reports").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT received_at FROM csp_reports").
		WillReturnRows(sqlmock.NewRows([]string{"received_at"}).AddRow(time.Now()))
	mock.ExpectExec("INSERT INTO csp_reports").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	rec := &fakeReportRecorder{}
	h := reportRouter(&Reports{DB: db, Metrics: rec, Log: zap.NewNop()})

	rr := postReport(t, h, "/csp-report/enforce", "application/reports+json", reportingBatchBody)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if len(rec.got) != 0 {
		t.Errorf("expected no metrics for a failed batch, got %v", rec.got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expected batch to be rolled back: %v", err)
	}
}

func TestReports_ReceiveErrors(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		contentType string
		body        string
		maxBytes    int64
		want        int
	}{
		{"unknown policy type", "/csp-report/audit", "application/csp-report", legacyBody, 0, http.StatusNotFound},
		{"unsupported media type", "/csp-report/enforce", "text/plain", legacyBody, 0, http.StatusUnsupportedMediaType},
		{"malformed json", "/csp-report/enforce", "application/csp-report", `{"csp-report":`, 0, http.StatusBadRequest},
		{"missing envelope", "/csp-report/enforce", "application/csp-report", `{"report": {}}`, 0, http.StatusBadRequest},
		{"reporting api object not array", "/csp-report/enforce", "application/reports+json", `{"type":"csp-violation"}`, 0, http.StatusBadRequest},
		{"too large", "/csp-report/enforce", "application/csp-report", legacyBody, 32, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testDB(t)
			h := reportRouter(&Reports{DB: db, Log: zap.NewNop(), MaxBytes: tt.maxBytes})

			rr := postReport(t, h, tt.path, tt.contentType, tt.body)
			if rr.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rr.Code)
			}
			if n, _ := models.CountReports(db); n != 0 {
				t.Errorf("expected no stored reports, got %d", n)
			}
		})
	}
}

func TestReports_List(t *testing.T) {
	db := testDB(t)
	for _, d := range []string{"img-src", "script-src-elem", "script-src-elem"} {
		if err := models.CreateReport(db, &models.Report{PolicyType: models.PolicyEnforce, EffectiveDirective: d}); err != nil {
			t.Fatalf("create report: %v", err)
		}
	}
	h := reportRouter(&Reports{DB: db, Log: zap.NewNop()})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/admin/reports?limit=2", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var got reportList
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Total != 3 || got.Limit != 2 || len(got.Reports) != 2 {
		t.Errorf("unexpected page: total=%d limit=%d reports=%d", got.Total, got.Limit, len(got.Reports))
	}
	if len(got.ByDirective) != 2 || got.ByDirective[0] != (models.DirectiveCount{Directive: "script-src-elem", Count: 2}) {
		t.Errorf("unexpected directive counts %+v", got.ByDirective)
	}
}

func TestReports_ListEmpty(t *testing.T) {
	h := reportRouter(&Reports{DB: testDB(t), Log: zap.NewNop()})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/admin/reports", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := readBody(t, rr)
	if !strings.Contains(body, `"reports":[]`) || !strings.Contains(body, `"by_directive":[]`) {
		t.Errorf("expected empty arrays, got %s", body)
	}
}

func TestReports_ListInvalidPaging(t *testing.T) {
	h := reportRouter(&Reports{DB: testDB(t), Log: zap.NewNop()})

	for _, q := range []string{"limit=0", "limit=abc", "offset=-1"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest("GET", "/admin/reports?"+q, nil))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rr.Code)
		}
	}
}
