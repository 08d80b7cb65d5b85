package models

import (
	"testing"
	"time"
)

func TestCreateAndListReports(t *testing.T) {
	db := testDB(t)

	r1 := &Report{PolicyType: PolicyReportOnly, DocumentURI: "https://example.com/", BlockedURI: "inline", EffectiveDirective: "script-src-elem", LineNumber: 12}
	r2 := &Report{PolicyType: PolicyEnforce, DocumentURI: "https://example.com/a", BlockedURI: "https://evil.example", EffectiveDirective: "img-src"}
	for _, r := range []*Report{r1, r2} {
		if err := CreateReport(db, r); err != nil {
			t.Fatalf("create report: %v", err)
		}
		if r.ID == 0 {
			t.Error("expected report id to be set")
		}
		if r.ReceivedAt.IsZero() {
			t.Error("expected received_at to be set")
		}
	}

	reports, err := ListReports(db, 10, 0)
	if err != nil {
		t.Fatalf("list reports: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	// Same timestamp, so newest id first.
	if reports[0].ID != r2.ID {
		t.Errorf("expected newest report first, got id %d", reports[0].ID)
	}
	if reports[1].LineNumber != 12 || reports[1].PolicyType != PolicyReportOnly {
		t.Errorf("unexpected report %+v", reports[1])
	}

	page, err := ListReports(db, 1, 1)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || page[0].ID != r1.ID {
		t.Errorf("unexpected page %+v", page)
	}

	n, err := CountReports(db)
	if err != nil {
		t.Fatalf("count reports: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestCountReportsByDirective(t *testing.T) {
	db := testDB(t)

	for _, d := range []string{"img-src", "script-src", "img-src"} {
		if err := CreateReport(db, &Report{PolicyType: PolicyEnforce, EffectiveDirective: d}); err != nil {
			t.Fatalf("create report: %v", err)
		}
	}

	counts, err := CountReportsByDirective(db)
	if err != nil {
		t.Fatalf("count by directive: %v", err)
	}
	if len(counts) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(counts))
	}
	if counts[0].Directive != "img-src" || counts[0].Count != 2 {
		t.Errorf("unexpected first group %+v", counts[0])
	}
}

func TestDeleteReportsBefore(t *testing.T) {
	db := testDB(t)

	if err := CreateReport(db, &Report{PolicyType: PolicyEnforce, EffectiveDirective: "img-src"}); err != nil {
		t.Fatalf("create report: %v", err)
	}
	old := &Report{PolicyType: PolicyEnforce, EffectiveDirective: "script-src"}
	if err := CreateReport(db, old); err != nil {
		t.Fatalf("create report: %v", err)
	}
	if _, err := db.Exec(`UPDATE csp_reports SET received_at = datetime('now', '-100 days') WHERE id = ?`, old.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	deleted, err := DeleteReportsBefore(db, time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	n, _ := CountReports(db)
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestCreateReportsIsAtomic(t *testing.T) {
	db := testDB(t)

	batch := []*Report{
		{PolicyType: PolicyReportOnly, EffectiveDirective: "img-src"},
		{PolicyType: PolicyType("bogus"), EffectiveDirective: "script-src"},
	}
	if err := CreateReports(db, batch); err == nil {
		t.Fatal("expected error for invalid policy type")
	}

	n, err := CountReports(db)
	if err != nil {
		t.Fatalf("count reports: %v", err)
	}
	if n != 0 {
		t.Errorf("expected failed batch to store nothing, got %d reports", n)
	}

	batch = []*Report{
		{PolicyType: PolicyReportOnly, EffectiveDirective: "img-src"},
		{PolicyType: PolicyReportOnly, EffectiveDirective: "font-src"},
	}
	if err := CreateReports(db, batch); err != nil {
		t.Fatalf("create reports: %v", err)
	}
	if batch[0].ID == 0 || batch[1].ID <= batch[0].ID {
		t.Errorf("expected increasing ids, got %d and %d", batch[0].ID, batch[1].ID)
	}
	if n, _ := CountReports(db); n != 2 {
		t.Errorf("expected 2 reports, got %d", n)
	}
}
