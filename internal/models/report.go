package models

import (
	"database/sql"
	"fmt"
	"time"
)

// Report is one violation report sent by a browser.
type Report struct {
	ID                 int64      `json:"id"`
	PolicyType         PolicyType `json:"policy_type"`
	DocumentURI        string     `json:"document_uri"`
	Referrer           string     `json:"referrer"`
	BlockedURI         string     `json:"blocked_uri"`
	ViolatedDirective  string     `json:"violated_directive"`
	EffectiveDirective string     `json:"effective_directive"`
	OriginalPolicy     string     `json:"original_policy"`
	Disposition        string     `json:"disposition"`
	SourceFile         string     `json:"source_file"`
	LineNumber         int        `json:"line_number"`
	ColumnNumber       int        `json:"column_number"`
	StatusCode         int        `json:"status_code"`
	ScriptSample       string     `json:"script_sample"`
	UserAgent          string     `json:"user_agent"`
	ReceivedAt         time.Time  `json:"received_at"`
}

// DirectiveCount is the number of reports for one effective directive.
type DirectiveCount struct {
	Directive string `json:"directive"`
	Count     int    `json:"count"`
}

const reportColumns = `id, policy_type, document_uri, referrer, blocked_uri, violated_directive,
	effective_directive, original_policy, disposition, source_file, line_number,
	column_number, status_code, script_sample, user_agent, received_at`

// CreateReport stores r and sets its ID and ReceivedAt.
func CreateReport(db *sql.DB, r *Report) error {
	return CreateReports(db, []*Report{r})
}

// CreateReports stores a batch of reports in one transaction, setting each
// ID and ReceivedAt. Either every report is stored or none is.
func CreateReports(db *sql.DB, reports []*Report) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("models: begin reports tx: %w", err)
	}
	defer tx.Rollback()

	for _, r := range reports {
		if err := insertReport(tx, r); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("models: commit reports: %w", err)
	}
	return nil
}

func insertReport(tx *sql.Tx, r *Report) error {
	result, err := tx.Exec(
		`INSERT INTO csp_reports (policy_type, document_uri, referrer, blocked_uri,
			violated_directive, effective_directive, original_policy, disposition,
			source_file, line_number, column_number, status_code, script_sample, user_agent)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.PolicyType), r.DocumentURI, r.Referrer, r.BlockedURI,
		r.ViolatedDirective, r.EffectiveDirective, r.OriginalPolicy, r.Disposition,
		r.SourceFile, r.LineNumber, r.ColumnNumber, r.StatusCode, r.ScriptSample, r.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("models: create report: %w", err)
	}

	r.ID, _ = result.LastInsertId()
	if err := tx.QueryRow(`SELECT received_at FROM csp_reports WHERE id = ?`, r.ID).Scan(&r.ReceivedAt); err != nil {
		return fmt.Errorf("models: read back report %d: %w", r.ID, err)
	}
	return nil
}

// ListReports returns reports newest first.
func ListReports(db *sql.DB, limit, offset int) ([]*Report, error) {
	rows, err := db.Query(
		`SELECT `+reportColumns+` FROM csp_reports
		 ORDER BY received_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("models: list reports: %w", err)
	}
	defer rows.Close()

	var reports []*Report
	for rows.Next() {
		r := &Report{}
		var policyType string
		if err := rows.Scan(
			&r.ID, &policyType, &r.DocumentURI, &r.Referrer, &r.BlockedURI, &r.ViolatedDirective,
			&r.EffectiveDirective, &r.OriginalPolicy, &r.Disposition, &r.SourceFile, &r.LineNumber,
			&r.ColumnNumber, &r.StatusCode, &r.ScriptSample, &r.UserAgent, &r.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("models: scan report: %w", err)
		}
		r.PolicyType = PolicyType(policyType)
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// CountReports returns the total number of stored reports.
func CountReports(db *sql.DB) (int, error) {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM csp_reports`).Scan(&count); err != nil {
		return 0, fmt.Errorf("models: count reports: %w", err)
	}
	return count, nil
}

// CountReportsByDirective groups reports by effective directive, most
// frequent first.
func CountReportsByDirective(db *sql.DB) ([]DirectiveCount, error) {
	rows, err := db.Query(
		`SELECT effective_directive, COUNT(*) AS n FROM csp_reports
		 GROUP BY effective_directive ORDER BY n DESC, effective_directive`,
	)
	if err != nil {
		return nil, fmt.Errorf("models: count reports by directive: %w", err)
	}
	defer rows.Close()

	var out []DirectiveCount
	for rows.Next() {
		var dc DirectiveCount
		if err := rows.Scan(&dc.Directive, &dc.Count); err != nil {
			return nil, fmt.Errorf("models: scan directive count: %w", err)
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

// DeleteReportsBefore removes reports received before cutoff and returns how
// many were deleted.
func DeleteReportsBefore(db *sql.DB, cutoff time.Time) (int64, error) {
	result, err := db.Exec(`DELETE FROM csp_reports WHERE received_at < ?`, sqliteTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("models: delete reports before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
