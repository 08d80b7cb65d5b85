package models

import (
	"strings"
	"time"
)

// sqliteTimeFormat matches CURRENT_TIMESTAMP so stored times compare as text.
const sqliteTimeFormat = "2006-01-02 15:04:05"

// isUniqueViolation checks if a SQLite error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && (errContains(err, "UNIQUE constraint failed") || errContains(err, "constraint failed: UNIQUE"))
}

// errContains checks whether an error's message contains the given substring.
func errContains(err error, substr string) bool {
	return err != nil && strings.Contains(err.Error(), substr)
}

// sqliteTime formats t in UTC for comparison against DATETIME columns.
func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}
