package database

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
)

//go:embed seed-settings.json
var seedSettings []byte

// DefaultSettings returns the embedded default policy settings, a JSON object
// keyed by policy type.
func DefaultSettings() []byte {
	return seedSettings
}

// SeedSettings stores the default settings for every policy type that has no
// saved settings yet. Existing rows are left alone.
func SeedSettings(db *sql.DB) error {
	var docs map[string]json.RawMessage
	if err := json.Unmarshal(seedSettings, &docs); err != nil {
		return fmt.Errorf("database: parse seed settings: %w", err)
	}

	for policyType, doc := range docs {
		if _, err := db.Exec(
			`INSERT OR IGNORE INTO csp_settings (policy_type, settings) VALUES (?, ?)`,
			policyType, string(doc),
		); err != nil {
			return fmt.Errorf("database: seed %s settings: %w", policyType, err)
		}
	}
	return nil
}
