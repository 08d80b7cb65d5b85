package models

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/carpenike/cspd/internal/csp"
	"github.com/carpenike/cspd/internal/database"
)

// PolicyType selects one of the two headers a response can carry.
type PolicyType string

const (
	PolicyReportOnly PolicyType = "report-only"
	PolicyEnforce    PolicyType = "enforce"
)

// PolicyTypes lists the policy types in the order headers are built.
var PolicyTypes = []PolicyType{PolicyReportOnly, PolicyEnforce}

// ErrInvalidSettings is returned when settings fail validation.
var ErrInvalidSettings = errors.New("invalid settings")

// ParsePolicyType converts a URL or config value into a PolicyType.
func ParsePolicyType(s string) (PolicyType, error) {
	switch PolicyType(s) {
	case PolicyReportOnly, PolicyEnforce:
		return PolicyType(s), nil
	}
	return "", fmt.Errorf("models: unknown policy type %q", s)
}

// ReportOnly reports whether the type selects the report-only header.
func (t PolicyType) ReportOnly() bool { return t == PolicyReportOnly }

// Base values for source list and trusted-types directives.
const (
	BaseSelf = "self"
	BaseNone = "none"
	BaseAny  = "any"
)

// DirectiveSettings configures one directive. Which fields apply depends on
// the directive's schema:
//
//   - boolean directives only use Enabled
//   - webrtc uses Value ("allow" or "block")
//   - source lists use Base, Flags and Sources
//   - token lists use Tokens
//   - trusted-types uses Base ("any", "none" or "") and TrustedTypes
type DirectiveSettings struct {
	Enabled      bool                  `json:"enabled"`
	Base         string                `json:"base,omitempty"`
	Flags        []string              `json:"flags,omitempty"`
	Sources      []string              `json:"sources,omitempty"`
	Value        string                `json:"value,omitempty"`
	Tokens       []string              `json:"tokens,omitempty"`
	TrustedTypes *TrustedTypesSettings `json:"trusted_types,omitempty"`
}

// TrustedTypesSettings holds the policy names for the trusted-types directive.
type TrustedTypesSettings struct {
	AllowDuplicates bool     `json:"allow_duplicates"`
	PolicyNames     []string `json:"policy_names,omitempty"`
}

// ReportingSettings names the reporting handler and its options.
type ReportingSettings struct {
	Handler string            `json:"handler"`
	Options map[string]string `json:"options,omitempty"`
}

// PolicySettings is the stored configuration for one policy type.
type PolicySettings struct {
	Enabled    bool                         `json:"enabled"`
	Directives map[string]DirectiveSettings `json:"directives"`
	Reporting  ReportingSettings            `json:"reporting"`
}

// keywordDirectives maps each configurable keyword flag to the directives it
// is meaningful for.
var keywordDirectives = map[string][]string{
	"report-sample":            {csp.DefaultSrc, csp.ScriptSrc, csp.ScriptSrcAttr, csp.ScriptSrcElem, csp.StyleSrc, csp.StyleSrcAttr, csp.StyleSrcElem},
	"inline-speculation-rules": {csp.DefaultSrc, csp.ScriptSrc},
	"unsafe-hashes":            {csp.DefaultSrc, csp.ScriptSrc, csp.ScriptSrcAttr, csp.StyleSrc, csp.StyleSrcAttr},
	"unsafe-inline":            {csp.DefaultSrc, csp.ScriptSrc, csp.ScriptSrcAttr, csp.ScriptSrcElem, csp.StyleSrc, csp.StyleSrcAttr, csp.StyleSrcElem},
	"unsafe-eval":              {csp.DefaultSrc, csp.ScriptSrc},
	"wasm-unsafe-eval":         {csp.DefaultSrc, csp.ScriptSrc},
	"unsafe-allow-redirects":   {csp.NavigateTo},
}

// unconfigurable directives are set by reporting handlers or have been
// removed from the CSP standard.
var unconfigurable = map[string]bool{
	csp.ReportURI:     true,
	csp.ReportTo:      true,
	csp.NavigateTo:    true,
	csp.PluginTypes:   true,
	csp.RequireSRIFor: true,
}

// KeywordOptions returns the flags accepted for directive, sorted.
func KeywordOptions(directive string) []string {
	var out []string
	for kw, dirs := range keywordDirectives {
		if slices.Contains(dirs, directive) {
			out = append(out, kw)
		}
	}
	slices.Sort(out)
	return out
}

// IsConfigurable reports whether directive may appear in settings.
func IsConfigurable(directive string) bool {
	return csp.IsValidDirective(directive) && !unconfigurable[directive]
}

// allowsHashes reports whether hash sources may be configured on directive.
func allowsHashes(directive string) bool {
	return directive == csp.DefaultSrc ||
		strings.HasPrefix(directive, "script-src") ||
		strings.HasPrefix(directive, "style-src")
}

// Validate checks every directive against the registry and its schema.
func (s *PolicySettings) Validate() error {
	for name, d := range s.Directives {
		if err := validateDirective(name, d); err != nil {
			return err
		}
	}
	if s.Reporting.Handler == "" {
		return fmt.Errorf("models: reporting handler is required: %w", ErrInvalidSettings)
	}
	return nil
}

func validateDirective(name string, d DirectiveSettings) error {
	info, ok := csp.Lookup(name)
	if !ok || unconfigurable[name] {
		return fmt.Errorf("models: directive %q is not configurable: %w", name, ErrInvalidSettings)
	}
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("models: %s: %s: %w", name, fmt.Sprintf(format, args...), ErrInvalidSettings)
	}

	switch info.Schema {
	case csp.SchemaSourceList, csp.SchemaAncestorSourceList:
		switch d.Base {
		case "", BaseSelf, BaseNone, BaseAny:
		default:
			return invalid("unknown base %q", d.Base)
		}
		allowed := KeywordOptions(name)
		for _, f := range d.Flags {
			if !slices.Contains(allowed, f) {
				return invalid("flag %q is not allowed", f)
			}
		}
		for _, src := range d.Sources {
			if err := csp.ValidateSource(src, false, allowsHashes(name)); err != nil {
				return invalid("%v", err)
			}
		}

	case csp.SchemaAllowBlock:
		if d.Value != "" && d.Value != "allow" && d.Value != "block" {
			return invalid("value must be allow or block")
		}

	case csp.SchemaTrustedTypes:
		switch d.Base {
		case "", BaseNone, BaseAny:
		default:
			return invalid("unknown base %q", d.Base)
		}
		if d.TrustedTypes != nil {
			for _, n := range d.TrustedTypes.PolicyNames {
				if n == "" || strings.ContainsAny(n, " \t\n'") {
					return invalid("invalid policy name %q", n)
				}
			}
		}

	case csp.SchemaBoolean:

	default:
		for _, tok := range d.Tokens {
			if tok == "" || strings.ContainsAny(tok, " \t\n;,") {
				return invalid("invalid token %q", tok)
			}
		}
	}
	return nil
}

// GetPolicySettings loads the settings for policyType. Returns ErrNotFound if
// none are stored.
func GetPolicySettings(db *sql.DB, policyType PolicyType) (*PolicySettings, error) {
	var raw string
	err := db.QueryRow(
		`SELECT settings FROM csp_settings WHERE policy_type = ?`, string(policyType),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("models: get %s settings: %w", policyType, err)
	}

	s := &PolicySettings{}
	if err := json.Unmarshal([]byte(raw), s); err != nil {
		return nil, fmt.Errorf("models: decode %s settings: %w", policyType, err)
	}
	if s.Directives == nil {
		s.Directives = map[string]DirectiveSettings{}
	}
	return s, nil
}

// SavePolicySettings validates and stores the settings for policyType,
// replacing any previous value.
func SavePolicySettings(db *sql.DB, policyType PolicyType, s *PolicySettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("models: encode %s settings: %w", policyType, err)
	}
	_, err = db.Exec(
		`INSERT INTO csp_settings (policy_type, settings) VALUES (?, ?)
		 ON CONFLICT(policy_type) DO UPDATE SET settings = excluded.settings, updated_at = CURRENT_TIMESTAMP`,
		string(policyType), string(raw),
	)
	if err != nil {
		return fmt.Errorf("models: save %s settings: %w", policyType, err)
	}
	return nil
}

// DefaultPolicySettings returns the settings a fresh install starts with.
func DefaultPolicySettings(policyType PolicyType) (*PolicySettings, error) {
	var docs map[PolicyType]*PolicySettings
	if err := json.Unmarshal(database.DefaultSettings(), &docs); err != nil {
		return nil, fmt.Errorf("models: decode default settings: %w", err)
	}
	s, ok := docs[policyType]
	if !ok {
		return nil, fmt.Errorf("models: no default settings for %q", policyType)
	}
	return s, nil
}
