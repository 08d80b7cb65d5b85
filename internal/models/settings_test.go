package models

import (
	"errors"
	"reflect"
	"testing"

	"github.com/carpenike/cspd/internal/database"
)

func TestParsePolicyType(t *testing.T) {
	for _, s := range []string{"enforce", "report-only"} {
		pt, err := ParsePolicyType(s)
		if err != nil {
			t.Errorf("parse %q: %v", s, err)
		}
		if string(pt) != s {
			t.Errorf("expected %q, got %q", s, pt)
		}
	}
	if _, err := ParsePolicyType("reportOnly"); err == nil {
		t.Error("expected error for unknown policy type")
	}
	if !PolicyReportOnly.ReportOnly() || PolicyEnforce.ReportOnly() {
		t.Error("unexpected ReportOnly result")
	}
}

func TestKeywordOptions(t *testing.T) {
	got := KeywordOptions("script-src-attr")
	want := []string{"report-sample", "unsafe-hashes", "unsafe-inline"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if got := KeywordOptions("img-src"); len(got) != 0 {
		t.Errorf("expected no keywords for img-src, got %v", got)
	}
}

func TestPolicySettingsValidate(t *testing.T) {
	valid := func() *PolicySettings {
		return &PolicySettings{
			Enabled: true,
			Directives: map[string]DirectiveSettings{
				"script-src": {
					Enabled: true,
					Base:    BaseSelf,
					Flags:   []string{"unsafe-inline"},
					Sources: []string{"https://cdn.example.com", "'sha256-BnZSlC9IkS7BVcseRf0CAOmLntfifZIosT2C1OMQ088='"},
				},
				"webrtc":                    {Enabled: true, Value: "block"},
				"upgrade-insecure-requests": {Enabled: true},
				"sandbox":                   {Enabled: true, Tokens: []string{"allow-forms"}},
				"trusted-types":             {Enabled: true, TrustedTypes: &TrustedTypesSettings{PolicyNames: []string{"default"}}},
			},
			Reporting: ReportingSettings{Handler: "none"},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("expected valid settings, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(s *PolicySettings)
	}{
		{"unknown directive", func(s *PolicySettings) {
			s.Directives["script"] = DirectiveSettings{Enabled: true}
		}},
		{"reporting directive", func(s *PolicySettings) {
			s.Directives["report-uri"] = DirectiveSettings{Enabled: true, Tokens: []string{"/r"}}
		}},
		{"bad base", func(s *PolicySettings) {
			s.Directives["img-src"] = DirectiveSettings{Enabled: true, Base: "all"}
		}},
		{"flag not allowed", func(s *PolicySettings) {
			s.Directives["img-src"] = DirectiveSettings{Enabled: true, Flags: []string{"unsafe-eval"}}
		}},
		{"bad source", func(s *PolicySettings) {
			s.Directives["img-src"] = DirectiveSettings{Enabled: true, Sources: []string{"not a host"}}
		}},
		{"hash on img-src", func(s *PolicySettings) {
			s.Directives["img-src"] = DirectiveSettings{Enabled: true, Sources: []string{"'sha256-abc='"}}
		}},
		{"nonce source", func(s *PolicySettings) {
			s.Directives["script-src"] = DirectiveSettings{Enabled: true, Sources: []string{"'nonce-abc'"}}
		}},
		{"bad webrtc", func(s *PolicySettings) {
			s.Directives["webrtc"] = DirectiveSettings{Enabled: true, Value: "maybe"}
		}},
		{"trusted types self", func(s *PolicySettings) {
			s.Directives["trusted-types"] = DirectiveSettings{Enabled: true, Base: BaseSelf}
		}},
		{"bad token", func(s *PolicySettings) {
			s.Directives["sandbox"] = DirectiveSettings{Enabled: true, Tokens: []string{"allow-forms allow-popups"}}
		}},
		{"missing handler", func(s *PolicySettings) {
			s.Reporting.Handler = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			if err := s.Validate(); !errors.Is(err, ErrInvalidSettings) {
				t.Errorf("expected ErrInvalidSettings, got %v", err)
			}
		})
	}
}

func TestPolicySettingsRoundTrip(t *testing.T) {
	db := testDB(t)

	if _, err := GetPolicySettings(db, PolicyEnforce); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound before save, got %v", err)
	}

	in := &PolicySettings{
		Enabled: true,
		Directives: map[string]DirectiveSettings{
			"default-src": {Enabled: true, Base: BaseSelf},
			"img-src":     {Enabled: true, Base: BaseSelf, Sources: []string{"data:"}},
		},
		Reporting: ReportingSettings{Handler: "uri", Options: map[string]string{"uri": "https://r.example.com/"}},
	}
	if err := SavePolicySettings(db, PolicyEnforce, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := GetPolicySettings(db, PolicyEnforce)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("expected %+v, got %+v", in, out)
	}

	in.Enabled = false
	if err := SavePolicySettings(db, PolicyEnforce, in); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	out, _ = GetPolicySettings(db, PolicyEnforce)
	if out.Enabled {
		t.Error("expected overwritten settings to be disabled")
	}
}

func TestSavePolicySettingsRejectsInvalid(t *testing.T) {
	db := testDB(t)

	bad := &PolicySettings{
		Directives: map[string]DirectiveSettings{"bogus-src": {Enabled: true}},
		Reporting:  ReportingSettings{Handler: "none"},
	}
	if err := SavePolicySettings(db, PolicyEnforce, bad); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings, got %v", err)
	}
	if _, err := GetPolicySettings(db, PolicyEnforce); err != ErrNotFound {
		t.Errorf("expected nothing stored, got %v", err)
	}
}

func TestDefaultPolicySettings(t *testing.T) {
	ro, err := DefaultPolicySettings(PolicyReportOnly)
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if !ro.Enabled {
		t.Error("expected report-only enabled by default")
	}
	if ro.Directives["default-src"].Base != BaseSelf {
		t.Errorf("expected default-src self, got %+v", ro.Directives["default-src"])
	}
	if ro.Reporting.Handler != "sitelog" {
		t.Errorf("expected sitelog reporting, got %q", ro.Reporting.Handler)
	}
	if err := ro.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}

	enf, err := DefaultPolicySettings(PolicyEnforce)
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if enf.Enabled {
		t.Error("expected enforce disabled by default")
	}
}

func TestSeededSettingsLoad(t *testing.T) {
	db := testDB(t)
	if err := database.SeedSettings(db); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, pt := range PolicyTypes {
		if _, err := GetPolicySettings(db, pt); err != nil {
			t.Errorf("get %s: %v", pt, err)
		}
	}
}
