// Package policy builds the Content-Security-Policy headers of a response
// from stored settings, library sources, and per-response attachments.
package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/carpenike/cspd/internal/csp"
	"github.com/carpenike/cspd/internal/libraries"
	"github.com/carpenike/cspd/internal/models"
	"github.com/carpenike/cspd/internal/reporting"
)

// SettingsLoader returns the stored settings for a policy type. A nil
// result with a nil error means the policy type is not configured.
type SettingsLoader interface {
	PolicySettings(ctx context.Context, pt models.PolicyType) (*models.PolicySettings, error)
}

// LibrarySources supplies the hosts asset libraries load from.
type LibrarySources interface {
	Sources() libraries.Sources
}

// Recorder counts header outcomes.
type Recorder interface {
	HeaderEmitted(policyType string)
	HeaderBuildFailed(policyType string)
}

// DBSettings loads settings from the database.
type DBSettings struct {
	DB *sql.DB
}

// PolicySettings implements SettingsLoader.
func (s DBSettings) PolicySettings(_ context.Context, pt models.PolicyType) (*models.PolicySettings, error) {
	settings, err := models.GetPolicySettings(s.DB, pt)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return settings, err
}

// Builder assembles policies. Libraries and Metrics are optional.
type Builder struct {
	Settings  SettingsLoader
	Libraries LibrarySources
	Metrics   Recorder
	Log       *zap.Logger
}

// Build returns the policy of type pt for a response with att, or nil if
// that policy type is disabled. att may be nil.
func (b *Builder) Build(ctx context.Context, pt models.PolicyType, att *Attachments) (*csp.Policy, error) {
	settings, err := b.Settings.PolicySettings(ctx, pt)
	if err != nil {
		return nil, fmt.Errorf("policy: load %s settings: %w", pt, err)
	}
	if settings == nil || !settings.Enabled {
		return nil, nil
	}

	p := csp.New()
	p.SetReportOnly(pt.ReportOnly())

	if err := ApplySettings(p, settings); err != nil {
		return nil, err
	}
	if b.Libraries != nil {
		if err := applyLibraries(p, b.Libraries.Sources()); err != nil {
			return nil, err
		}
	}
	if att != nil {
		if err := att.applyDirectives(p); err != nil {
			return nil, fmt.Errorf("policy: attached directives: %w", err)
		}
	}
	b.applyReporting(p, pt, settings.Reporting)
	if att != nil {
		if err := att.applyNoncesAndHashes(p); err != nil {
			return nil, fmt.Errorf("policy: nonces and hashes: %w", err)
		}
	}
	return p, nil
}

// Apply builds both policy types and writes them to h. A disabled policy
// type, an empty policy, or a policy that fails to build has its header
// removed; a failure in one policy type does not affect the other.
func (b *Builder) Apply(ctx context.Context, h http.Header, att *Attachments) {
	for _, pt := range models.PolicyTypes {
		name := csp.HeaderEnforce
		if pt.ReportOnly() {
			name = csp.HeaderReportOnly
		}

		p, err := b.Build(ctx, pt, att)
		if err != nil {
			b.logger().Error("csp header build failed",
				zap.String("policy_type", string(pt)),
				zap.Error(err),
			)
			if b.Metrics != nil {
				b.Metrics.HeaderBuildFailed(string(pt))
			}
			h.Del(name)
			continue
		}
		if p == nil {
			h.Del(name)
			continue
		}

		value := p.HeaderValue()
		if value == "" {
			h.Del(name)
			continue
		}
		h.Set(name, value)
		if b.Metrics != nil {
			b.Metrics.HeaderEmitted(string(pt))
		}
	}
}

// applyReporting runs the configured reporting handler. Handler errors are
// logged and the policy is emitted without reporting.
func (b *Builder) applyReporting(p *csp.Policy, pt models.PolicyType, rs models.ReportingSettings) {
	if rs.Handler == "" {
		return
	}
	h, err := reporting.New(rs.Handler, reporting.Options(rs.Options))
	if err == nil {
		err = h.AlterPolicy(p)
	}
	if err != nil {
		b.logger().Error("csp reporting handler failed",
			zap.String("policy_type", string(pt)),
			zap.String("handler", rs.Handler),
			zap.Error(err),
		)
	}
}

func (b *Builder) logger() *zap.Logger {
	if b.Log == nil {
		return zap.NewNop()
	}
	return b.Log
}

func applyLibraries(p *csp.Policy, sources libraries.Sources) error {
	for _, name := range sources.Directives() {
		hosts := sources[name]
		if len(hosts) == 0 {
			continue
		}
		if err := p.FallbackAwareAppendIfEnabled(name, csp.Sources(hosts...)); err != nil {
			return fmt.Errorf("policy: library sources for %s: %w", name, err)
		}
	}
	return nil
}
