package policy

import (
	"fmt"
	"sort"

	"github.com/carpenike/cspd/internal/csp"
	"github.com/carpenike/cspd/internal/models"
)

// ApplySettings adds the enabled directives of s to p. Source list
// directives are created even when they end up empty, so that later
// fallback-aware additions can tell the directive was enabled.
func ApplySettings(p *csp.Policy, s *models.PolicySettings) error {
	names := make([]string, 0, len(s.Directives))
	for name := range s.Directives {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d := s.Directives[name]
		if !d.Enabled {
			continue
		}
		if err := applyDirective(p, name, d); err != nil {
			return fmt.Errorf("policy: settings for %s: %w", name, err)
		}
	}
	return nil
}

func applyDirective(p *csp.Policy, name string, d models.DirectiveSettings) error {
	info, ok := csp.Lookup(name)
	if !ok {
		return csp.ErrInvalidDirective
	}

	switch info.Schema {
	case csp.SchemaBoolean:
		return p.SetDirective(name, csp.Bool(true))

	case csp.SchemaAllowBlock:
		if d.Value == "" {
			return nil
		}
		return p.SetDirective(name, csp.String("'"+d.Value+"'"))

	case csp.SchemaTrustedTypes:
		return p.AppendDirective(name, trustedTypes(d))

	case csp.SchemaSourceList, csp.SchemaAncestorSourceList:
		var base csp.List
		switch d.Base {
		case models.BaseSelf:
			base = csp.List{csp.Self}
		case models.BaseNone:
			base = csp.List{csp.None}
		case models.BaseAny:
			base = csp.List{csp.Any}
		default:
			base = csp.List{}
		}
		if err := p.AppendDirective(name, base); err != nil {
			return err
		}
		if len(d.Flags) > 0 {
			flags := make(csp.List, 0, len(d.Flags))
			for _, f := range d.Flags {
				flags = append(flags, "'"+f+"'")
			}
			if err := p.AppendDirective(name, flags); err != nil {
				return err
			}
		}
		if len(d.Sources) > 0 {
			return p.AppendDirective(name, csp.Sources(d.Sources...))
		}
		return nil

	default:
		return p.AppendDirective(name, csp.Sources(d.Tokens...))
	}
}

func trustedTypes(d models.DirectiveSettings) csp.List {
	out := csp.List{}
	switch d.Base {
	case models.BaseAny:
		out = append(out, csp.Any)
	case models.BaseNone:
		out = append(out, csp.None)
	}
	if d.TrustedTypes == nil {
		return out
	}
	if d.Base != models.BaseNone && d.TrustedTypes.AllowDuplicates {
		out = append(out, "'allow-duplicates'")
	}
	if d.Base == "" {
		out = append(out, d.TrustedTypes.PolicyNames...)
	}
	return out
}
