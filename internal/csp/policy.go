// Package csp models a Content Security Policy and renders it to the
// Content-Security-Policy header grammar.
//
// A Policy is a per-response value: build one, mutate it, read its header
// name and value, then discard it. Policies are not safe for concurrent use.
package csp

import (
	"errors"
	"fmt"
	"strings"
)

// Header names.
const (
	HeaderEnforce    = "Content-Security-Policy"
	HeaderReportOnly = "Content-Security-Policy-Report-Only"
)

var (
	// ErrInvalidDirective is returned for a directive name not in the registry.
	ErrInvalidDirective = errors.New("invalid directive")

	// ErrInvalidDirectiveValue is returned when a value does not fit the
	// directive's kind.
	ErrInvalidDirectiveValue = errors.New("invalid directive value")

	// ErrInvalidArgument is returned for unsupported helper arguments, such
	// as an unknown hash algorithm.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Policy holds the directives of one CSP header.
type Policy struct {
	reportOnly bool
	directives map[string]Value
}

// New returns an empty enforcing policy.
func New() *Policy {
	return &Policy{directives: make(map[string]Value)}
}

// SetReportOnly selects the report-only header when true.
func (p *Policy) SetReportOnly(reportOnly bool) {
	p.reportOnly = reportOnly
}

// IsReportOnly reports whether the policy is report-only.
func (p *Policy) IsReportOnly() bool {
	return p.reportOnly
}

// HeaderName returns the header the policy is sent in.
func (p *Policy) HeaderName() string {
	if p.reportOnly {
		return HeaderReportOnly
	}
	return HeaderEnforce
}

// HasDirective reports whether name has a value, even an empty one.
// Unknown names are never present.
func (p *Policy) HasDirective(name string) bool {
	_, ok := p.directives[name]
	return ok
}

// GetDirective returns the value of name. An absent directive reads as the
// zero value of its kind; an unknown name reads as nil.
func (p *Policy) GetDirective(name string) Value {
	d, ok := Lookup(name)
	if !ok {
		return nil
	}
	v, ok := p.directives[name]
	if !ok {
		return zeroValue(d.Kind())
	}
	return cloneValue(v)
}

// SetDirective replaces the value of name.
//
// A String given to a list directive is split on whitespace.
func (p *Policy) SetDirective(name string, value Value) error {
	d, err := lookup(name)
	if err != nil {
		return err
	}
	v, err := coerce(d, value)
	if err != nil {
		return err
	}
	p.directives[name] = v
	return nil
}

// AppendDirective adds value to name. List directives keep their existing
// tokens and gain the new ones in order; other kinds are overwritten. An
// absent directive becomes present even when value holds no tokens.
func (p *Policy) AppendDirective(name string, value Value) error {
	d, err := lookup(name)
	if err != nil {
		return err
	}
	v, err := coerce(d, value)
	if err != nil {
		return err
	}

	existing, ok := p.directives[name].(List)
	if !ok || d.Kind() != KindList {
		p.directives[name] = v
		return nil
	}
	merged := make(List, 0, len(existing)+len(v.(List)))
	merged = append(merged, existing...)
	merged = append(merged, v.(List)...)
	p.directives[name] = merged
	return nil
}

// FallbackAwareAppendIfEnabled appends value to name only if name or one of
// its fallback directives is present. When only a fallback is present, its
// value is first copied into name so that name keeps the restrictions it
// was inheriting. Otherwise the policy is left unchanged.
//
// A fallback holding 'none' counts as present and is copied like any other
// value.
func (p *Policy) FallbackAwareAppendIfEnabled(name string, value Value) error {
	d, err := lookup(name)
	if err != nil {
		return err
	}
	if _, err := coerce(d, value); err != nil {
		return err
	}

	chain := append([]string{name}, d.Fallback...)
	for _, candidate := range chain {
		current, ok := p.directives[candidate]
		if !ok {
			continue
		}
		if candidate != name {
			p.directives[name] = cloneValue(current)
		}
		return p.AppendDirective(name, value)
	}
	return nil
}

// RemoveDirective deletes name from the policy if present.
func (p *Policy) RemoveDirective(name string) error {
	if _, err := lookup(name); err != nil {
		return err
	}
	delete(p.directives, name)
	return nil
}

// HeaderValue renders the policy. Directives are emitted in registry order;
// empty values are skipped. An empty string means no header should be sent.
func (p *Policy) HeaderValue() string {
	parts := make([]string, 0, len(p.directives))
	for _, d := range registry {
		v, ok := p.directives[d.Name]
		if !ok {
			continue
		}
		switch v := v.(type) {
		case Bool:
			if v {
				parts = append(parts, d.Name)
			}
		case String:
			if s := strings.TrimSpace(string(v)); s != "" {
				parts = append(parts, d.Name+" "+s)
			}
		case List:
			tokens := reduceList(d, v)
			switch {
			case len(tokens) > 0:
				parts = append(parts, d.Name+" "+strings.Join(tokens, " "))
			case d.Schema == SchemaOptionalTokenList:
				// A bare sandbox applies every restriction.
				parts = append(parts, d.Name)
			}
		}
	}
	return strings.Join(parts, "; ")
}

// String renders the full header line.
func (p *Policy) String() string {
	return p.HeaderName() + ": " + p.HeaderValue()
}

// coerce checks value against the directive's kind and returns the value to
// store.
func coerce(d DirectiveInfo, value Value) (Value, error) {
	if value == nil {
		return nil, invalidValue(d, "nil value")
	}

	switch d.Kind() {
	case KindBoolean:
		b, ok := value.(Bool)
		if !ok {
			return nil, invalidValue(d, "expected boolean, got "+value.Kind().String())
		}
		return b, nil

	case KindString:
		var l List
		switch v := value.(type) {
		case String:
			l = splitTokens(string(v))
		case List:
			l = normalizeList(v)
		default:
			return nil, invalidValue(d, "expected string, got "+value.Kind().String())
		}
		if len(l) > 1 {
			return nil, invalidValue(d, "expected a single token")
		}
		var s string
		if len(l) == 1 {
			s = l[0]
		}
		if d.Schema == SchemaAllowBlock && s != "" && s != AllowKeyword && s != BlockKeyword {
			return nil, invalidValue(d, "expected "+AllowKeyword+" or "+BlockKeyword)
		}
		return String(s), nil

	default:
		switch v := value.(type) {
		case String:
			return splitTokens(string(v)), nil
		case List:
			return normalizeList(v), nil
		default:
			return nil, invalidValue(d, "expected list, got "+value.Kind().String())
		}
	}
}

func invalidValue(d DirectiveInfo, reason string) error {
	return fmt.Errorf("csp: %s: %s: %w", d.Name, reason, ErrInvalidDirectiveValue)
}
