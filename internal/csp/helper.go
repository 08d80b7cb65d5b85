package csp

import "fmt"

// Source kinds accepted by AppendNonce and AppendHash.
const (
	KindScript = "script"
	KindStyle  = "style"
)

// AppendNonce allows elements carrying nonce under the script or style
// directives that are in effect. The nonce is added to <kind>-src-elem and
// <kind>-src; fallback tokens (for example 'unsafe-inline' for browsers
// without nonce support) go only to <kind>-src.
func AppendNonce(p *Policy, kind, nonce string, fallback List) error {
	if err := checkSourceKind(kind); err != nil {
		return err
	}
	if nonce == "" {
		return fmt.Errorf("csp: empty nonce: %w", ErrInvalidArgument)
	}
	token := NonceSource(nonce)

	if err := p.FallbackAwareAppendIfEnabled(kind+"-src-elem", List{token}); err != nil {
		return err
	}
	return p.FallbackAwareAppendIfEnabled(kind+"-src", append(List{token}, fallback...))
}

// AppendHash allows content matching digest (as returned by CalculateHash)
// in element or attribute context. Attribute hashes also need
// 'unsafe-hashes'.
func AppendHash(p *Policy, kind, subtype, digest string, fallback List) error {
	if err := checkSourceKind(kind); err != nil {
		return err
	}
	if subtype == "" {
		subtype = "elem"
	}
	if subtype != "elem" && subtype != "attr" {
		return fmt.Errorf("csp: hash subtype %q: %w", subtype, ErrInvalidArgument)
	}

	tokens := List{HashSource(digest)}
	if subtype == "attr" {
		tokens = append(tokens, UnsafeHashes)
	}
	if err := p.FallbackAwareAppendIfEnabled(kind+"-src-"+subtype, tokens); err != nil {
		return err
	}
	return p.FallbackAwareAppendIfEnabled(kind+"-src", append(tokens, fallback...))
}

func checkSourceKind(kind string) error {
	if kind != KindScript && kind != KindStyle {
		return fmt.Errorf("csp: source kind %q: %w", kind, ErrInvalidArgument)
	}
	return nil
}
