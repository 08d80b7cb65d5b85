package policy

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/carpenike/cspd/internal/csp"
)

// Attachments collect what the content of one response needs from its
// policy: extra sources, a nonce for inline elements, and hashes of inline
// content. Handlers add to them while rendering; the policy is built from
// them when headers are written. Safe for concurrent use.
type Attachments struct {
	nonce string

	mu         sync.Mutex
	directives []attachedSources
	nonces     map[string]csp.List
	nonceOrder []string
	hashes     []hashRequest
}

type attachedSources struct {
	directive string
	sources   csp.List
}

type hashRequest struct {
	kind     string
	subtype  string
	digest   string
	fallback csp.List
}

// NewAttachments returns attachments for a response whose inline elements
// carry nonce. The nonce is only added to the policy once requested.
func NewAttachments(nonce string) *Attachments {
	return &Attachments{nonce: nonce, nonces: map[string]csp.List{}}
}

// Nonce returns the response nonce, for use in nonce attributes.
func (a *Attachments) Nonce() string { return a.nonce }

// AddSources allows sources under directive, if the directive or one of its
// fallbacks is enabled. Nonces and hashes must go through RequestNonce and
// AddHash instead.
func (a *Attachments) AddSources(directive string, sources ...string) error {
	if !csp.IsValidDirective(directive) {
		return fmt.Errorf("policy: attach to %q: %w", directive, csp.ErrInvalidDirective)
	}
	for _, s := range sources {
		if csp.IsNonceSource(s) || csp.IsHashSource(s) {
			return fmt.Errorf("policy: attach %s: use RequestNonce or AddHash: %w", s, csp.ErrInvalidArgument)
		}
	}
	if len(sources) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.directives = append(a.directives, attachedSources{directive: directive, sources: csp.Sources(sources...)})
	return nil
}

var (
	nonceTargetRe = regexp.MustCompile(`^(script|style)(?:-src(?:-elem)?)?$`)
	hashTargetRe  = regexp.MustCompile(`^(script|style)(?:-src)?(?:-(elem|attr))?$`)
)

// RequestNonce adds the response nonce to the script or style policy.
// target is "script" or "style", optionally suffixed with "-src" or
// "-src-elem". fallback tokens are added to <kind>-src for browsers that
// ignore nonces.
func (a *Attachments) RequestNonce(target string, fallback ...string) error {
	m := nonceTargetRe.FindStringSubmatch(target)
	if m == nil {
		return fmt.Errorf("policy: nonce target %q: %w", target, csp.ErrInvalidArgument)
	}
	if a.nonce == "" {
		return fmt.Errorf("policy: response has no nonce: %w", csp.ErrInvalidArgument)
	}
	kind := m[1]

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.nonces[kind]; !ok {
		a.nonceOrder = append(a.nonceOrder, kind)
	}
	a.nonces[kind] = append(a.nonces[kind], fallback...)
	return nil
}

// AddHash allows inline content whose digest (see csp.CalculateHash) is
// given. target is "script" or "style", optionally with "-src" and an
// "-elem" or "-attr" suffix; elem is assumed when none is given.
func (a *Attachments) AddHash(target, digest string, fallback ...string) error {
	m := hashTargetRe.FindStringSubmatch(target)
	if m == nil {
		return fmt.Errorf("policy: hash target %q: %w", target, csp.ErrInvalidArgument)
	}
	if !csp.IsHashSource(csp.HashSource(digest)) {
		return fmt.Errorf("policy: hash %q: %w", digest, csp.ErrInvalidArgument)
	}
	subtype := m[2]
	if subtype == "" {
		subtype = "elem"
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.hashes = append(a.hashes, hashRequest{kind: m[1], subtype: subtype, digest: digest, fallback: csp.Sources(fallback...)})
	return nil
}

// HashContent digests content with the default algorithm and attaches it.
func (a *Attachments) HashContent(target, content string) (string, error) {
	digest, err := csp.CalculateHash(content, "")
	if err != nil {
		return "", err
	}
	return digest, a.AddHash(target, digest)
}

// applyDirectives adds the attached sources to p.
func (a *Attachments) applyDirectives(p *csp.Policy) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range a.directives {
		if err := p.FallbackAwareAppendIfEnabled(d.directive, d.sources); err != nil {
			return err
		}
	}
	return nil
}

// applyNoncesAndHashes runs last so nonces and hashes land on the final
// set of enabled directives.
func (a *Attachments) applyNoncesAndHashes(p *csp.Policy) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, kind := range a.nonceOrder {
		if err := csp.AppendNonce(p, kind, a.nonce, a.nonces[kind]); err != nil {
			return err
		}
	}
	for _, h := range a.hashes {
		if err := csp.AppendHash(p, h.kind, h.subtype, h.digest, h.fallback); err != nil {
			return err
		}
	}
	return nil
}

type ctxKey struct{}

// NewContext returns ctx carrying att.
func NewContext(ctx context.Context, att *Attachments) context.Context {
	return context.WithValue(ctx, ctxKey{}, att)
}

// FromContext returns the attachments stored in ctx, or nil.
func FromContext(ctx context.Context) *Attachments {
	att, _ := ctx.Value(ctxKey{}).(*Attachments)
	return att
}
