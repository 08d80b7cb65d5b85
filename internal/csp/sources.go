package csp

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"regexp"
	"strings"
)

// Keyword sources.
const (
	Any                  = "*"
	Self                 = "'self'"
	None                 = "'none'"
	UnsafeInline         = "'unsafe-inline'"
	UnsafeEval           = "'unsafe-eval'"
	UnsafeHashes         = "'unsafe-hashes'"
	UnsafeAllowRedirects = "'unsafe-allow-redirects'"
	StrictDynamic        = "'strict-dynamic'"
	ReportSample         = "'report-sample'"
	WasmUnsafeEval       = "'wasm-unsafe-eval'"
)

// Values of the webrtc directive.
const (
	AllowKeyword = "'allow'"
	BlockKeyword = "'block'"
)

// DefaultHashAlgorithm is used when no algorithm is named.
const DefaultHashAlgorithm = "sha256"

// HashAlgorithms lists the digests allowed in hash sources.
var HashAlgorithms = []string{"sha256", "sha384", "sha512"}

var hashConstructors = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// CalculateHash digests content and formats it as "<algorithm>-<base64>".
// Wrap the result with HashSource to use it in a source list.
func CalculateHash(content, algorithm string) (string, error) {
	if algorithm == "" {
		algorithm = DefaultHashAlgorithm
	}
	newHash, ok := hashConstructors[algorithm]
	if !ok {
		return "", fmt.Errorf("csp: hash algorithm %q: %w", algorithm, ErrInvalidArgument)
	}
	h := newHash()
	h.Write([]byte(content))
	return algorithm + "-" + base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// HashSource quotes a value returned by CalculateHash.
func HashSource(digest string) string {
	return "'" + digest + "'"
}

// NonceSource formats a nonce value as a source token.
func NonceSource(nonce string) string {
	return "'nonce-" + nonce + "'"
}

var (
	schemeSourceRe = regexp.MustCompile(`^[a-z][a-z0-9\-.+]*:$`)
	hostSourceRe   = regexp.MustCompile(`(?i)^` +
		`(?:[a-z][a-z0-9\-.+]*://)?` +
		`(?:` +
		`(?:\*\.)?(?:(?:[a-z0-9\-.]|%[0-9a-f]{2})+\.)+(?:[a-z0-9\-.]|%[0-9a-f]{2})+` +
		`|\[(?:[0-9a-f]{0,4}:)*[0-9a-f]{0,4}\]` +
		`|localhost` +
		`)` +
		`(?::(?:[0-9]+|\*))?` +
		`(?:[/?](?:[\w#!:.+=&@$'~*,;/()\[\]\-]|%[0-9a-f]{2})*)?$`)
	hashSourceRe  = regexp.MustCompile(`^'(?:sha256|sha384|sha512)-[\w+/\-]+=*'$`)
	nonceSourceRe = regexp.MustCompile(`^'nonce-[\w+/\-]+=*'$`)
)

// IsHashSource reports whether token is a quoted hash source.
func IsHashSource(token string) bool { return hashSourceRe.MatchString(token) }

// IsNonceSource reports whether token is a quoted nonce source.
func IsNonceSource(token string) bool { return nonceSourceRe.MatchString(token) }

// ValidateSource checks a host, scheme, hash, or nonce source as typed into
// configuration. Keywords are not accepted here; they are configured as flags.
func ValidateSource(source string, allowNonce, allowHash bool) error {
	switch {
	case IsNonceSource(source):
		if !allowNonce {
			return fmt.Errorf("csp: nonce sources are not valid: %w", ErrInvalidDirectiveValue)
		}
		return nil
	case IsHashSource(source):
		if !allowHash {
			return fmt.Errorf("csp: hash sources are not valid: %w", ErrInvalidDirectiveValue)
		}
		return nil
	case schemeSourceRe.MatchString(source), hostSourceRe.MatchString(source):
		return nil
	}
	return fmt.Errorf("csp: %q is not a valid source: %w", source, ErrInvalidDirectiveValue)
}

// attrSources are the only non-hash tokens meaningful in *-attr directives.
var attrSources = map[string]bool{
	UnsafeHashes: true,
	UnsafeInline: true,
	ReportSample: true,
	None:         true,
}

// reduceList prepares a list value for rendering. Duplicate tokens are
// dropped keeping the first occurrence. Source lists also drop 'none' when
// other sources are present, and *-attr directives keep only sources that
// apply to attributes. A non-empty *-attr list left with no attribute
// sources renders as 'none' so it still overrides its fallback. The result
// never aliases l.
func reduceList(d DirectiveInfo, l List) List {
	seen := make(map[string]bool, len(l))
	out := make(List, 0, len(l))
	isAttr := strings.HasSuffix(d.Name, "-attr")
	for _, t := range l {
		if seen[t] {
			continue
		}
		seen[t] = true
		if isAttr && !attrSources[t] && !IsHashSource(t) {
			continue
		}
		out = append(out, t)
	}
	if isAttr && len(out) == 0 && len(l) > 0 {
		return List{None}
	}

	if d.Schema.IsSourceList() && len(out) > 1 && out.Contains(None) {
		filtered := out[:0]
		for _, t := range out {
			if t != None {
				filtered = append(filtered, t)
			}
		}
		out = filtered
	}
	return out
}
