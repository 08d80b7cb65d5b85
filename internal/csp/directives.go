package csp

import "fmt"

// Directive names.
const (
	// Fetch directives.
	DefaultSrc    = "default-src"
	ChildSrc      = "child-src"
	ConnectSrc    = "connect-src"
	FontSrc       = "font-src"
	FrameSrc      = "frame-src"
	ImgSrc        = "img-src"
	ManifestSrc   = "manifest-src"
	MediaSrc      = "media-src"
	ObjectSrc     = "object-src"
	PrefetchSrc   = "prefetch-src"
	ScriptSrc     = "script-src"
	ScriptSrcAttr = "script-src-attr"
	ScriptSrcElem = "script-src-elem"
	StyleSrc      = "style-src"
	StyleSrcAttr  = "style-src-attr"
	StyleSrcElem  = "style-src-elem"
	WorkerSrc     = "worker-src"
	WebRTC        = "webrtc"

	// Document directives.
	BaseURI     = "base-uri"
	PluginTypes = "plugin-types"
	Sandbox     = "sandbox"

	// Navigation directives.
	FormAction     = "form-action"
	FrameAncestors = "frame-ancestors"
	NavigateTo     = "navigate-to"

	// Reporting directives.
	ReportURI = "report-uri"
	ReportTo  = "report-to"

	// Other directives.
	BlockAllMixedContent    = "block-all-mixed-content"
	RequireSRIFor           = "require-sri-for"
	RequireTrustedTypesFor  = "require-trusted-types-for"
	TrustedTypes            = "trusted-types"
	UpgradeInsecureRequests = "upgrade-insecure-requests"
)

// Kind is the shape of value a directive holds.
type Kind int

const (
	KindBoolean Kind = iota + 1
	KindString
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindBoolean:
		return "boolean"
	case KindString:
		return "string"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Schema describes the grammar of a directive's value.
type Schema int

const (
	SchemaBoolean Schema = iota + 1
	SchemaAllowBlock
	SchemaToken
	SchemaTokenList
	SchemaOptionalTokenList
	SchemaMediaTypeList
	SchemaURIReferenceList
	SchemaSourceList
	SchemaAncestorSourceList
	SchemaTrustedTypes
	SchemaTrustedTypesSinkGroups
)

// Kind returns the value kind every directive using the schema holds.
func (s Schema) Kind() Kind {
	switch s {
	case SchemaBoolean:
		return KindBoolean
	case SchemaAllowBlock, SchemaToken:
		return KindString
	default:
		return KindList
	}
}

// IsSourceList reports whether values of the schema are CSP source lists.
func (s Schema) IsSourceList() bool {
	return s == SchemaSourceList || s == SchemaAncestorSourceList
}

// DirectiveInfo is a registry entry.
type DirectiveInfo struct {
	Name     string
	Schema   Schema
	Fallback []string // nearest ancestor first
}

// Kind returns the value kind of the directive.
func (d DirectiveInfo) Kind() Kind {
	return d.Schema.Kind()
}

// registry is ordered: header values render directives in this order.
var registry = []DirectiveInfo{
	{Name: DefaultSrc, Schema: SchemaSourceList},
	{Name: ChildSrc, Schema: SchemaSourceList, Fallback: []string{DefaultSrc}},
	{Name: ConnectSrc, Schema: SchemaSourceList, Fallback: []string{DefaultSrc}},
	{Name: FontSrc, Schema: SchemaSourceList, Fallback: []string{DefaultSrc}},
	{Name: FrameSrc, Schema: SchemaSourceList, Fallback: []string{ChildSrc, DefaultSrc}},
	{Name: ImgSrc, Schema: SchemaSourceList, Fallback: []string{DefaultSrc}},
	{Name: ManifestSrc, Schema: SchemaSourceList, Fallback: []string{DefaultSrc}},
	{Name: MediaSrc, Schema: SchemaSourceList, Fallback: []string{DefaultSrc}},
	{Name: ObjectSrc, Schema: SchemaSourceList, Fallback: []string{DefaultSrc}},
	{Name: PrefetchSrc, Schema: SchemaSourceList, Fallback: []string{DefaultSrc}},
	{Name: ScriptSrc, Schema: SchemaSourceList, Fallback: []string{DefaultSrc}},
	{Name: ScriptSrcAttr, Schema: SchemaSourceList, Fallback: []string{ScriptSrc, DefaultSrc}},
	{Name: ScriptSrcElem, Schema: SchemaSourceList, Fallback: []string{ScriptSrc, DefaultSrc}},
	{Name: StyleSrc, Schema: SchemaSourceList, Fallback: []string{DefaultSrc}},
	{Name: StyleSrcAttr, Schema: SchemaSourceList, Fallback: []string{StyleSrc, DefaultSrc}},
	{Name: StyleSrcElem, Schema: SchemaSourceList, Fallback: []string{StyleSrc, DefaultSrc}},
	{Name: WorkerSrc, Schema: SchemaSourceList, Fallback: []string{ChildSrc, ScriptSrc, DefaultSrc}},
	{Name: WebRTC, Schema: SchemaAllowBlock},
	{Name: BaseURI, Schema: SchemaSourceList},
	{Name: PluginTypes, Schema: SchemaMediaTypeList},
	{Name: Sandbox, Schema: SchemaOptionalTokenList},
	{Name: FormAction, Schema: SchemaSourceList},
	{Name: FrameAncestors, Schema: SchemaAncestorSourceList},
	{Name: NavigateTo, Schema: SchemaSourceList},
	{Name: ReportURI, Schema: SchemaURIReferenceList},
	{Name: ReportTo, Schema: SchemaToken},
	{Name: BlockAllMixedContent, Schema: SchemaBoolean},
	{Name: RequireSRIFor, Schema: SchemaTokenList},
	{Name: RequireTrustedTypesFor, Schema: SchemaTrustedTypesSinkGroups},
	{Name: TrustedTypes, Schema: SchemaTrustedTypes},
	{Name: UpgradeInsecureRequests, Schema: SchemaBoolean},
}

// allDirectiveNames lists every name constant above. The registry is checked
// against it when the package loads.
var allDirectiveNames = []string{
	DefaultSrc, ChildSrc, ConnectSrc, FontSrc, FrameSrc, ImgSrc, ManifestSrc,
	MediaSrc, ObjectSrc, PrefetchSrc, ScriptSrc, ScriptSrcAttr, ScriptSrcElem,
	StyleSrc, StyleSrcAttr, StyleSrcElem, WorkerSrc, WebRTC,
	BaseURI, PluginTypes, Sandbox,
	FormAction, FrameAncestors, NavigateTo,
	ReportURI, ReportTo,
	BlockAllMixedContent, RequireSRIFor, RequireTrustedTypesFor, TrustedTypes,
	UpgradeInsecureRequests,
}

var registryIndex map[string]DirectiveInfo

func init() {
	registryIndex = make(map[string]DirectiveInfo, len(registry))
	for _, d := range registry {
		if _, dup := registryIndex[d.Name]; dup {
			panic("csp: duplicate registry entry " + d.Name)
		}
		registryIndex[d.Name] = d
	}
	if err := checkRegistry(); err != nil {
		panic(err)
	}
}

// checkRegistry verifies that every directive constant is registered and
// that fallback chains only reference list-kind directives of the registry.
func checkRegistry() error {
	if len(allDirectiveNames) != len(registry) {
		return fmt.Errorf("csp: registry has %d entries, %d directive names declared", len(registry), len(allDirectiveNames))
	}
	for _, name := range allDirectiveNames {
		d, ok := registryIndex[name]
		if !ok {
			return fmt.Errorf("csp: directive %q missing from registry", name)
		}
		for _, fb := range d.Fallback {
			parent, ok := registryIndex[fb]
			if !ok {
				return fmt.Errorf("csp: directive %q falls back to unknown %q", name, fb)
			}
			if parent.Kind() != d.Kind() {
				return fmt.Errorf("csp: directive %q falls back to %q of a different kind", name, fb)
			}
		}
	}
	return nil
}

// Lookup returns the registry entry for name.
func Lookup(name string) (DirectiveInfo, bool) {
	d, ok := registryIndex[name]
	return d, ok
}

// IsValidDirective reports whether name is a known directive.
func IsValidDirective(name string) bool {
	_, ok := registryIndex[name]
	return ok
}

// Directives returns all registered directives in header order.
func Directives() []DirectiveInfo {
	out := make([]DirectiveInfo, len(registry))
	copy(out, registry)
	return out
}

// FallbackList returns the directives a browser consults, nearest first, when
// name is absent from a policy.
func FallbackList(name string) ([]string, error) {
	d, err := lookup(name)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), d.Fallback...), nil
}

func lookup(name string) (DirectiveInfo, error) {
	d, ok := registryIndex[name]
	if !ok {
		return DirectiveInfo{}, fmt.Errorf("csp: %q: %w", name, ErrInvalidDirective)
	}
	return d, nil
}
