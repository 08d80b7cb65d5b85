// Package libraries collects the external hosts that asset library
// definitions load scripts and stylesheets from, so policies can allow them.
//
// Definitions use the *.libraries.yml layout:
//
//	chart:
//	  js:
//	    https://cdn.example.com/chart.min.js: { type: external, minified: true }
//	    js/local.js: {}
//	  css:
//	    theme:
//	      https://fonts.example.com/css?family=Inter: { type: external }
package libraries

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/carpenike/cspd/internal/csp"
)

// FileSuffix marks library definition files.
const FileSuffix = ".libraries.yml"

// Sources maps a directive name to the sorted, de-duplicated hosts it
// needs.
type Sources map[string][]string

// Directives returns the directive names in s, sorted.
func (s Sources) Directives() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

type library struct {
	JS  map[string]asset            `yaml:"js"`
	CSS map[string]map[string]asset `yaml:"css"`
}

type asset struct {
	Type string `yaml:"type"`
}

// external reports whether the asset at src is loaded from another origin.
func (a asset) external(src string) bool {
	if a.Type == "external" {
		return true
	}
	return strings.HasPrefix(src, "//") ||
		strings.HasPrefix(src, "http://") ||
		strings.HasPrefix(src, "https://")
}

// Parse extracts sources from one libraries file. Entries that are not
// library definitions are skipped.
func Parse(data []byte) (Sources, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("libraries: parse: %w", err)
	}

	out := Sources{}
	for _, name := range sortedKeys(doc) {
		node := doc[name]
		if node.Kind != yaml.MappingNode {
			continue
		}
		var lib library
		if err := node.Decode(&lib); err != nil {
			return nil, fmt.Errorf("libraries: library %q: %w", name, err)
		}
		for src, a := range lib.JS {
			addHost(out, src, a, csp.ScriptSrc, csp.ScriptSrcElem)
		}
		for _, group := range lib.CSS {
			for src, a := range group {
				addHost(out, src, a, csp.StyleSrc, csp.StyleSrcElem)
			}
		}
	}
	out.normalize()
	return out, nil
}

func addHost(s Sources, src string, a asset, directives ...string) {
	if src == "" || !a.external(src) {
		return
	}
	host := HostFromURI(src)
	if host == "" {
		return
	}
	for _, d := range directives {
		s[d] = append(s[d], host)
	}
}

// HostFromURI returns the source expression that allows loading uri. The
// scheme is kept only for https, and the port only when it is not the
// scheme's default.
func HostFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if host == "" {
		return ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && port != defaultPort(u.Scheme) {
		host += ":" + port
	}
	if u.Scheme == "https" {
		host = "https://" + host
	}
	return host
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}

// merge adds other into s.
func (s Sources) merge(other Sources) {
	for d, hosts := range other {
		s[d] = append(s[d], hosts...)
	}
}

func (s Sources) normalize() {
	for d, hosts := range s {
		slices.Sort(hosts)
		s[d] = slices.Compact(hosts)
	}
}

// Load parses every *.libraries.yml file below dir. Files that fail to parse
// are reported in the returned error; sources from the remaining files are
// still returned.
func Load(dir string) (Sources, error) {
	out := Sources{}
	var errs []error

	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), FileSuffix) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("libraries: read %s: %w", path, err))
			return nil
		}
		s, err := Parse(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			return nil
		}
		out.merge(s)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("libraries: walk %s: %w", dir, walkErr)
	}

	out.normalize()
	return out, errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
