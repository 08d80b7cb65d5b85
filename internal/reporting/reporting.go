// Package reporting adds report destinations to a policy.
package reporting

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"

	"github.com/carpenike/cspd/internal/csp"
)

// ErrUnknownHandler is returned by New for an unregistered handler id.
var ErrUnknownHandler = errors.New("unknown reporting handler")

// ErrInvalidOptions is returned when a handler's options are unusable.
var ErrInvalidOptions = errors.New("invalid reporting options")

// Handler adds reporting directives to a policy.
type Handler interface {
	AlterPolicy(p *csp.Policy) error
}

// Options are the handler-specific settings stored with a policy.
type Options map[string]string

type factory func(Options) (Handler, error)

var handlers = map[string]factory{
	"none":       func(Options) (Handler, error) { return noneHandler{}, nil },
	"sitelog":    newSiteLog,
	"uri":        newURI,
	"report-uri": newReportURI,
}

// New constructs the handler registered under id.
func New(id string, opts Options) (Handler, error) {
	f, ok := handlers[id]
	if !ok {
		return nil, fmt.Errorf("reporting: %q: %w", id, ErrUnknownHandler)
	}
	return f(opts)
}

// IDs returns the registered handler ids, sorted.
func IDs() []string {
	ids := make([]string, 0, len(handlers))
	for id := range handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SiteLogPath is the path prefix where this server receives reports.
const SiteLogPath = "/csp-report/"

type noneHandler struct{}

func (noneHandler) AlterPolicy(*csp.Policy) error { return nil }

// siteLog sends reports back to this server, one endpoint per policy type.
type siteLog struct {
	base string
}

func newSiteLog(opts Options) (Handler, error) {
	return siteLog{base: opts["base_url"]}, nil
}

func (h siteLog) AlterPolicy(p *csp.Policy) error {
	policyType := "enforce"
	if p.IsReportOnly() {
		policyType = "report-only"
	}
	return p.SetDirective(csp.ReportURI, csp.String(h.base+SiteLogPath+policyType))
}

// uriHandler sends reports to a fixed, administrator supplied address.
type uriHandler struct {
	enforce    string
	reportOnly string
}

func newURI(opts Options) (Handler, error) {
	h := uriHandler{enforce: opts["uri"], reportOnly: opts["report_only_uri"]}
	if h.reportOnly == "" {
		h.reportOnly = h.enforce
	}
	for _, u := range []string{h.enforce, h.reportOnly} {
		if err := checkReportURI(u); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h uriHandler) AlterPolicy(p *csp.Policy) error {
	u := h.enforce
	if p.IsReportOnly() {
		u = h.reportOnly
	}
	return p.SetDirective(csp.ReportURI, csp.String(u))
}

func checkReportURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("reporting: uri %q must be an absolute http(s) URL: %w", raw, ErrInvalidOptions)
	}
	return nil
}

var subdomainRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// reportURI sends reports to the report-uri.com service.
type reportURI struct {
	subdomain string
	wizard    bool
}

func newReportURI(opts Options) (Handler, error) {
	sub := opts["subdomain"]
	if !subdomainRe.MatchString(sub) {
		return nil, fmt.Errorf("reporting: report-uri subdomain %q: %w", sub, ErrInvalidOptions)
	}
	return reportURI{subdomain: sub, wizard: opts["wizard"] == "true"}, nil
}

func (h reportURI) AlterPolicy(p *csp.Policy) error {
	kind := "enforce"
	if p.IsReportOnly() {
		kind = "reportOnly"
		if h.wizard {
			kind = "wizard"
		}
	}
	return p.SetDirective(csp.ReportURI, csp.String("https://"+h.subdomain+".report-uri.com/r/d/csp/"+kind))
}
