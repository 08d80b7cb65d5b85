package handlers

import (
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path/filepath"

	"github.com/carpenike/cspd/internal/middleware"
	"github.com/carpenike/cspd/internal/policy"
)

// TemplateCache maps page filenames to parsed template sets. Each set contains
// the base layout combined with a single page template.
type TemplateCache map[string]*template.Template

// NewTemplateCache parses all page templates from fsys. Each page is
// combined with the base layout; the login page is parsed standalone since
// it has no auth context.
func NewTemplateCache(fsys fs.FS) (TemplateCache, error) {
	cache := TemplateCache{}

	pages, err := fs.Glob(fsys, "templates/pages/*.html")
	if err != nil {
		return nil, fmt.Errorf("handlers: glob page templates: %w", err)
	}

	for _, page := range pages {
		name := filepath.Base(page)

		if name == "login.html" {
			ts, err := template.ParseFS(fsys, page)
			if err != nil {
				return nil, fmt.Errorf("handlers: parse %s: %w", name, err)
			}
			cache[name] = ts
			continue
		}

		ts, err := template.ParseFS(fsys, "templates/layouts/base.html", page)
		if err != nil {
			return nil, fmt.Errorf("handlers: parse %s with layout: %w", name, err)
		}
		cache[name] = ts
	}

	return cache, nil
}

// Render executes a page template. It injects the authenticated User, the
// CSRF token, and the response nonce into the template data. Pages that
// use the nonce must call RequestNonce on the response attachments before
// rendering so the header allows it.
func (tc TemplateCache) Render(w http.ResponseWriter, r *http.Request, name string, data map[string]any) error {
	ts, ok := tc[name]
	if !ok {
		return fmt.Errorf("handlers: template %q not found in cache", name)
	}

	if data == nil {
		data = map[string]any{}
	}

	if _, exists := data["User"]; !exists {
		if user := middleware.UserFromContext(r.Context()); user != nil {
			data["User"] = user
		}
	}
	if _, exists := data["CSRFToken"]; !exists {
		data["CSRFToken"] = middleware.CSRFTokenFromContext(r.Context())
	}
	if _, exists := data["Nonce"]; !exists {
		if att := policy.FromContext(r.Context()); att != nil {
			data["Nonce"] = att.Nonce()
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if ts.Lookup("base") == nil {
		return ts.Execute(w, data)
	}
	return ts.ExecuteTemplate(w, "base", data)
}
