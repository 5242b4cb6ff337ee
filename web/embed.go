// Package web embeds the HTML pages shown at the end of account linking.
package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
)

//go:embed templates/*.html
var templateFS embed.FS

// Pages renders the link result pages.
type Pages struct {
	tmpl *template.Template
}

// LinkSuccess is the data for the success page.
type LinkSuccess struct {
	Name  string
	Email string
}

// LinkFailure is the data for the failure page.
type LinkFailure struct {
	Title   string
	Message string
}

// NewPages parses the embedded templates.
func NewPages() (*Pages, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Pages{tmpl: tmpl}, nil
}

// Success writes the success page.
func (p *Pages) Success(w http.ResponseWriter, data LinkSuccess) {
	p.render(w, http.StatusOK, "link_success.html", data)
}

// Failure writes the failure page with status.
func (p *Pages) Failure(w http.ResponseWriter, status int, data LinkFailure) {
	p.render(w, status, "link_failure.html", data)
}

func (p *Pages) render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := p.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("web: failed to render page", "template", name, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := buf.WriteTo(w); err != nil {
		slog.Debug("web: failed to write page", "template", name, "error", err)
	}
}
