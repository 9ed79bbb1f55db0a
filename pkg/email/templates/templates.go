// Package templates renders notification emails from embedded html/template
// files. Each file defines a "subject" and a "body" template.
package templates

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"sync"
)

//go:embed *.html
var files embed.FS

var ErrUnknownTemplate = errors.New("unknown email template")

var (
	parseOnce sync.Once
	parsed    map[string]*template.Template
	parseErr  error
)

func load() {
	parsed = make(map[string]*template.Template)
	entries, err := files.ReadDir(".")
	if err != nil {
		parseErr = err
		return
	}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".html")
		t, err := template.ParseFS(files, e.Name())
		if err != nil {
			parseErr = fmt.Errorf("parse %s: %w", e.Name(), err)
			return
		}
		parsed[name] = t
	}
}

// Render executes the named template and returns the subject and HTML body.
func Render(name string, data any) (subject, body string, err error) {
	parseOnce.Do(load)
	if parseErr != nil {
		return "", "", parseErr
	}
	t, ok := parsed[name]
	if !ok {
		return "", "", errors.Join(ErrUnknownTemplate, fmt.Errorf("template %q", name))
	}

	var sb, bb bytes.Buffer
	if err := t.ExecuteTemplate(&sb, "subject", data); err != nil {
		return "", "", err
	}
	if err := t.ExecuteTemplate(&bb, "body", data); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(sb.String()), bb.String(), nil
}

// Names lists the available templates.
func Names() []string {
	parseOnce.Do(load)
	out := make([]string, 0, len(parsed))
	for name := range parsed {
		out = append(out, name)
	}
	return out
}
