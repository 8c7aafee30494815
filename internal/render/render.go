// Package render turns localized message templates plus runtime variables
// into final text and buttons.
package render

import (
	"fmt"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/lifecyclehq/pulse/internal/delivery"
	"github.com/lifecyclehq/pulse/internal/scenario"
)

// DefaultLocale is used when a template has no body for the user's locale.
const DefaultLocale = "en"

// Renderer renders scenario templates with Go template syntax.
type Renderer struct {
	logger *zap.Logger
}

// New creates a renderer.
func New(logger *zap.Logger) *Renderer {
	return &Renderer{logger: logger}
}

// Render resolves the locale, executes the text template against vars, and
// returns the buttons for the same locale. Missing variables render as empty
// strings rather than failing, so a sparse facts bundle cannot block a send.
func (r *Renderer) Render(tmpl scenario.Template, locale string, vars map[string]any) (string, []delivery.Button, error) {
	body, resolved, err := resolveLocale(tmpl.Text, locale)
	if err != nil {
		return "", nil, err
	}

	t, err := template.New("msg").Option("missingkey=zero").Parse(body)
	if err != nil {
		return "", nil, fmt.Errorf("parse template: %w", err)
	}

	var sb strings.Builder
	if err := t.Execute(&sb, vars); err != nil {
		return "", nil, fmt.Errorf("execute template: %w", err)
	}

	// "<no value>" leaks from nil map lookups even with missingkey=zero.
	text := strings.ReplaceAll(sb.String(), "<no value>", "")

	var buttons []delivery.Button
	for _, b := range buttonsForLocale(tmpl.Buttons, resolved) {
		buttons = append(buttons, delivery.Button{Text: b.Text, URL: b.URL, Callback: b.Callback})
	}
	return text, buttons, nil
}

func resolveLocale(texts map[string]string, locale string) (string, string, error) {
	if body, ok := texts[locale]; ok {
		return body, locale, nil
	}
	if body, ok := texts[DefaultLocale]; ok {
		return body, DefaultLocale, nil
	}
	// Deterministic last resort: any locale is better than nothing, but an
	// empty template map is a configuration defect.
	for l, body := range texts {
		return body, l, nil
	}
	return "", "", fmt.Errorf("template has no locales")
}

func buttonsForLocale(buttons map[string][]scenario.Button, locale string) []scenario.Button {
	if buttons == nil {
		return nil
	}
	if bs, ok := buttons[locale]; ok {
		return bs
	}
	return buttons[DefaultLocale]
}
