package render

import (
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/lifecyclehq/pulse/internal/scenario"
)

func TestRender_SubstitutesVariables(t *testing.T) {
	r := New(zap.NewNop())
	tmpl := scenario.Template{
		Text: map[string]string{"en": "Your bonus of {{.percent}}% expires in {{.hours}}h"},
	}

	text, _, err := r.Render(tmpl, "en", map[string]any{"percent": 10, "hours": 48})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if text != "Your bonus of 10% expires in 48h" {
		t.Errorf("text = %q", text)
	}
}

func TestRender_LocaleFallback(t *testing.T) {
	r := New(zap.NewNop())
	tmpl := scenario.Template{
		Text: map[string]string{
			"en": "hello",
			"de": "hallo",
		},
	}

	if text, _, _ := r.Render(tmpl, "de", nil); text != "hallo" {
		t.Errorf("de locale = %q, want hallo", text)
	}
	if text, _, _ := r.Render(tmpl, "fr", nil); text != "hello" {
		t.Errorf("missing locale should fall back to en, got %q", text)
	}
}

func TestRender_ButtonsFollowLocale(t *testing.T) {
	r := New(zap.NewNop())
	tmpl := scenario.Template{
		Text: map[string]string{"en": "claim it", "de": "hol es dir"},
		Buttons: map[string][]scenario.Button{
			"en": {{Text: "Claim", Callback: "claim_offer"}},
			"de": {{Text: "Einlösen", Callback: "claim_offer"}},
		},
	}

	_, buttons, err := r.Render(tmpl, "de", nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(buttons) != 1 || buttons[0].Text != "Einlösen" {
		t.Fatalf("buttons = %+v", buttons)
	}
	if buttons[0].Callback != "claim_offer" {
		t.Errorf("callback = %q", buttons[0].Callback)
	}

	// A locale with text but no buttons falls back to the default set.
	tmpl.Text["fr"] = "bonjour"
	_, buttons, _ = r.Render(tmpl, "fr", nil)
	if len(buttons) != 1 || buttons[0].Text != "Claim" {
		t.Errorf("fr buttons = %+v, want en fallback", buttons)
	}
}

func TestRender_MissingVariableRendersEmpty(t *testing.T) {
	r := New(zap.NewNop())
	tmpl := scenario.Template{Text: map[string]string{"en": "Hi {{.name}}!"}}

	text, _, err := r.Render(tmpl, "en", map[string]any{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(text, "no value") {
		t.Errorf("missing variable leaked into output: %q", text)
	}
}

func TestRender_Errors(t *testing.T) {
	r := New(zap.NewNop())

	if _, _, err := r.Render(scenario.Template{}, "en", nil); err == nil {
		t.Error("empty template map should error")
	}
	bad := scenario.Template{Text: map[string]string{"en": "{{.unclosed"}}
	if _, _, err := r.Render(bad, "en", nil); err == nil {
		t.Error("unparsable template should error")
	}
}
