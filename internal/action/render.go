package action

import (
	"fmt"
	"strings"
	"text/template"

	"practiceflow/internal/conditions"
)

// render executes a text/template against the snapshot. Strings without
// template actions are returned unchanged.
func render(name, text string, snap conditions.Snapshot) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, map[string]any(snap)); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.ReplaceAll(b.String(), "<no value>", ""), nil
}
