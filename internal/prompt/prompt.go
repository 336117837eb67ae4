// Package prompt renders the hand-off message an agent receives for a task.
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/basket/taskrelay/internal/persistence"
)

// DefaultTemplate is used when no template file is configured.
const DefaultTemplate = `You have been assigned task {{.ID}}{{if .IssueRef}} for issue {{.IssueRef}}{{end}}.
{{- if .CreatedByAgent}}
It was handed off by {{.CreatedByAgent}}.
{{- end}}

{{.Summary}}

When you are done, report the outcome (completed, failed or blocked) with a short result summary.
`

// Renderer holds the active template. Reload swaps it atomically so a bad
// edit never leaves the dispatcher without a template.
type Renderer struct {
	mu   sync.RWMutex
	tmpl *template.Template
}

func NewRenderer(text string) (*Renderer, error) {
	r := &Renderer{}
	if err := r.Reload(text); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload parses text and installs it. Blank text restores DefaultTemplate.
func (r *Renderer) Reload(text string) error {
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return fmt.Errorf("parse prompt template: %w", err)
	}
	r.mu.Lock()
	r.tmpl = tmpl
	r.mu.Unlock()
	return nil
}

func (r *Renderer) Render(task persistence.Task) (string, error) {
	r.mu.RLock()
	tmpl := r.tmpl
	r.mu.RUnlock()
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, task); err != nil {
		return "", fmt.Errorf("render prompt for task %s: %w", task.ID, err)
	}
	return buf.String(), nil
}

// MustRender renders, falling back to the bare summary on template errors.
func (r *Renderer) MustRender(task persistence.Task) string {
	out, err := r.Render(task)
	if err != nil {
		return task.Summary
	}
	return out
}
