package notification

import (
	"fmt"
	"strings"
	"sync"
)

// TemplateEngine holds one message body per event kind and fills {{key}}
// placeholders from the event data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[EventKind]string
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{
		templates: map[EventKind]string{
			EventTokenBooked: "{{patient_name}}, your token #{{token_number}} at {{chamber_name}} on {{date}} is confirmed. " +
				"{{waiting_ahead}} patient(s) ahead of you.",
			EventTokenCalled:    "{{patient_name}}, token #{{token_number}} is now being called at {{chamber_name}}. Please proceed.",
			EventTokenCompleted: "Thank you for visiting {{chamber_name}}, {{patient_name}}.",
			EventTokenCancelled: "{{patient_name}}, your token #{{token_number}} on {{date}} at {{chamber_name}} was cancelled.",
		},
	}
}

// RegisterTemplate adds or replaces the body for kind.
func (e *TemplateEngine) RegisterTemplate(kind EventKind, body string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[kind] = body
}

// Render fills every {{key}} in one pass, so substituted values are never
// expanded again. Keys absent from data are left as-is.
func (e *TemplateEngine) Render(kind EventKind, data map[string]string) (string, error) {
	e.mu.RLock()
	body, ok := e.templates[kind]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no template for event %q", kind)
	}

	pairs := make([]string, 0, 2*len(data))
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(body), nil
}
