package notify

import (
	"fmt"

	"github.com/osteele/liquid"
)

type compiled struct {
	subject *liquid.Template
	body    *liquid.Template
}

// Renderer holds the parsed email templates for every event type.
type Renderer struct {
	templates map[string]compiled
}

func NewRenderer() (*Renderer, error) {
	engine := liquid.NewEngine()
	r := &Renderer{templates: make(map[string]compiled, len(definitions))}

	for t, def := range definitions {
		subject, err := engine.ParseString(def.Subject)
		if err != nil {
			return nil, fmt.Errorf("parse %s subject: %w", t, err)
		}
		body, err := engine.ParseString(def.Body)
		if err != nil {
			return nil, fmt.Errorf("parse %s body: %w", t, err)
		}
		r.templates[t] = compiled{subject: subject, body: body}
	}
	return r, nil
}

// Render produces the email subject and HTML body for one recipient.
func (r *Renderer) Render(recipientName string, e Event) (subject, html string, err error) {
	tpl, ok := r.templates[e.Type]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownEvent, e.Type)
	}

	bindings := liquid.Bindings{"recipient_name": recipientName}
	if recipientName == "" {
		bindings["recipient_name"] = Missing
	}
	for _, f := range definitions[e.Type].Fields {
		bindings[f] = e.Value(f)
	}

	subject, serr := tpl.subject.RenderString(bindings)
	if serr != nil {
		return "", "", fmt.Errorf("render subject: %w", serr)
	}
	html, serr = tpl.body.RenderString(bindings)
	if serr != nil {
		return "", "", fmt.Errorf("render body: %w", serr)
	}
	return subject, html, nil
}
