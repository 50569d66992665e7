package mailer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer personalizes step subjects and bodies with the Liquid template
// language. Parsed templates are cached by source text; sequences send the
// same step to many contacts.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a Renderer with the platform's filter set.
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	// {{ first_name | default: "there" }}
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	// {{ name | capitalize }}
	engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// {{ bio | truncate: 50 }}
	engine.RegisterFilter("truncate", func(s string, length int) string {
		if len(s) <= length {
			return s
		}
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	})

	return &Renderer{engine: engine}
}

// Render renders source against the contact bindings. Missing variables
// render empty (lax mode): a broken merge tag must not block a send.
func (r *Renderer) Render(source string, bindings map[string]interface{}) (string, error) {
	tpl, err := r.template(source)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

func (r *Renderer) template(source string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(source); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(source)
	if err != nil {
		return nil, err
	}
	r.cache.Store(source, tpl)
	return tpl, nil
}
