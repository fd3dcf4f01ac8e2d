// Package explain asks the oracle for a plain-language description of an
// operation request. Explanations are advisory: Explain never fails.
package explain

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/roach88/querypilot/internal/ir"
	"github.com/roach88/querypilot/internal/oracle"
)

// FallbackPrefix starts every explanation produced without the oracle.
const FallbackPrefix = "Explanation unavailable: "

//go:embed explain.tmpl
var promptSource string

var promptTemplate = template.Must(template.New("explain").Parse(promptSource))

// Explainer describes operation requests.
type Explainer struct {
	oracle oracle.Oracle
	params oracle.Params
	logger *slog.Logger
}

// Option configures an Explainer.
type Option func(*Explainer)

// WithParams overrides oracle.ExplainParams.
func WithParams(p oracle.Params) Option {
	return func(e *Explainer) { e.params = p }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Explainer) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Explainer. A nil oracle is allowed; every explanation
// then falls back.
func New(o oracle.Oracle, opts ...Option) *Explainer {
	e := &Explainer{oracle: o, params: oracle.ExplainParams, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Prompt renders the explanation prompt for doc.
func Prompt(doc ir.Document) (string, error) {
	var b strings.Builder
	if err := promptTemplate.Execute(&b, struct{ Query string }{doc.IndentedJSON()}); err != nil {
		return "", fmt.Errorf("render explain prompt: %w", err)
	}
	return b.String(), nil
}

// Explain describes doc. Any failure yields a string starting with
// FallbackPrefix.
func (e *Explainer) Explain(ctx context.Context, doc ir.Document) string {
	if e.oracle == nil {
		return FallbackPrefix + "no oracle configured"
	}
	prompt, err := Prompt(doc)
	if err != nil {
		return fallback(e.logger, err)
	}
	text, err := e.oracle.Generate(ctx, prompt, e.params)
	if err != nil {
		return fallback(e.logger, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return FallbackPrefix + "empty reply"
	}
	return text
}

func fallback(logger *slog.Logger, err error) string {
	logger.Warn("explanation failed", "error", err)
	if oracle.IsMissingCredential(err) {
		return FallbackPrefix + "API key missing"
	}
	return FallbackPrefix + err.Error()
}
