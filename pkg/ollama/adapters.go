package ollama

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Embedder binds a Client to one embedding model.
type Embedder struct {
	Client *Client
	Model  string
}

// Embed implements the search pipeline's embedding service.
func (e Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.Client.Embed(ctx, e.Model, text)
}

// Name identifies the model, used to key cached vectors.
func (e Embedder) Name() string { return e.Model }

// Generator binds a Client to one generation model.
type Generator struct {
	Client *Client
	Model  string
}

// Generate implements the search pipeline's generation service.
func (g Generator) Generate(ctx context.Context, prompt string) (string, error) {
	return g.Client.Generate(ctx, g.Model, prompt)
}

// ErrEmptyTranslation is returned when the model answers with nothing.
var ErrEmptyTranslation = errors.New("ollama: empty translation")

// Translator translates by prompting a generation model.
type Translator struct {
	Client *Client
	Model  string
	// Pivot names the language the pipeline prompts in, "English" if empty.
	Pivot string
}

// Translate converts text into target. Translating into the pivot uses the
// plain "to English" prompt; translating out of it names the target.
func (t Translator) Translate(ctx context.Context, text, sourceHint, target string) (string, error) {
	pivot := t.Pivot
	if pivot == "" {
		pivot = "English"
	}
	var prompt string
	if strings.EqualFold(target, pivot) || strings.EqualFold(target, "en") {
		prompt = fmt.Sprintf("Translate the following text to %s:\n\n%s", pivot, text)
	} else {
		prompt = fmt.Sprintf("Translate the following %s text to %s:\n\n%s", pivot, target, text)
	}
	out, err := t.Client.Generate(ctx, t.Model, prompt)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", ErrEmptyTranslation
	}
	return out, nil
}
