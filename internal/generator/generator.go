// Package generator produces email copy from a short brief using an
// OpenAI-compatible chat completions API.
package generator

import (
	"context"
	"errors"
	"strings"
)

// ErrGeneration marks failures of the upstream content generator.
var ErrGeneration = errors.New("generator: content generation failed")

// Params is the brief a piece of email copy is written from.
type Params struct {
	RecipientName  string `json:"recipientName,omitempty" validate:"max=200"`
	Company        string `json:"company,omitempty" validate:"max=200"`
	Purpose        string `json:"purpose,omitempty" validate:"max=1000"`
	AdditionalInfo string `json:"additionalInfo,omitempty" validate:"max=4000"`
}

// Content is generated email copy split into its parts.
type Content struct {
	Greeting  string `json:"greeting"`
	Body      string `json:"body"`
	Signature string `json:"signature"`
}

// Text joins the parts back into a plain text message.
func (c Content) Text() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{c.Greeting, c.Body, c.Signature} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ContentGenerator writes email copy for a brief.
type ContentGenerator interface {
	Generate(ctx context.Context, params Params) (Content, error)
}

// Format splits a completion on blank lines: the first paragraph is the
// greeting, the last the signature and everything between is the body.
func Format(text string) Content {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return Content{}
	}
	raw := strings.Split(text, "\n\n")
	paragraphs := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	switch len(paragraphs) {
	case 1:
		return Content{Body: paragraphs[0]}
	case 2:
		return Content{Greeting: paragraphs[0], Signature: paragraphs[1]}
	}
	return Content{
		Greeting:  paragraphs[0],
		Body:      strings.Join(paragraphs[1:len(paragraphs)-1], "\n\n"),
		Signature: paragraphs[len(paragraphs)-1],
	}
}

// Func adapts a function to ContentGenerator.
type Func func(ctx context.Context, params Params) (Content, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, params Params) (Content, error) {
	return f(ctx, params)
}
