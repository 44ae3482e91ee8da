package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/docagent/internal/llm"
	"github.com/raphaelgruber/docagent/internal/models"
)

// DateInferrer infers the real-world date a document was written.
// ok is false when the text gives no usable hint.
type DateInferrer interface {
	InferDate(ctx context.Context, filename, text string) (t time.Time, ok bool, err error)
}

// LLMDateInferrer asks the reasoning service for a document date.
type LLMDateInferrer struct {
	gen      llm.Generator
	maxChars int
}

// NewLLMDateInferrer creates an inferrer that shows the service at most the
// first 4000 characters of each document.
func NewLLMDateInferrer(gen llm.Generator) *LLMDateInferrer {
	return &LLMDateInferrer{gen: gen, maxChars: 4000}
}

const dateSystemPrompt = `You determine when a document was written or published.
Reply with a single JSON object and nothing else:
{"date": "<YYYY-MM-DD, or empty if unknown>"}`

type dateReply struct {
	Date string `json:"date"`
}

// InferDate implements DateInferrer. A malformed reply counts as unknown.
func (i *LLMDateInferrer) InferDate(ctx context.Context, filename, text string) (time.Time, bool, error) {
	if r := []rune(text); len(r) > i.maxChars {
		text = string(r[:i.maxChars])
	}
	reply, err := i.gen.Generate(ctx, dateSystemPrompt, fmt.Sprintf("Filename: %s\n\n%s", filename, text))
	if err != nil {
		return time.Time{}, false, err
	}
	parsed, err := llm.ParseReply[dateReply](reply)
	if err != nil {
		return time.Time{}, false, nil
	}
	t, ok := models.ParseDate(strings.TrimSpace(parsed.Date))
	return t, ok, nil
}
