package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/raphaelgruber/docagent/internal/llm"
)

const summarizeSystemPrompt = `You maintain the working notes of a document analysis agent.
Rewrite the notes so they fit the requested length. Keep scores, dates, document names and open questions.
Reply with the rewritten notes only.`

// LLMSummarizer compresses memory through the reasoning service.
type LLMSummarizer struct {
	gen llm.Generator
}

// NewLLMSummarizer returns a summarizer backed by gen.
func NewLLMSummarizer(gen llm.Generator) *LLMSummarizer {
	return &LLMSummarizer{gen: gen}
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, text string, limit int) (string, error) {
	user := fmt.Sprintf("Maximum length: %d characters.\n\nNotes:\n%s", limit, text)
	reply, err := s.gen.Generate(ctx, summarizeSystemPrompt, user)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(reply), nil
}
