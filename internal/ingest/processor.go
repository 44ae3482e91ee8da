package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/raphaelgruber/docagent/internal/llm"
	"github.com/raphaelgruber/docagent/internal/models"
	"github.com/raphaelgruber/docagent/internal/parser"
)

// Processor turns an uploaded file into extracted text plus metadata.
type Processor interface {
	Process(ctx context.Context, doc *models.DocumentTask) (*models.DocumentResult, error)
}

// TextProcessor handles plain text and Markdown uploads. Extracted text is
// written to <dir>/<document id>.txt.
type TextProcessor struct {
	dir string
	gen llm.Generator
}

// NewTextProcessor creates a processor writing into dir. gen is optional;
// when set, each document gets a short summary.
func NewTextProcessor(dir string, gen llm.Generator) (*TextProcessor, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create text dir: %w", err)
	}
	return &TextProcessor{dir: dir, gen: gen}, nil
}

// Dir returns the directory holding extracted texts.
func (p *TextProcessor) Dir() string {
	return p.dir
}

// Process implements Processor.
func (p *TextProcessor) Process(ctx context.Context, doc *models.DocumentTask) (*models.DocumentResult, error) {
	info, err := os.Stat(doc.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	raw, err := os.ReadFile(doc.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}

	md := parser.ParseMarkdown(string(raw))
	text := strings.TrimSpace(md.Content)
	if text == "" {
		return nil, fmt.Errorf("%s: no text content", doc.Filename)
	}

	meta := map[string]any{
		models.MetaFallbackDate: info.ModTime().UTC().Format(time.RFC3339),
	}
	if date, ok := md.Date(); ok {
		meta[models.MetaDocumentDate] = date.UTC().Format(time.RFC3339)
	}
	if md.Title != "" {
		meta[models.MetaTitle] = md.Title
	}

	textPath := filepath.Join(p.dir, doc.ID+".txt")
	if err := os.WriteFile(textPath, []byte(text), 0o644); err != nil {
		return nil, fmt.Errorf("write text: %w", err)
	}

	result := &models.DocumentResult{
		TextPath:  textPath,
		PageCount: parser.PageCount(text),
		ByteSize:  info.Size(),
		Metadata:  meta,
	}
	if p.gen != nil {
		summary, err := p.summarize(ctx, text)
		if err != nil {
			slog.Warn("document summary failed", "task_id", doc.ID, "error", err)
		} else {
			result.Summary = summary
		}
	}
	return result, nil
}

const summarySystemPrompt = `Summarize the document in at most three sentences. Reply with plain text only.`

const maxSummaryInput = 12000

func (p *TextProcessor) summarize(ctx context.Context, text string) (string, error) {
	if r := []rune(text); len(r) > maxSummaryInput {
		text = string(r[:maxSummaryInput])
	}
	reply, err := p.gen.Generate(ctx, summarySystemPrompt, text)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// RemoveText deletes the extracted text of a document, if any.
func RemoveText(doc *models.DocumentTask) {
	if doc.Result == nil || doc.Result.TextPath == "" {
		return
	}
	if err := os.Remove(doc.Result.TextPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove extracted text", "task_id", doc.ID, "path", doc.Result.TextPath, "error", err)
	}
}
