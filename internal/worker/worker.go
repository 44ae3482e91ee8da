// Package worker turns an agent task payload plus the rolling memory into a
// structured result through the reasoning service.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/raphaelgruber/docagent/internal/llm"
	"github.com/raphaelgruber/docagent/internal/models"
)

// ErrUnknownKind indicates a task kind without a worker variant.
// This is a programmer error and aborts the run drive.
var ErrUnknownKind = errors.New("unknown task kind")

// DefaultMaxDocumentChars caps the document text embedded in a prompt.
const DefaultMaxDocumentChars = 24000

// Memory is the part of the rolling memory a worker needs.
type Memory interface {
	Context() string
	Append(ctx context.Context, taskID, text string) (*models.MemorySnapshot, error)
}

// Option configures a Worker.
type Option func(*Worker)

// WithTextReader overrides how extracted document text is loaded.
func WithTextReader(read func(path string) (string, error)) Option {
	return func(w *Worker) { w.readText = read }
}

// WithMaxDocumentChars caps the document text embedded in a prompt.
func WithMaxDocumentChars(n int) Option {
	return func(w *Worker) { w.maxDocChars = n }
}

// Worker processes tasks of one kind.
type Worker struct {
	kind        models.TaskKind
	gen         llm.Generator
	variant     variant
	readText    func(path string) (string, error)
	maxDocChars int
}

// New returns the worker for kind.
func New(kind models.TaskKind, gen llm.Generator, opts ...Option) (*Worker, error) {
	v, ok := variants[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	w := &Worker{
		kind:        kind,
		gen:         gen,
		variant:     v,
		readText:    readFile,
		maxDocChars: DefaultMaxDocumentChars,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Kind returns the task kind this worker handles.
func (w *Worker) Kind() models.TaskKind {
	return w.kind
}

// Process runs one task. A malformed reply returns a best-effort result
// carrying ParseError together with an error wrapping llm.ErrMalformedReply.
func (w *Worker) Process(ctx context.Context, taskID string, payload models.TaskPayload, mem Memory) (*models.TaskResult, error) {
	in := promptInput{
		Payload: &payload,
		Memory:  mem.Context(),
	}
	if payload.TextPath != "" {
		text, err := w.readText(payload.TextPath)
		if err != nil {
			return nil, fmt.Errorf("read document text: %w", err)
		}
		in.Text = clip(text, w.maxDocChars)
	}
	in.PrevText = clip(payload.PrevText, w.maxDocChars)

	reply, err := w.gen.Generate(ctx, w.variant.system(&payload), w.variant.user(in))
	if err != nil {
		return nil, err
	}

	result, err := w.variant.decode(reply, &payload)
	if err != nil {
		slog.Warn("worker reply rejected", "task_id", taskID, "kind", w.kind, "error", err)
		return &models.TaskResult{Raw: reply, ParseError: err.Error()}, err
	}
	result.Raw = reply

	if _, err := mem.Append(ctx, taskID, w.variant.memoryText(&payload, result)); err != nil {
		return result, fmt.Errorf("append memory: %w", err)
	}
	return result, nil
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// clip keeps the leading limit runes of s.
func clip(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + "\n[...]"
		}
		n++
	}
	return s
}

// promptInput is everything a variant may embed in its instructions.
type promptInput struct {
	Payload  *models.TaskPayload
	Text     string
	PrevText string
	Memory   string
}

// context renders the sections shared by all document variants.
func (in promptInput) context() string {
	var b strings.Builder
	p := in.Payload
	fmt.Fprintf(&b, "Question: %s\n", p.Question)
	if p.Intent != "" {
		fmt.Fprintf(&b, "Intent: %s\n", p.Intent)
	}
	if in.Memory != "" {
		fmt.Fprintf(&b, "\nNotes so far:\n%s\n", in.Memory)
	}
	if len(p.History) > 0 {
		b.WriteString("\nEarlier results in this run:\n")
		for _, h := range p.History {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	if in.PrevText != "" {
		fmt.Fprintf(&b, "\nPrevious document (%s):\n%s\n", formatDate(p.PrevDate), in.PrevText)
	}
	if p.DocumentID != "" {
		fmt.Fprintf(&b, "\nCurrent document %q (%s):\n%s\n", p.Filename, formatDate(p.DocumentDate), in.Text)
	}
	return b.String()
}
