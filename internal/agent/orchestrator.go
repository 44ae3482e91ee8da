package agent

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/docagent/internal/llm"
	"github.com/raphaelgruber/docagent/internal/models"
	"github.com/raphaelgruber/docagent/internal/store"
)

// Plan is the outcome of the intent phase.
type Plan struct {
	Name      string `json:"name"`
	Intent    string `json:"intent"`
	IndexName string `json:"index_name"`
}

// Orchestrator turns a user query into a run plan and its tasks.
type Orchestrator struct {
	gen      llm.Generator
	docs     store.DocumentStore
	readText func(path string) (string, error)
}

// NewOrchestrator creates an orchestrator over the document store.
func NewOrchestrator(gen llm.Generator, docs store.DocumentStore) *Orchestrator {
	return &Orchestrator{gen: gen, docs: docs, readText: readFile}
}

// kindFor maps an agent type to the worker variant of its document tasks.
func kindFor(t models.AgentType) (models.TaskKind, error) {
	switch t {
	case models.AgentIndex:
		return models.KindQuantify, nil
	case models.AgentResearch:
		return models.KindResearch, nil
	case models.AgentStatement:
		return models.KindStatement, nil
	}
	return "", fmt.Errorf("%w: unknown agent type %q", models.ErrValidation, t)
}

func needsIndex(t models.AgentType) bool {
	return t == models.AgentIndex || t == models.AgentStatement
}

const intentSystemPrompt = `You plan a document analysis run from a user request.
Reply with a single JSON object and nothing else:
{"name": "<short display name, at most 6 words>", "intent": "<what every analysis step should look for>", "index_name": "<snake_case series name>"}`

// Intent asks the reasoning service for the run name, intent and index
// name. A malformed reply falls back to values derived from the query;
// an upstream failure is returned.
func (o *Orchestrator) Intent(ctx context.Context, agentType models.AgentType, query string) (Plan, error) {
	user := fmt.Sprintf("Agent type: %s\nRequest: %s", agentType, query)
	if !needsIndex(agentType) {
		user += "\nThis run produces no scores; index_name may be empty."
	}

	reply, err := o.gen.Generate(ctx, intentSystemPrompt, user)
	if err != nil {
		return Plan{}, fmt.Errorf("intent: %w", err)
	}

	plan, err := llm.ParseReply[Plan](reply)
	if err != nil {
		slog.Warn("intent reply malformed, deriving plan from query", "error", err)
		plan = Plan{}
	}
	plan.Name = strings.TrimSpace(plan.Name)
	plan.Intent = strings.TrimSpace(plan.Intent)
	plan.IndexName = strings.TrimSpace(plan.IndexName)

	if plan.Name == "" {
		plan.Name = fallbackName(query)
	}
	if plan.Intent == "" {
		plan.Intent = query
	}
	if needsIndex(agentType) {
		if plan.IndexName == "" {
			plan.IndexName = slug(query)
		}
	} else {
		plan.IndexName = ""
	}
	return plan, nil
}

func fallbackName(query string) string {
	words := strings.Fields(query)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	out := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "_"), "_")
	if len(out) > 40 {
		out = strings.TrimRight(out[:40], "_")
	}
	if out == "" {
		return "index"
	}
	return out
}

// FanOut builds one task per usable document, ordered by best known date,
// plus the trailing writing task for research runs.
func (o *Orchestrator) FanOut(ctx context.Context, run *models.AgentRun) ([]models.AgentTask, []models.TaskDetail, error) {
	kind, err := kindFor(run.Type)
	if err != nil {
		return nil, nil, err
	}

	all, err := o.docs.ListDocuments(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list documents: %w", err)
	}
	docs := make([]models.DocumentTask, 0, len(all))
	for _, d := range all {
		if d.HasText() {
			docs = append(docs, d)
		}
	}
	if len(docs) == 0 {
		return nil, nil, fmt.Errorf("%w: no processed documents to analyze", models.ErrValidation)
	}
	slices.SortStableFunc(docs, func(a, b models.DocumentTask) int {
		if c := a.BestDate().Compare(b.BestDate()); c != 0 {
			return c
		}
		return cmp.Compare(a.DisplayOrder, b.DisplayOrder)
	})

	now := run.CreatedAt
	tasks := make([]models.AgentTask, 0, len(docs)+1)
	details := make([]models.TaskDetail, 0, len(docs)+1)
	for i, doc := range docs {
		payload := models.TaskPayload{
			DocumentID:   doc.ID,
			Filename:     doc.Filename,
			DocumentDate: doc.BestDate(),
			TextPath:     doc.Result.TextPath,
			Question:     run.Query,
			Intent:       run.Intent,
			IndexName:    run.IndexName,
		}
		if i > 0 {
			prev := docs[i-1]
			payload.PrevDocumentID = prev.ID
			payload.PrevDate = prev.BestDate()
			text, err := o.readText(prev.Result.TextPath)
			if err != nil {
				slog.Warn("preceding document text unavailable", "document_id", prev.ID, "error", err)
			}
			payload.PrevText = text
		}
		task, detail := newTask(run.ID, i, kind, doc.ID, payload, now)
		tasks = append(tasks, task)
		details = append(details, detail)
	}

	if run.Type == models.AgentResearch {
		refs := make(map[string]models.DocumentRef, len(docs))
		for _, d := range docs {
			refs[d.ID] = models.DocumentRef{Filename: d.Filename, Date: d.BestDate()}
		}
		payload := models.TaskPayload{
			Question:  run.Query,
			Intent:    run.Intent,
			Documents: refs,
		}
		task, detail := newTask(run.ID, len(docs), models.KindWriting, "", payload, now)
		tasks = append(tasks, task)
		details = append(details, detail)
	}
	return tasks, details, nil
}

func newTask(runID string, position int, kind models.TaskKind, docID string, payload models.TaskPayload, now time.Time) (models.AgentTask, models.TaskDetail) {
	id := uuid.New().String()
	return models.AgentTask{
			ID:         id,
			RunID:      runID,
			Position:   position,
			Kind:       kind,
			Status:     models.TaskPending,
			DocumentID: docID,
			CreatedAt:  now,
		}, models.TaskDetail{
			TaskID:  id,
			RunID:   runID,
			Payload: payload,
		}
}

func readFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("no text path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
