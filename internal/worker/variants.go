package worker

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/raphaelgruber/docagent/internal/llm"
	"github.com/raphaelgruber/docagent/internal/models"
)

// variant is the kind-specific half of a worker: instructions in, typed
// result out.
type variant interface {
	system(p *models.TaskPayload) string
	user(in promptInput) string
	decode(reply string, p *models.TaskPayload) (*models.TaskResult, error)
	memoryText(p *models.TaskPayload, r *models.TaskResult) string
}

var variants = map[models.TaskKind]variant{
	models.KindQuantify:  scoring{},
	models.KindResearch:  research{},
	models.KindStatement: statement{},
	models.KindWriting:   writing{},
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "undated"
	}
	return t.Format("2006-01-02")
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", llm.ErrMalformedReply, fmt.Sprintf(format, args...))
}

// =============================================================================
// SCORING
// =============================================================================

type scoringReply struct {
	IndexName string   `json:"index_name"`
	Score     *float64 `json:"score"`
	Quotes    []string `json:"quotes"`
	Rationale string   `json:"rationale"`
}

type scoring struct{}

func (scoring) system(p *models.TaskPayload) string {
	return fmt.Sprintf(`You score one document on the index %q.
A score is a decimal between -1 and 1.
Compare with the previous document when it is given and explain what moved the score.
Reply with a single JSON object and nothing else:
{"index_name": %q, "score": <number>, "quotes": [<verbatim quotes>], "rationale": "<why>"}
The index_name must be exactly %q.`, p.IndexName, p.IndexName, p.IndexName)
}

func (scoring) user(in promptInput) string {
	return in.context()
}

func (scoring) decode(reply string, p *models.TaskPayload) (*models.TaskResult, error) {
	r, err := llm.ParseReply[scoringReply](reply)
	if err != nil {
		return nil, err
	}
	score, err := checkScore(r.Score)
	if err != nil {
		return nil, err
	}
	name := r.IndexName
	if name == "" {
		name = p.IndexName
	}
	return &models.TaskResult{
		IndexName: name,
		Score:     &score,
		Quotes:    r.Quotes,
		Rationale: r.Rationale,
	}, nil
}

func (scoring) memoryText(p *models.TaskPayload, r *models.TaskResult) string {
	return fmt.Sprintf("[%s] %s: %s = %.2f. %s", formatDate(p.DocumentDate), p.Filename, r.IndexName, *r.Score, r.Rationale)
}

func checkScore(score *float64) (float64, error) {
	if score == nil {
		return 0, malformed("missing score")
	}
	if err := models.ValidateScore(*score); err != nil {
		return 0, fmt.Errorf("%w: %w", llm.ErrMalformedReply, err)
	}
	return *score, nil
}

// =============================================================================
// RESEARCH
// =============================================================================

type researchReply struct {
	Answer    string   `json:"answer"`
	Quotes    []string `json:"quotes"`
	Rationale string   `json:"rationale"`
}

type research struct{}

func (research) system(*models.TaskPayload) string {
	return `You research one document in a series to answer the user's question.
Use the notes so far to connect findings across documents.
Reply with a single JSON object and nothing else:
{"answer": "<what this document contributes>", "quotes": [<verbatim quotes>], "rationale": "<how you got there>"}`
}

func (research) user(in promptInput) string {
	return in.context()
}

func (research) decode(reply string, _ *models.TaskPayload) (*models.TaskResult, error) {
	r, err := llm.ParseReply[researchReply](reply)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(r.Answer) == "" {
		return nil, malformed("missing answer")
	}
	return &models.TaskResult{
		Answer:    r.Answer,
		Quotes:    r.Quotes,
		Rationale: r.Rationale,
	}, nil
}

func (research) memoryText(p *models.TaskPayload, r *models.TaskResult) string {
	return fmt.Sprintf("[%s] %s: %s", formatDate(p.DocumentDate), p.Filename, r.Answer)
}

// =============================================================================
// STATEMENT CHANGE
// =============================================================================

type statementReply struct {
	IndexName string   `json:"index_name"`
	Score     *float64 `json:"score"`
	Changes   []string `json:"changes"`
	Quotes    []string `json:"quotes"`
	Rationale string   `json:"rationale"`
}

type statement struct{}

func (statement) system(p *models.TaskPayload) string {
	return fmt.Sprintf(`You compare a statement with the previous one in a series and measure how its position changed on %q.
A score is a decimal between -1 (strongly negative shift) and 1 (strongly positive shift); 0 means unchanged.
Reply with a single JSON object and nothing else:
{"index_name": %q, "score": <number>, "changes": [<changed passages>], "quotes": [<verbatim quotes>], "rationale": "<why>"}
The index_name must be exactly %q.`, p.IndexName, p.IndexName, p.IndexName)
}

func (statement) user(in promptInput) string {
	return in.context()
}

func (statement) decode(reply string, p *models.TaskPayload) (*models.TaskResult, error) {
	r, err := llm.ParseReply[statementReply](reply)
	if err != nil {
		return nil, err
	}
	score, err := checkScore(r.Score)
	if err != nil {
		return nil, err
	}
	name := r.IndexName
	if name == "" {
		name = p.IndexName
	}
	return &models.TaskResult{
		IndexName: name,
		Score:     &score,
		Changes:   r.Changes,
		Quotes:    r.Quotes,
		Rationale: r.Rationale,
	}, nil
}

func (statement) memoryText(p *models.TaskPayload, r *models.TaskResult) string {
	text := fmt.Sprintf("[%s] %s: %s shift %.2f", formatDate(p.DocumentDate), p.Filename, r.IndexName, *r.Score)
	if len(r.Changes) > 0 {
		text += "; " + strings.Join(r.Changes, "; ")
	}
	return text
}

// =============================================================================
// WRITING
// =============================================================================

type writingReply struct {
	Title      string   `json:"title"`
	Article    string   `json:"article"`
	References []string `json:"references"`
}

type writing struct{}

func (writing) system(*models.TaskPayload) string {
	return `You write the final research article from the notes gathered over a series of documents.
Reference documents by their id.
Reply with a single JSON object and nothing else:
{"title": "<title>", "article": "<markdown article>", "references": [<document ids>]}`
}

func (writing) user(in promptInput) string {
	var b strings.Builder
	b.WriteString(in.context())
	if len(in.Payload.Documents) > 0 {
		b.WriteString("\nDocuments:\n")
		ids := make([]string, 0, len(in.Payload.Documents))
		for id := range in.Payload.Documents {
			ids = append(ids, id)
		}
		slices.SortFunc(ids, func(a, c string) int {
			if d := in.Payload.Documents[a].Date.Compare(in.Payload.Documents[c].Date); d != 0 {
				return d
			}
			return strings.Compare(a, c)
		})
		for _, id := range ids {
			ref := in.Payload.Documents[id]
			fmt.Fprintf(&b, "- %s: %s (%s)\n", id, ref.Filename, formatDate(ref.Date))
		}
	}
	return b.String()
}

func (writing) decode(reply string, _ *models.TaskPayload) (*models.TaskResult, error) {
	r, err := llm.ParseReply[writingReply](reply)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(r.Article) == "" {
		return nil, malformed("missing article")
	}
	return &models.TaskResult{
		Title:      r.Title,
		Article:    r.Article,
		References: r.References,
	}, nil
}

func (writing) memoryText(_ *models.TaskPayload, r *models.TaskResult) string {
	return "Article written: " + r.Title
}
