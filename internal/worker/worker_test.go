package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/docagent/internal/llm"
	"github.com/raphaelgruber/docagent/internal/memory"
	"github.com/raphaelgruber/docagent/internal/models"
	"github.com/raphaelgruber/docagent/internal/store"
)

// scriptedGenerator returns a fixed reply and records the prompts it saw.
type scriptedGenerator struct {
	reply  string
	err    error
	system string
	user   string
}

func (g *scriptedGenerator) Generate(_ context.Context, system, user string) (string, error) {
	g.system, g.user = system, user
	return g.reply, g.err
}

func newMemory(t *testing.T) (*memory.Memory, *store.FileStore) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	mem, err := memory.Create(context.Background(), st, "mem", 1000, models.StrategyTruncate)
	require.NoError(t, err)
	return mem, st
}

func writeText(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New("poetry", &scriptedGenerator{})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestScoringWorker(t *testing.T) {
	mem, st := newMemory(t)
	gen := &scriptedGenerator{reply: "```json\n{\"index_name\":\"hawkishness\",\"score\":0.4,\"quotes\":[\"rates up\"],\"rationale\":\"tighter\"}\n```"}
	w, err := New(models.KindQuantify, gen)
	require.NoError(t, err)

	payload := models.TaskPayload{
		DocumentID:   "d2",
		Filename:     "march.txt",
		DocumentDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		TextPath:     writeText(t, "We raise rates."),
		Question:     "How hawkish?",
		IndexName:    "hawkishness",
		PrevText:     "We hold rates.",
		PrevDate:     time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		History:      []string{"feb.txt: hawkishness = 0.10"},
	}
	res, err := w.Process(context.Background(), "t2", payload, mem)
	require.NoError(t, err)

	require.NotNil(t, res.Score)
	assert.InDelta(t, 0.4, *res.Score, 1e-9)
	assert.Equal(t, "hawkishness", res.IndexName)
	assert.Equal(t, []string{"rates up"}, res.Quotes)
	assert.NotEmpty(t, res.Raw)

	assert.Contains(t, gen.system, `"hawkishness"`)
	assert.Contains(t, gen.user, "We raise rates.")
	assert.Contains(t, gen.user, "Previous document (2024-02-01)")
	assert.Contains(t, gen.user, "feb.txt: hawkishness = 0.10")

	assert.Contains(t, mem.Context(), "march.txt: hawkishness = 0.40")
	snaps, err := st.ListSnapshots(context.Background(), "mem")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "t2", snaps[0].TaskID)
}

func TestMalformedReplies(t *testing.T) {
	tests := []struct {
		name  string
		kind  models.TaskKind
		reply string
	}{
		{"not json", models.KindQuantify, "I think it is fairly hawkish."},
		{"score out of range", models.KindQuantify, `{"index_name":"x","score":1.5}`},
		{"score missing", models.KindStatement, `{"index_name":"x","changes":[]}`},
		{"empty answer", models.KindResearch, `{"answer":"  "}`},
		{"empty article", models.KindWriting, `{"title":"t"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem, _ := newMemory(t)
			w, err := New(tt.kind, &scriptedGenerator{reply: tt.reply})
			require.NoError(t, err)

			res, err := w.Process(context.Background(), "t1", models.TaskPayload{Question: "q", IndexName: "x"}, mem)
			require.ErrorIs(t, err, llm.ErrMalformedReply)
			require.NotNil(t, res)
			assert.NotEmpty(t, res.ParseError)
			assert.Equal(t, tt.reply, res.Raw)
			assert.Empty(t, mem.Context(), "malformed replies leave memory untouched")
		})
	}
}

func TestUpstreamFailurePropagates(t *testing.T) {
	mem, _ := newMemory(t)
	w, err := New(models.KindResearch, &scriptedGenerator{err: llm.ErrTimeout})
	require.NoError(t, err)

	res, err := w.Process(context.Background(), "t1", models.TaskPayload{Question: "q"}, mem)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, llm.ErrTimeout)
}

func TestMissingTextFails(t *testing.T) {
	mem, _ := newMemory(t)
	w, err := New(models.KindResearch, &scriptedGenerator{reply: `{"answer":"a"}`},
		WithTextReader(func(string) (string, error) { return "", errors.New("gone") }))
	require.NoError(t, err)

	_, err = w.Process(context.Background(), "t1", models.TaskPayload{TextPath: "/nope", Question: "q"}, mem)
	assert.ErrorContains(t, err, "read document text")
}

func TestWritingWorkerListsDocuments(t *testing.T) {
	mem, _ := newMemory(t)
	gen := &scriptedGenerator{reply: `{"title":"Rates in 2024","article":"Rates rose [d1][d2].","references":["d1","d2"]}`}
	w, err := New(models.KindWriting, gen)
	require.NoError(t, err)

	payload := models.TaskPayload{
		Question: "What happened to rates?",
		Documents: map[string]models.DocumentRef{
			"d2": {Filename: "b.txt", Date: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
			"d1": {Filename: "a.txt", Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
	}
	res, err := w.Process(context.Background(), "tw", payload, mem)
	require.NoError(t, err)
	assert.Equal(t, "Rates in 2024", res.Title)
	assert.Equal(t, []string{"d1", "d2"}, res.References)
	assert.Less(t, strings.Index(gen.user, "d1: a.txt"), strings.Index(gen.user, "d2: b.txt"))
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 5))
	assert.Equal(t, "ab\n[...]", clip("abcdef", 2))
	assert.Equal(t, "abcdef", clip("abcdef", 0))
}
