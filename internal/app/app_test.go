package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/docagent/internal/config"
	"github.com/raphaelgruber/docagent/internal/models"
)

type echoLLM struct{}

func (echoLLM) Generate(context.Context, string, string) (string, error) {
	return "summary", nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		DataDir:         t.TempDir(),
		Store:           config.StoreFile,
		IngestWorkers:   1,
		MemoryMaxLength: 1000,
		MemoryStrategy:  models.StrategyTruncate,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppServesAndPersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(ctx, cfg, discard(), Options{Generator: echoLLM{}})
	require.NoError(t, err)
	srv := httptest.NewServer(a.Handler())

	body, _ := json.Marshal(map[string]string{"filename": "a.txt", "content": "hello"})
	resp, err := http.Post(srv.URL+"/documents", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Eventually(t, func() bool {
		docs, err := a.ingest.ListTasks(ctx)
		return err == nil && len(docs) == 1 && docs[0].Status == models.DocumentCompleted
	}, 5*time.Second, 20*time.Millisecond)

	srv.Close()
	require.NoError(t, a.Close(ctx))

	b, err := New(ctx, cfg, discard(), Options{Generator: echoLLM{}})
	require.NoError(t, err)
	defer b.Close(ctx)

	docs, err := b.ingest.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a.txt", docs[0].Filename)
}

func TestWipeRemovesFileState(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(ctx, cfg, discard(), Options{Generator: echoLLM{}})
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))
	_, err = a.ingest.Add(ctx, "a.txt", src)
	require.NoError(t, err)
	require.NoError(t, a.Close(ctx))

	b, err := New(ctx, cfg, discard(), Options{Generator: echoLLM{}, Wipe: true})
	require.NoError(t, err)
	defer b.Close(ctx)

	docs, err := b.ingest.ListTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestUnsupportedStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = "postgres"
	_, err := New(context.Background(), cfg, discard(), Options{Generator: echoLLM{}})
	assert.ErrorContains(t, err, "unsupported store")
}
