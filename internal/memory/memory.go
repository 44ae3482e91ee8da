// Package memory implements a bounded rolling context shared by the tasks
// of one agent run.
//
// Length is measured in runes. After every mutation the context is at most
// MaxLength runes long. Every append persists the state together with an
// immutable snapshot tagged with the task that produced it.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/raphaelgruber/docagent/internal/metrics"
	"github.com/raphaelgruber/docagent/internal/models"
	"github.com/raphaelgruber/docagent/internal/store"
)

// Summarizer compresses text to at most limit runes.
type Summarizer interface {
	Summarize(ctx context.Context, text string, limit int) (string, error)
}

// Option configures a Memory.
type Option func(*Memory)

// WithSummarizer sets the summarizer used by the compress strategy.
func WithSummarizer(s Summarizer) Option {
	return func(m *Memory) { m.summarizer = s }
}

// WithMetrics records compaction timings.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Memory) { m.metrics = c }
}

// WithClock overrides the time source for snapshot versions.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// Memory is a rolling context backed by a MemoryStore.
type Memory struct {
	mu          sync.Mutex
	store       store.MemoryStore
	summarizer  Summarizer
	metrics     *metrics.Collector
	now         func() time.Time
	state       models.MemoryState
	lastVersion int64
}

// Create initializes and persists a new empty memory.
func Create(ctx context.Context, st store.MemoryStore, id string, maxLength int, strategy models.OverflowStrategy, opts ...Option) (*Memory, error) {
	if maxLength <= 0 {
		return nil, fmt.Errorf("%w: memory max length must be positive", models.ErrValidation)
	}
	if _, err := models.ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}

	m := newMemory(st, opts)
	m.state = models.MemoryState{
		ID:        id,
		MaxLength: maxLength,
		Strategy:  strategy,
		UpdatedAt: m.now().UTC(),
	}
	if err := st.SaveMemory(ctx, &m.state); err != nil {
		return nil, fmt.Errorf("save memory: %w", err)
	}
	return m, nil
}

// Load opens an existing memory.
func Load(ctx context.Context, st store.MemoryStore, id string, opts ...Option) (*Memory, error) {
	state, err := st.GetMemory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	if state == nil {
		return nil, fmt.Errorf("%w: memory %s", store.ErrNotFound, id)
	}

	snaps, err := st.ListSnapshots(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	m := newMemory(st, opts)
	m.state = *state
	if n := len(snaps); n > 0 {
		m.lastVersion = snaps[n-1].Version
	}
	return m, nil
}

func newMemory(st store.MemoryStore, opts []Option) *Memory {
	m := &Memory{store: st, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the memory id.
func (m *Memory) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ID
}

// Context returns the current context.
func (m *Memory) Context() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Context
}

// State returns a copy of the current state.
func (m *Memory) State() models.MemoryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Append adds text produced by taskID and persists the new state plus a
// snapshot. On a persistence error the in-memory state is unchanged and the
// stored state is put back to it if the snapshot write was the one that
// failed.
func (m *Memory) Append(ctx context.Context, taskID, text string) (*models.MemorySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := join(m.state.Context, text)
	if utf8.RuneCountInString(next) > m.state.MaxLength {
		next = m.shrink(ctx, next)
	}

	state := m.state
	state.Context = next
	state.UpdatedAt = m.now().UTC()
	if err := m.store.SaveMemory(ctx, &state); err != nil {
		return nil, fmt.Errorf("save memory: %w", err)
	}

	snap := models.MemorySnapshot{
		MemoryID:  state.ID,
		TaskID:    taskID,
		Context:   state.Context,
		CreatedAt: state.UpdatedAt,
	}
	// Versions are unix-nano timestamps, bumped past the previous one so two
	// appends inside the same clock tick stay ordered.
	version := max(m.now().UnixNano(), m.lastVersion+1)
	for attempt := 0; ; attempt++ {
		snap.Version = version
		err := m.store.AppendSnapshot(ctx, &snap)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrAlreadyExists) || attempt >= 3 {
			m.rollback(ctx)
			return nil, fmt.Errorf("append snapshot: %w", err)
		}
		version++
	}
	m.state = state
	m.lastVersion = snap.Version
	return &snap, nil
}

// rollback rewrites the stored state with m.state after a failed snapshot.
// Caller must hold mu.
func (m *Memory) rollback(ctx context.Context) {
	prev := m.state
	if err := m.store.SaveMemory(context.WithoutCancel(ctx), &prev); err != nil {
		slog.Error("failed to roll back memory state", "memory_id", prev.ID, "error", err)
	}
}

// Reset replaces the context, typically with the content of a snapshot
// when a run restarts. The bound is enforced by truncation.
func (m *Memory) Reset(ctx context.Context, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.state
	state.Context = truncate(content, state.MaxLength)
	state.UpdatedAt = m.now().UTC()
	if err := m.store.SaveMemory(ctx, &state); err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	m.state = state
	return nil
}

// shrink brings text back under MaxLength using the configured strategy.
// Caller must hold mu.
func (m *Memory) shrink(ctx context.Context, text string) string {
	limit := m.state.MaxLength
	if m.state.Strategy != models.StrategyCompress || m.summarizer == nil {
		return truncate(text, limit)
	}

	start := time.Now()
	summary, err := m.summarizer.Summarize(ctx, text, max(limit/2, 1))
	m.metrics.RecordCompaction(time.Since(start), err == nil)
	if err != nil {
		slog.Warn("memory compression failed, truncating", "memory_id", m.state.ID, "error", err)
		return truncate(text, limit)
	}
	return truncate(summary, limit)
}

// truncate keeps the trailing limit runes of s.
func truncate(s string, limit int) string {
	n := utf8.RuneCountInString(s)
	if n <= limit {
		return s
	}
	drop := n - limit
	for i := range s {
		if drop == 0 {
			return s[i:]
		}
		drop--
	}
	return ""
}

func join(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	var sb strings.Builder
	sb.Grow(len(a) + len(b) + 1)
	sb.WriteString(a)
	sb.WriteByte('\n')
	sb.WriteString(b)
	return sb.String()
}
