// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/raphaelgruber/docagent/internal/models"
)

// timing aggregates the durations and outcomes of one kind of work.
type timing struct {
	count  int64
	failed int64
	total  time.Duration
	min    time.Duration
	max    time.Duration
}

func (t *timing) add(d time.Duration, ok bool) {
	if t.count == 0 || d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
	t.count++
	t.total += d
	if !ok {
		t.failed++
	}
}

func (t *timing) snapshot() TimingSnapshot {
	return TimingSnapshot{
		Count:     t.count,
		Failed:    t.failed,
		AvgTimeMs: float64(t.total.Milliseconds()) / float64(t.count),
		MinTimeMs: t.min.Milliseconds(),
		MaxTimeMs: t.max.Milliseconds(),
	}
}

// TimingSnapshot summarizes one kind of work.
type TimingSnapshot struct {
	Count     int64   `json:"count"`
	Failed    int64   `json:"failed"`
	AvgTimeMs float64 `json:"avg_time_ms"`
	MinTimeMs int64   `json:"min_time_ms"`
	MaxTimeMs int64   `json:"max_time_ms"`
}

// ModelSnapshot summarizes the calls made to one LLM model.
type ModelSnapshot struct {
	Model string `json:"model"`
	TimingSnapshot
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// TaskKindSnapshot summarizes the agent tasks of one kind.
type TaskKindSnapshot struct {
	Kind models.TaskKind `json:"kind"`
	TimingSnapshot
}

// Snapshot is the full set of statistics at a point in time. Empty
// categories are omitted.
type Snapshot struct {
	UptimeSeconds float64            `json:"uptime_seconds"`
	Models        []ModelSnapshot    `json:"models,omitempty"`
	Documents     *TimingSnapshot    `json:"documents,omitempty"`
	AgentTasks    []TaskKindSnapshot `json:"agent_tasks,omitempty"`
	Compactions   *TimingSnapshot    `json:"compactions,omitempty"`
}

type modelUsage struct {
	timing
	in, out int64
}

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe and a nil Collector records nothing.
type Collector struct {
	mu          sync.Mutex
	startTime   time.Time
	models      map[string]*modelUsage
	tasks       map[models.TaskKind]*timing
	documents   timing
	compactions timing
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		models:    make(map[string]*modelUsage),
		tasks:     make(map[models.TaskKind]*timing),
	}
}

// RecordLLMCall records one generate call against model. Token counts are
// zero when the provider does not report them.
func (c *Collector) RecordLLMCall(model string, d time.Duration, inputTokens, outputTokens int64, ok bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	u, found := c.models[model]
	if !found {
		u = &modelUsage{}
		c.models[model] = u
	}
	u.add(d, ok)
	u.in += inputTokens
	u.out += outputTokens
}

// RecordDocument records one finished ingestion attempt.
func (c *Collector) RecordDocument(d time.Duration, ok bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.documents.add(d, ok)
}

// RecordAgentTask records one executed agent task of the given kind.
func (c *Collector) RecordAgentTask(kind models.TaskKind, d time.Duration, ok bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	t, found := c.tasks[kind]
	if !found {
		t = &timing{}
		c.tasks[kind] = t
	}
	t.add(d, ok)
}

// RecordCompaction records one memory compression. ok is false when the
// summary failed and the memory fell back to truncation.
func (c *Collector) RecordCompaction(d time.Duration, ok bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compactions.add(d, ok)
}

// Snapshot returns a point-in-time copy of all statistics, with models and
// task kinds sorted by name.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{UptimeSeconds: time.Since(c.startTime).Seconds()}
	for name, u := range c.models {
		snap.Models = append(snap.Models, ModelSnapshot{
			Model:          name,
			TimingSnapshot: u.snapshot(),
			InputTokens:    u.in,
			OutputTokens:   u.out,
		})
	}
	sort.Slice(snap.Models, func(i, j int) bool { return snap.Models[i].Model < snap.Models[j].Model })

	for kind, t := range c.tasks {
		snap.AgentTasks = append(snap.AgentTasks, TaskKindSnapshot{Kind: kind, TimingSnapshot: t.snapshot()})
	}
	sort.Slice(snap.AgentTasks, func(i, j int) bool { return snap.AgentTasks[i].Kind < snap.AgentTasks[j].Kind })

	if c.documents.count > 0 {
		s := c.documents.snapshot()
		snap.Documents = &s
	}
	if c.compactions.count > 0 {
		s := c.compactions.snapshot()
		snap.Compactions = &s
	}
	return snap
}
