package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/docagent/internal/metrics"
	"github.com/raphaelgruber/docagent/internal/server"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server statistics",
	Long: `Show ingestion, agent and runtime statistics of the server.

Examples:
  docagent stats`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	stats, err := apiClient.Stats(ctx)
	if err != nil {
		return fmt.Errorf("get server stats: %w", err)
	}
	printServerStats(stats)
	return nil
}

// printServerStats displays server runtime statistics.
func printServerStats(stats *server.StatsResponse) {
	fmt.Printf("Server Statistics (in-memory, since restart)\n")
	fmt.Printf("═══════════════════════════════════════════════\n")
	fmt.Printf("Uptime: %.1f seconds\n", stats.Metrics.UptimeSeconds)
	fmt.Printf("Watchers: %d\n", stats.Watchers)

	in := stats.Ingest
	paused := ""
	if in.Paused {
		paused = " (paused)"
	}
	fmt.Printf("\nIngestion%s:\n", paused)
	fmt.Printf("  Workers: %d, Queued: %d, In flight: %d\n", in.Workers, in.Queued, in.InFlight)
	fmt.Printf("  Processed: %d, Failed: %d\n", in.Processed, in.Failed)

	ag := stats.Agents
	fmt.Printf("\nAgents:\n")
	fmt.Printf("  Runs started: %d, deleted: %d, active: %d\n", ag.RunsStarted, ag.RunsDeleted, ag.ActiveDrives)
	fmt.Printf("  Tasks completed: %d, failed: %d\n", ag.TasksCompleted, ag.TasksFailed)

	m := stats.Metrics
	if len(m.Models) > 0 {
		fmt.Printf("\nLLM Calls:\n")
		for _, mod := range m.Models {
			fmt.Printf("  %s\n", mod.Model)
			printTiming("    ", mod.TimingSnapshot)
			fmt.Printf("    Tokens: in %d, out %d\n", mod.InputTokens, mod.OutputTokens)
		}
	}

	if m.Documents != nil {
		fmt.Printf("\nDocument Processing:\n")
		printTiming("  ", *m.Documents)
	}

	if len(m.AgentTasks) > 0 {
		fmt.Printf("\nAgent Tasks:\n")
		for _, k := range m.AgentTasks {
			fmt.Printf("  %s\n", k.Kind)
			printTiming("    ", k.TimingSnapshot)
		}
	}

	if m.Compactions != nil {
		fmt.Printf("\nMemory Compaction:\n")
		printTiming("  ", *m.Compactions)
	}
}

// printTiming displays call counts and timing for one kind of work.
func printTiming(indent string, t metrics.TimingSnapshot) {
	fmt.Printf("%sCalls: %d, Failed: %d\n", indent, t.Count, t.Failed)
	fmt.Printf("%sTime: avg %.1fms, min %dms, max %dms\n", indent, t.AvgTimeMs, t.MinTimeMs, t.MaxTimeMs)
}
