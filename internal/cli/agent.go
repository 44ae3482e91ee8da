package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/docagent/internal/models"
)

var startFollow bool

var agentCmd = &cobra.Command{
	Use:     "agent",
	Aliases: []string{"runs"},
	Short:   "Start and manage agent runs",
}

var agentStartCmd = &cobra.Command{
	Use:   "start <index|research|statement> <query>",
	Short: "Start an agent run over all processed documents",
	Long: `Start an agent run. The query is turned into an intent and the run walks
every processed document in date order, carrying a rolling memory.

Examples:
  docagent agent start index "How hawkish is the central bank?"
  docagent agent start research "How did the outlook on inflation evolve?" --follow
  docagent agent start statement "What changed in the forward guidance?"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAgentStart,
}

var agentListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List agent runs",
	Args:    cobra.NoArgs,
	RunE:    runAgentList,
}

var agentShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentShow,
}

var agentTaskCmd = &cobra.Command{
	Use:   "task <run-id> <task-id>",
	Short: "Show one task with its input and result",
	Args:  cobra.ExactArgs(2),
	RunE:  runAgentTask,
}

var agentRegenerateCmd = &cobra.Command{
	Use:   "regenerate <run-id> <task-id>",
	Short: "Run one task again with its stored input",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.Regenerate(context.Background(), args[0], args[1]); err != nil {
			return fmt.Errorf("regenerate: %w", err)
		}
		fmt.Printf("Regenerating task %s\n", args[1])
		return nil
	},
}

var agentRestartCmd = &cobra.Command{
	Use:   "restart <run-id> <task-id>",
	Short: "Restart a run from a task, rewinding memory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.RestartFromTask(context.Background(), args[0], args[1]); err != nil {
			return fmt.Errorf("restart: %w", err)
		}
		fmt.Printf("Restarted run %s from task %s\n", args[0], args[1])
		return nil
	},
}

var agentPauseCmd = &cobra.Command{
	Use:   "pause <run-id>",
	Short: "Pause a run after its current task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.PauseRun(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Paused run %s\n", args[0])
		return nil
	},
}

var agentResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a paused run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.ResumeRun(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Resumed run %s\n", args[0])
		return nil
	},
}

var agentDeleteCmd = &cobra.Command{
	Use:     "delete <run-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a run with its tasks, memory and index entries",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deleted, err := apiClient.DeleteRun(context.Background(), args[0])
		if err != nil {
			return err
		}
		if !deleted {
			fmt.Printf("Not found: %s\n", args[0])
			return nil
		}
		fmt.Printf("Deleted run %s\n", args[0])
		return nil
	},
}

func init() {
	agentStartCmd.Flags().BoolVarP(&startFollow, "follow", "f", false, "follow run progress")

	agentCmd.AddCommand(agentStartCmd, agentListCmd, agentShowCmd, agentTaskCmd,
		agentRegenerateCmd, agentRestartCmd, agentPauseCmd, agentResumeCmd, agentDeleteCmd)
}

func runAgentStart(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	query := strings.Join(args[1:], " ")
	run, err := apiClient.StartRun(ctx, args[0], query)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	fmt.Printf("Started %s run %s\n", run.Type, run.ID)
	fmt.Printf("  Name:   %s\n", run.Name)
	fmt.Printf("  Intent: %s\n", run.Intent)
	if run.IndexName != "" {
		fmt.Printf("  Index:  %s\n", run.IndexName)
	}
	fmt.Printf("  Tasks:  %d\n", len(run.Tasks))

	hint := fmt.Sprintf("Use 'docagent agent show %s' to check status.", run.ID)
	if !startFollow || !interactive() {
		fmt.Println(hint)
		return nil
	}

	poll := func(ctx context.Context) (progressState, error) {
		r, err := apiClient.GetRun(ctx, run.ID)
		if err != nil {
			return progressState{}, err
		}
		return runState(r), nil
	}
	return runProgress(poll, hint)
}

// runState summarizes a run for the progress display.
func runState(run *models.AgentRun) progressState {
	st := progressState{Status: string(run.Status), Total: len(run.Tasks), Unit: "tasks"}
	var failed int
	for _, t := range run.Tasks {
		if t.Status.Terminal() {
			st.Done++
		}
		if t.Status == models.TaskFailed {
			failed++
			st.Lines = append(st.Lines, fmt.Sprintf("✗ task %d (%s): %s", t.Position, t.ID, t.Error))
		}
	}
	switch run.Status {
	case models.RunCompleted:
		st.Finished = true
	case models.RunFailed:
		st.Finished = st.Done == st.Total
		st.Err = fmt.Errorf("%d task(s) failed", failed)
	}
	return st
}

func runAgentList(cmd *cobra.Command, args []string) error {
	runs, err := apiClient.ListRuns(context.Background())
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs.")
		return nil
	}

	fmt.Printf("%-36s %-10s %-10s %-30s %s\n", "ID", "TYPE", "STATUS", "NAME", "CREATED")
	fmt.Printf("%-36s %-10s %-10s %-30s %s\n", "--", "----", "------", "----", "-------")
	for _, r := range runs {
		fmt.Printf("%-36s %-10s %-10s %-30s %s\n",
			r.ID, r.Type, r.Status, shorten(r.Name, 30), r.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runAgentShow(cmd *cobra.Command, args []string) error {
	run, err := apiClient.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:    %s\n", run.ID)
	fmt.Printf("Name:   %s\n", run.Name)
	fmt.Printf("Type:   %s\n", run.Type)
	fmt.Printf("Status: %s\n", run.Status)
	fmt.Printf("Query:  %s\n", run.Query)
	fmt.Printf("Intent: %s\n", run.Intent)
	if run.IndexName != "" {
		fmt.Printf("Index:  %s\n", run.IndexName)
	}
	fmt.Printf("Memory: %s\n", run.MemoryID)

	fmt.Printf("\n%-4s %-36s %-10s %-11s %s\n", "POS", "TASK", "KIND", "STATUS", "DOCUMENT")
	for _, t := range run.Tasks {
		doc := t.DocumentID
		if t.Error != "" {
			doc += "  (" + shorten(t.Error, 60) + ")"
		}
		fmt.Printf("%-4d %-36s %-10s %-11s %s\n", t.Position, t.ID, t.Kind, t.Status, doc)
	}
	return nil
}

func runAgentTask(cmd *cobra.Command, args []string) error {
	task, err := apiClient.GetTask(context.Background(), args[0], args[1])
	if err != nil {
		return err
	}

	fmt.Printf("Task:     %s (position %d)\n", task.ID, task.Position)
	fmt.Printf("Kind:     %s\n", task.Kind)
	fmt.Printf("Status:   %s\n", task.Status)
	if task.Payload.Filename != "" {
		fmt.Printf("Document: %s (%s)\n", task.Payload.Filename, task.Payload.DocumentDate.Format("2006-01-02"))
	}
	if task.Error != "" {
		fmt.Printf("Error:    %s\n", task.Error)
	}
	if len(task.Payload.History) > 0 {
		fmt.Printf("\nHistory:\n")
		for _, h := range task.Payload.History {
			fmt.Printf("  %s\n", h)
		}
	}

	r := task.Result
	if r == nil {
		return nil
	}
	fmt.Println()
	if r.Score != nil {
		fmt.Printf("Score (%s): %.3f\n", r.IndexName, *r.Score)
	}
	if r.Answer != "" {
		fmt.Printf("Answer:\n%s\n", r.Answer)
	}
	if len(r.Changes) > 0 {
		fmt.Printf("Changes:\n")
		for _, c := range r.Changes {
			fmt.Printf("  • %s\n", c)
		}
	}
	if r.Title != "" {
		fmt.Printf("# %s\n\n%s\n", r.Title, r.Article)
	}
	if len(r.References) > 0 {
		fmt.Printf("\nReferences:\n")
		for _, ref := range r.References {
			fmt.Printf("  - %s\n", ref)
		}
	}
	if len(r.Quotes) > 0 {
		fmt.Printf("Quotes:\n")
		for _, q := range r.Quotes {
			fmt.Printf("  > %s\n", q)
		}
	}
	if r.Rationale != "" {
		fmt.Printf("Rationale: %s\n", r.Rationale)
	}
	if r.ParseError != "" {
		fmt.Printf("Parse error: %s\nRaw reply:\n%s\n", r.ParseError, r.Raw)
	}
	return nil
}
