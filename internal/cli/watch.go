package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/docagent/internal/models"
)

var watchRunID string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream document, task and run transitions",
	Long: `Connect to the server's event stream and print transitions as they happen.

Examples:
  docagent watch
  docagent watch --run 3f2a...`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchRunID, "run", "", "only show events of this run")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := apiClient.Watch(ctx, func(e models.Event) error {
		if watchRunID != "" && e.RunID != watchRunID && e.ID != watchRunID {
			return nil
		}
		fmt.Println(formatEvent(e))
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func formatEvent(e models.Event) string {
	line := fmt.Sprintf("%s %-8s %-36s %s", e.At.Format("15:04:05"), e.Kind, e.ID, e.Status)
	if e.Error != "" {
		line += ": " + e.Error
	}
	return line
}
