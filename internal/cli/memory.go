package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect rolling memory snapshots",
}

var memoryListCmd = &cobra.Command{
	Use:     "list <memory-id>",
	Aliases: []string{"ls"},
	Short:   "List the snapshots of a memory",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snaps, err := apiClient.ListSnapshots(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("list snapshots: %w", err)
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}
		fmt.Printf("%-8s %-36s %-8s %s\n", "VERSION", "TASK", "LENGTH", "CREATED")
		for _, s := range snaps {
			fmt.Printf("%-8d %-36s %-8d %s\n", s.Version, s.TaskID, len(s.Context), s.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var memoryShowCmd = &cobra.Command{
	Use:   "show <memory-id> <version>",
	Short: "Print the context of one snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		s, err := apiClient.GetSnapshot(context.Background(), args[0], version)
		if err != nil {
			return err
		}
		fmt.Printf("Memory %s, version %d (task %s)\n\n%s\n", s.MemoryID, s.Version, s.TaskID, s.Context)
		return nil
	},
}

func init() {
	memoryCmd.AddCommand(memoryListCmd, memoryShowCmd)
}
