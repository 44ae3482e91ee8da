package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/docagent/internal/models"
)

var (
	indexRunID string
	indexName  string
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect and correct index scores",
}

var indexListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List index entries",
	Long: `List index entries, optionally narrowed to a run or an index name.

Examples:
  docagent index list --run 3f2a...
  docagent index list --name hawkishness`,
	Args: cobra.NoArgs,
	RunE: runIndexList,
}

var indexCorrectCmd = &cobra.Command{
	Use:   "correct <entry-id> <score>",
	Short: "Overwrite a score with a manual correction",
	Args:  cobra.ExactArgs(2),
	RunE:  runIndexCorrect,
}

func init() {
	indexListCmd.Flags().StringVar(&indexRunID, "run", "", "filter by run ID")
	indexListCmd.Flags().StringVar(&indexName, "name", "", "filter by index name")

	indexCmd.AddCommand(indexListCmd, indexCorrectCmd)
}

func runIndexList(cmd *cobra.Command, args []string) error {
	entries, err := apiClient.ListIndexEntries(context.Background(), models.IndexFilter{
		RunID:     indexRunID,
		IndexName: indexName,
	})
	if err != nil {
		return fmt.Errorf("list index entries: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No index entries.")
		return nil
	}

	fmt.Printf("%-36s %-24s %7s %-10s %s\n", "ID", "INDEX", "SCORE", "SOURCE", "DOCUMENT")
	fmt.Printf("%-36s %-24s %7s %-10s %s\n", "--", "-----", "-----", "------", "--------")
	for _, e := range entries {
		mark := ""
		if e.Corrected {
			mark = "*"
		}
		fmt.Printf("%-36s %-24s %6.3f%1s %-10s %s\n",
			e.ID, shorten(e.IndexName, 24), e.Score, mark, e.SourceKind, e.DocumentID)
	}
	return nil
}

func runIndexCorrect(cmd *cobra.Command, args []string) error {
	score, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid score %q: %w", args[1], err)
	}
	if err := models.ValidateScore(score); err != nil {
		return err
	}

	e, err := apiClient.CorrectIndexEntry(context.Background(), args[0], score)
	if err != nil {
		return fmt.Errorf("correct index entry: %w", err)
	}
	fmt.Printf("%s: %s = %.3f (corrected)\n", e.ID, e.IndexName, e.Score)
	return nil
}
