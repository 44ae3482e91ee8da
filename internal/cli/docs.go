package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/docagent/internal/models"
)

var (
	addNoWait  bool
	addRecurse bool
)

var docsCmd = &cobra.Command{
	Use:     "docs",
	Aliases: []string{"documents"},
	Short:   "Manage the document ingestion queue",
}

var docsAddCmd = &cobra.Command{
	Use:   "add <path>...",
	Short: "Upload documents for ingestion",
	Long: `Upload text or markdown files to the ingestion queue.

Directories are scanned for supported files (.txt, .text, .md, .markdown).
When run in a terminal, a progress bar follows the uploads until every
document finishes processing.

Examples:
  docagent docs add ./statements/
  docagent docs add report-2023.md report-2024.md
  docagent docs add ./statements --no-wait`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDocsAdd,
}

var docsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List documents in display order",
	Args:    cobra.NoArgs,
	RunE:    runDocsList,
}

var docsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one document",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocsShow,
}

var docsRemoveCmd = &cobra.Command{
	Use:     "rm <id>...",
	Aliases: []string{"remove"},
	Short:   "Remove documents from the queue",
	Args:    cobra.MinimumNArgs(1),
	RunE:    runDocsRemove,
}

var docsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all completed documents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := apiClient.ClearCompleted(context.Background())
		if err != nil {
			return fmt.Errorf("clear completed: %w", err)
		}
		fmt.Printf("Removed %d completed document(s)\n", n)
		return nil
	},
}

var docsReorderCmd = &cobra.Command{
	Use:   "reorder <id>...",
	Short: "Manually reorder documents",
	Long: `Place the given documents in the given order. The documents keep the
display slots they occupy; only their relative order changes. Every listed
document must have been ordered by auto-reorder first.

Examples:
  docagent docs reorder 3f2a 9c1b 77de`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDocsReorder,
}

var docsAutoReorderCmd = &cobra.Command{
	Use:   "auto-reorder",
	Short: "Order completed documents by their inferred date",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := apiClient.AutoReorder(context.Background())
		if err != nil {
			return fmt.Errorf("auto-reorder: %w", err)
		}
		fmt.Printf("Reordered %d document(s) by date\n", n)
		return nil
	},
}

var docsPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause ingestion workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.PauseIngest(context.Background()); err != nil {
			return err
		}
		fmt.Println("Ingestion paused")
		return nil
	},
}

var docsResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume ingestion workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.ResumeIngest(context.Background()); err != nil {
			return err
		}
		fmt.Println("Ingestion resumed")
		return nil
	},
}

func init() {
	docsAddCmd.Flags().BoolVar(&addNoWait, "no-wait", false, "return after uploading without following progress")
	docsAddCmd.Flags().BoolVarP(&addRecurse, "recursive", "r", true, "scan directories recursively")

	docsCmd.AddCommand(docsAddCmd, docsListCmd, docsShowCmd, docsRemoveCmd, docsClearCmd,
		docsReorderCmd, docsAutoReorderCmd, docsPauseCmd, docsResumeCmd)
}

var supportedExts = map[string]bool{".txt": true, ".text": true, ".md": true, ".markdown": true}

// collectFiles expands directories into the supported files they contain.
func collectFiles(paths []string, recursive bool) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != p && (!recursive || strings.HasPrefix(d.Name(), ".")) {
					return filepath.SkipDir
				}
				return nil
			}
			if supportedExts[strings.ToLower(filepath.Ext(path))] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", p, err)
		}
	}
	return files, nil
}

func runDocsAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	files, err := collectFiles(args, addRecurse)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no supported files found")
	}

	var ids []string
	for _, f := range files {
		id, err := apiClient.UploadFile(ctx, f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  ✗ %s: %v\n", f, err)
			continue
		}
		ids = append(ids, id)
		if verbose {
			fmt.Printf("  + %s (%s)\n", f, id)
		}
	}
	fmt.Printf("Uploaded %d/%d file(s)\n", len(ids), len(files))
	if len(ids) == 0 {
		return fmt.Errorf("all uploads failed")
	}

	if addNoWait || !interactive() {
		fmt.Println("Use 'docagent docs list' to check status.")
		return nil
	}

	poll := func(ctx context.Context) (progressState, error) {
		docs, err := apiClient.ListDocuments(ctx)
		if err != nil {
			return progressState{}, err
		}
		return documentsProgress(docs, ids), nil
	}
	return runProgress(poll, "Use 'docagent docs list' to check status.")
}

// documentsProgress summarizes the processing state of the tracked documents.
// Documents removed from the queue count as finished.
func documentsProgress(docs []models.DocumentTask, ids []string) progressState {
	byID := make(map[string]*models.DocumentTask, len(docs))
	for i := range docs {
		byID[docs[i].ID] = &docs[i]
	}

	st := progressState{Status: "processing", Total: len(ids), Unit: "documents"}
	var failed int
	for _, id := range ids {
		d, ok := byID[id]
		if !ok {
			st.Done++
			continue
		}
		switch d.Status {
		case models.DocumentCompleted:
			st.Done++
			st.Lines = append(st.Lines, fmt.Sprintf("✓ %s", d.Filename))
		case models.DocumentFailed:
			st.Done++
			failed++
			st.Lines = append(st.Lines, fmt.Sprintf("✗ %s: %s", d.Filename, d.Error))
		}
	}
	st.Finished = st.Done == st.Total
	if failed > 0 {
		st.Err = fmt.Errorf("%d of %d document(s) failed", failed, st.Total)
	}
	return st
}

func runDocsList(cmd *cobra.Command, args []string) error {
	docs, err := apiClient.ListDocuments(context.Background())
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	if len(docs) == 0 {
		fmt.Println("No documents.")
		return nil
	}

	fmt.Printf("%-5s %-36s %-30s %-10s %-10s %s\n", "ORDER", "ID", "FILENAME", "STATUS", "DATE", "PAGES")
	fmt.Printf("%-5s %-36s %-30s %-10s %-10s %s\n", "-----", "--", "--------", "------", "----", "-----")
	for _, d := range docs {
		date, pages := "-", "-"
		if d.Status == models.DocumentCompleted {
			date = d.BestDate().Format("2006-01-02")
			if d.Result != nil {
				pages = fmt.Sprintf("%d", d.Result.PageCount)
			}
		}
		fmt.Printf("%-5d %-36s %-30s %-10s %-10s %s\n",
			d.DisplayOrder, d.ID, shorten(d.Filename, 30), d.Status, date, pages)
	}
	return nil
}

func runDocsShow(cmd *cobra.Command, args []string) error {
	d, err := apiClient.GetDocument(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", d.ID)
	fmt.Printf("Filename: %s\n", d.Filename)
	fmt.Printf("Status:   %s\n", d.Status)
	fmt.Printf("Order:    %d\n", d.DisplayOrder)
	fmt.Printf("Created:  %s\n", d.CreatedAt.Format("2006-01-02 15:04:05"))
	if d.CompletedAt != nil {
		fmt.Printf("Finished: %s\n", d.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if d.AutoOrderedAt != nil {
		fmt.Printf("Ordered:  %s\n", d.AutoOrderedAt.Format("2006-01-02 15:04:05"))
	}
	if d.Error != "" {
		fmt.Printf("Error:    %s\n", d.Error)
	}
	if d.Result != nil {
		fmt.Printf("Date:     %s\n", d.BestDate().Format("2006-01-02"))
		fmt.Printf("Pages:    %d\n", d.Result.PageCount)
		fmt.Printf("Size:     %d bytes\n", d.Result.ByteSize)
		if d.Result.Summary != "" {
			fmt.Printf("\nSummary:\n%s\n", d.Result.Summary)
		}
	}
	return nil
}

func runDocsRemove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	for _, id := range args {
		removed, err := apiClient.RemoveDocument(ctx, id)
		if err != nil {
			return fmt.Errorf("remove %s: %w", id, err)
		}
		if removed {
			fmt.Printf("Removed %s\n", id)
		} else {
			fmt.Printf("Not found: %s\n", id)
		}
	}
	return nil
}

func runDocsReorder(cmd *cobra.Command, args []string) error {
	docs, err := apiClient.Reorder(context.Background(), args)
	if err != nil {
		return fmt.Errorf("reorder: %w", err)
	}
	for _, d := range docs {
		fmt.Printf("%-5d %s\n", d.DisplayOrder, d.Filename)
	}
	return nil
}
