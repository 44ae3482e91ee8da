// Package cli provides the command-line interface for docagent.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/docagent/internal/client"
	"github.com/raphaelgruber/docagent/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose   bool
	serverURL string

	// Global config and API client
	cfg       config.Config
	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "docagent",
	Short: "Chronological document analysis agents",
	Long: `Docagent ingests a series of documents, orders them by the date they were
written, and walks them in order with LLM agents that carry a rolling memory
from one document to the next.

Agents produce a numeric index per document (index), a research article
across all documents (research), or a measure of how positions change from
one statement to the next (statement).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip client setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		url := serverURL
		if url == "" {
			url = cfg.ServerURL
		}
		apiClient = client.New(url)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default $DOCAGENT_SERVER_URL or http://localhost:8484)")

	// Add subcommands
	rootCmd.AddCommand(docsCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statsCmd)
}

// interactive reports whether stdout is a terminal, so progress UIs can run.
func interactive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// shorten truncates s to n runes for table output.
func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
