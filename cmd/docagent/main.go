// Package main provides the docagent CLI.
package main

import (
	"os"

	"github.com/raphaelgruber/docagent/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
