// Command pgsteward runs the PostgreSQL performance upholder: a
// long-running service that audits a live database and emits
// prioritized recommendations, or a one-shot audit for ad-hoc use.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "pgsteward",
		Short:         "Self-driving performance upholder for PostgreSQL",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to config file (YAML)")
	root.PersistentFlags().String("dsn", "", "PostgreSQL connection URL (overrides config)")

	root.AddCommand(serveCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
