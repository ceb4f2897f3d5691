// Sandpool is a session-scoped sandbox execution pool for AI agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sandpool",
	Short: "Session-scoped sandbox execution pool for AI agents",
	Long: `Sandpool runs agent task instructions in persistent per-conversation
sandboxes. Each (chat, user) pair gets an isolated session whose workdir and
variables survive across tasks, bounded by an LRU pool with idle reclamation.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
