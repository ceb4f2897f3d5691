package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/nekrolabs/sandpool/internal/config"
	"github.com/nekrolabs/sandpool/internal/mcpserver"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the pool as an MCP server over stdio",
	RunE:  runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

// runMCP exposes the pool as MCP tools on stdin/stdout. Logs go to
// stderr so they never corrupt the protocol stream.
func runMCP(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := loadConfig(goutils.Env("SANDPOOL_CONFIG", mcpConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	srv := mcpserver.New(version, sc.Executor, sc.Pool, logger)
	return srv.ServeStdio()
}
