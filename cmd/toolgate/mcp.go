package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/config"
)

var mcpUser string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the mediated tools as an MCP server over stdio",
	Long: `Mcp speaks the Model Context Protocol on stdin/stdout so an agent can
launch toolgate as a tool server. Every call runs under the principal set in
gateways.mcp.principal and goes through the full mediation pipeline.
Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpUser, "user", "", "override the principal's user id")
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, slog.LevelWarn)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	var principal config.PrincipalConfig
	if cfg.Gateways.MCP != nil {
		principal = cfg.Gateways.MCP.Principal
	}
	if mcpUser != "" {
		principal.UserID = mcpUser
	}

	g, err := buildMCPGateway(sc, principal)
	if err != nil {
		return err
	}
	if err := g.Start(ctx); err != nil {
		return withCode(ExitIOErr, err)
	}
	return nil
}
