package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/pipeline"
	"github.com/jkaninda/toolgate/internal/sandbox"
	"github.com/jkaninda/toolgate/internal/tools"
	"github.com/jkaninda/toolgate/internal/tools/listdir"
)

// isolateCmd is the child side of process isolation. The supervisor starts
// it with the sandbox config in the environment and the already authorized
// input on stdin; it answers with one envelope on stdout.
var isolateCmd = &cobra.Command{
	Use:    "isolate <tool>",
	Short:  "Run one tool execution inside a sandbox (internal)",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIsolate(contextOf(cmd), args[0], cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func runIsolate(ctx context.Context, toolID string, in io.Reader, out io.Writer) error {
	cfg, err := sandbox.ConfigFromEnv()
	if err != nil {
		return withCode(ExitUsage, err)
	}
	if cfg.ToolID != toolID {
		return withCode(ExitUsage, fmt.Errorf("sandbox config is for %q, not %q", cfg.ToolID, toolID))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := tools.NewRegistry()
	reg.Register(listdir.New(logger), tools.Limits{})

	if err := sandbox.ServeChild(ctx, cfg, in, out, pipeline.ChildRunner(reg)); err != nil {
		return withCode(ExitIOErr, err)
	}
	return nil
}
