package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/sandbox"
	"github.com/jkaninda/toolgate/internal/tools"
	"github.com/jkaninda/toolgate/internal/tools/listdir"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect the isolation applied to tools",
}

var sandboxDescribeCmd = &cobra.Command{
	Use:   "describe [tool]",
	Short: "Print the sandbox config of one tool, or of every tool",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		enf, names, err := loadEnforcer()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			names = args
		}
		configs := make([]sandbox.Config, 0, len(names))
		for _, name := range names {
			c, err := enf.Describe(name)
			if err != nil {
				return withCode(ExitUnavailable, err)
			}
			configs = append(configs, c)
		}
		if len(args) == 1 {
			return printJSON(cmd.OutOrStdout(), configs[0])
		}
		return printJSON(cmd.OutOrStdout(), configs)
	},
}

var sandboxSeccompCmd = &cobra.Command{
	Use:   "seccomp <tool>",
	Short: "Print the seccomp profile a container backend would load for a tool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		enf, _, err := loadEnforcer()
		if err != nil {
			return err
		}
		c, err := enf.Describe(args[0])
		if err != nil {
			return withCode(ExitUnavailable, err)
		}
		if !c.EnableSeccomp {
			return withCode(ExitConfig, errors.New("seccomp is disabled; set enable_seccomp: true"))
		}
		profile, err := sandbox.SeccompProfile(c.Syscalls)
		if err != nil {
			return err
		}
		return writeIndented(cmd.OutOrStdout(), profile)
	},
}

func init() {
	sandboxCmd.AddCommand(sandboxDescribeCmd, sandboxSeccompCmd)
}

// loadEnforcer builds the enforcer the pipeline would use, without opening
// any audit sink.
func loadEnforcer() (*sandbox.Enforcer, []string, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.Logging, slog.LevelWarn)

	reg := tools.NewRegistry()
	reg.Register(listdir.New(logger), toolLimits(cfg))
	enf := newEnforcer(cfg)
	for _, r := range reg.All() {
		enf.Register(r.Tool.Name(), r.Tool.SandboxProfile())
	}
	return enf, reg.List(), nil
}

func writeIndented(w io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, buf.String())
	return err
}
