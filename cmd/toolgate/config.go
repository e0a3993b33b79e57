package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/toolgate/internal/config"
)

var configFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show, validate and locate the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if src := cfg.Source(); src != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "# loaded from %s\n", src)
		} else {
			fmt.Fprintln(cmd.ErrOrStderr(), "# no config file found, using defaults")
		}
		switch configFormat {
		case "json":
			return printJSON(out, cfg.Redacted())
		case "yaml", "":
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg.Redacted())
		default:
			return withCode(ExitUsage, fmt.Errorf("unknown format %q (want yaml or json)", configFormat))
		}
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a configuration file without starting anything",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}
		path = config.Find(path)
		if path == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "no config file found; the built-in defaults are valid")
			return nil
		}
		if _, err := config.LoadFile(path); err != nil {
			if errors.Is(err, config.ErrNotFound) {
				return withCode(ExitNoInput, err)
			}
			return withCode(ExitConfig, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
		return nil
	},
}

var configPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "List the locations searched for a config file, in order",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "$TOOLGATE_CONFIG")
		for _, p := range config.SearchPaths() {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
	},
}

func init() {
	configShowCmd.Flags().StringVarP(&configFormat, "output", "o", "yaml", "output format: yaml or json")
	configCmd.AddCommand(configShowCmd, configValidateCmd, configPathsCmd)
}
