// Toolgate mediates tool calls from AI agents and other semi-trusted callers.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbosity  int
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Toolgate: a security mediator between AI agents and the tools they call.",
	Long: `Toolgate stands between an agent and a filesystem-touching tool.
Every call is validated, authorized, rate limited, sandboxed and audited
before the tool runs. Serve it over HTTP or MCP, or invoke tools locally.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "path to config file (default: search ./toolgate.yaml, ~/.toolgate, /etc/toolgate)")
	flags.CountVarP(&verbosity, "verbose", "v", "log more (-v info, -vv debug, -vvv trace)")
	flags.BoolVarP(&quiet, "quiet", "q", false, "only log errors")

	rootCmd.AddCommand(serveCmd, invokeCmd, mcpCmd, sandboxCmd, auditCmd, configCmd, tokenCmd, isolateCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintf(os.Stderr, "toolgate: %s\n", msg)
		}
		os.Exit(exitCode(err))
	}
}
