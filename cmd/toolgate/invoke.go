package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/pipeline"
	"github.com/jkaninda/toolgate/internal/security"
)

var (
	invokeFile    string
	invokeUser    string
	invokeTrust   string
	invokeGrants  []string
	invokeSession string
)

var invokeCmd = &cobra.Command{
	Use:   "invoke [tool] [key=value ...]",
	Short: "Invoke a tool locally through the full mediation pipeline",
	Long: `Invoke runs one tool call through validation, authorization, rate limiting,
sandboxing and audit, then prints the response as JSON.

Parameters are key=value pairs; values that parse as JSON (true, 3, ["a"])
are passed typed, anything else as a string. Alternatively pass a complete
request document with --file (- for stdin).

Exit codes:
  0   success
  65  invalid request or path
  66  path does not exist
  69  tool unknown, rate limited or timed out
  74  tool execution failed
  77  denied by policy
  78  configuration error`,
	Example: `  toolgate invoke list_directory path=src recursive=true max_depth=2
  echo '{"tool_id":"list_directory","parameters":{"path":"."}}' | toolgate invoke -f -`,
	RunE: runInvoke,
}

func init() {
	f := invokeCmd.Flags()
	f.StringVarP(&invokeFile, "file", "f", "", "read the request document from a file (- for stdin)")
	f.StringVar(&invokeUser, "user", "", "user id to run as (default: $USER)")
	f.StringVar(&invokeTrust, "trust", "", "trust level: untrusted, community, verified, system (default: security.default_trust)")
	f.StringArrayVar(&invokeGrants, "grant", nil, "permission to grant, e.g. file_read:./src/** (repeatable; default: trust_defaults)")
	f.StringVar(&invokeSession, "session", "", "session id (default: random)")
}

func runInvoke(cmd *cobra.Command, args []string) error {
	body, err := invokeBody(cmd.InOrStdin(), args)
	if err != nil {
		return withCode(ExitUsage, err)
	}

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

	principal, err := localPrincipal(cfg)
	if err != nil {
		return withCode(ExitUsage, err)
	}

	resp := sc.Pipeline.InvokeJSON(ctx, principal, body)
	if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
		return withCode(ExitIOErr, err)
	}
	if resp.OK() {
		return nil
	}

	errOut := cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "%s: %s\n", resp.Error.Code, resp.Error.Message)
	if resp.Error.Suggestion != "" {
		fmt.Fprintf(errOut, "hint: %s\n", resp.Error.Suggestion)
	}
	return withCode(exitCodeFor(resp.Error.Code), nil)
}

// invokeBody builds the request document from --file or the arguments.
func invokeBody(stdin io.Reader, args []string) ([]byte, error) {
	if invokeFile != "" {
		if len(args) > 0 {
			return nil, errors.New("--file and tool arguments are mutually exclusive")
		}
		if invokeFile == "-" {
			return io.ReadAll(stdin)
		}
		return os.ReadFile(invokeFile)
	}
	if len(args) == 0 {
		return nil, errors.New("a tool name or --file is required")
	}
	params, err := parseParams(args[1:])
	if err != nil {
		return nil, err
	}
	return json.Marshal(pipeline.Request{ToolID: args[0], Parameters: params})
}

// parseParams turns key=value arguments into tool parameters.
func parseParams(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("parameter %q is not key=value", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		params[key] = v
	}
	return params, nil
}

// localPrincipal is the caller of a local invocation, from the flags with
// the configured trust defaults filling the gaps.
func localPrincipal(cfg *config.Config) (security.Context, error) {
	user := invokeUser
	if user == "" {
		user = goutils.Env("USER", "local")
	}
	session := invokeSession
	if session == "" {
		session = uuid.NewString()
	}
	return cfg.Security.Principal(config.PrincipalConfig{
		UserID:      user,
		TrustLevel:  invokeTrust,
		Permissions: invokeGrants,
	}, session)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
