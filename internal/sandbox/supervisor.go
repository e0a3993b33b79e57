package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/jkaninda/toolgate/internal/security"
)

// EnvConfig carries the JSON-encoded Config into the isolated child.
const EnvConfig = "TOOLGATE_SANDBOX_CONFIG"

// Envelope is the single JSON document an isolated child writes to stdout.
type Envelope struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  *EnvelopeError  `json:"error,omitempty"`
}

// EnvelopeError carries a typed failure back across the process boundary.
type EnvelopeError struct {
	Code    security.Code `json:"code"`
	Message string        `json:"message"`
}

// Supervisor runs a tool inside a Sandbox backend. The child is the same
// binary started with command + tool id; it reads its Config from
// EnvConfig and its input from stdin, and answers with an Envelope.
type Supervisor struct {
	backend Sandbox
	command []string
	logger  *slog.Logger
}

// NewSupervisor creates a supervisor that starts children with command.
func NewSupervisor(backend Sandbox, command []string, logger *slog.Logger) *Supervisor {
	return &Supervisor{backend: backend, command: command, logger: logger}
}

// Run executes cfg.ToolID in isolation and returns the child's output.
func (s *Supervisor) Run(ctx context.Context, cfg Config, input []byte) (json.RawMessage, error) {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding sandbox config: %w", err)
	}
	req := ExecutionRequest{
		Command: append(slices.Clone(s.command), cfg.ToolID),
		Env:     map[string]string{EnvConfig: string(encoded)},
		Stdin:   input,
		Timeout: cfg.Timeout,
		Limits:  cfg.Limits,
		Policy:  &cfg,
	}

	res, err := s.backend.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		s.logger.WarnContext(ctx, "isolated tool exited abnormally",
			slog.String("tool_id", cfg.ToolID),
			slog.Int("exit_code", res.ExitCode),
			slog.String("stderr", tail(res.Stderr, 512)),
		)
		return nil, security.NewError(security.CodeExecutionFailed,
			"isolated %s exited with code %d", cfg.ToolID, res.ExitCode)
	}

	var env Envelope
	if err := json.Unmarshal([]byte(res.Stdout), &env); err != nil {
		return nil, security.NewError(security.CodeExecutionFailed,
			"isolated %s returned malformed output", cfg.ToolID).WithCause(err)
	}
	if env.Error != nil {
		return nil, security.NewError(env.Error.Code, "%s", env.Error.Message)
	}
	return env.Output, nil
}

// ConfigFromEnv reads the Config the supervisor passed to this process.
func ConfigFromEnv() (Config, error) {
	raw := os.Getenv(EnvConfig)
	if raw == "" {
		return Config{}, fmt.Errorf("%s is not set", EnvConfig)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding %s: %w", EnvConfig, err)
	}
	return cfg, nil
}

// ServeChild is the child side of Supervisor.Run: it reads the input from
// r, calls run, and writes exactly one Envelope to w. Tool failures are
// reported in the envelope; only I/O failures are returned.
func ServeChild(ctx context.Context, cfg Config, r io.Reader, w io.Writer,
	run func(ctx context.Context, cfg Config, input []byte) (json.RawMessage, error)) error {
	input, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	var env Envelope
	out, runErr := run(ctx, cfg, input)
	if runErr != nil {
		se := security.AsError(runErr)
		env.Error = &EnvelopeError{Code: se.Code, Message: se.Message}
	} else {
		env.Output = out
	}
	return json.NewEncoder(w).Encode(env)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
