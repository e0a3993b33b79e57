// Package sandbox describes and applies isolation for tool executions.
//
// Every tool has a declarative Config produced by the Enforcer. When process
// isolation is enabled, a Supervisor runs the tool in a child process or
// container through a Sandbox backend that applies that Config.
package sandbox

import (
	"context"
	"time"
)

// Sandbox executes commands in an isolated environment.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments to execute.
	Command []string

	// WorkingDir overrides the working directory. Empty = use isolated temp dir.
	WorkingDir string

	// Env adds extra environment variables to the sanitized base set.
	Env map[string]string

	// Stdin is fed to the process. Nil = no input.
	Stdin []byte

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits

	// Policy, when set, lets backends that can enforce filesystem, network
	// and syscall restrictions do so.
	Policy *Config
}

// ResourceLimits constrains the sandboxed process.
type ResourceLimits struct {
	MaxCPUSeconds int `json:"max_cpu_seconds"` // CPU time limit (ulimit -t).
	MaxMemoryMB   int `json:"max_memory_mb"`   // Virtual memory limit in MB (ulimit -v).
}

// ExecutionResult captures the outcome of a sandboxed command.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}
