package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/jkaninda/toolgate/internal/security"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "jkaninda/toolgate:latest"
)

// DockerConfig configures the Docker-based sandbox.
type DockerConfig struct {
	Image          string        // Image that ships the toolgate binary.
	DefaultTimeout time.Duration // Wall-clock timeout per execution.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit.
	PIDsLimit      int           // --pids-limit.
}

// DockerSandbox executes commands inside ephemeral containers through the
// docker CLI. Containers drop all capabilities, run read-only as nobody,
// get no network unless the policy allows it, and only see the paths the
// policy lists, bind-mounted at the same location.
type DockerSandbox struct {
	config DockerConfig
	logger *slog.Logger
}

var _ Sandbox = (*DockerSandbox)(nil)

// NewDockerSandbox creates a Docker-based sandbox.
func NewDockerSandbox(cfg DockerConfig, logger *slog.Logger) *DockerSandbox {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerSandbox{
		config: cfg,
		logger: logger,
	}
}

// Execute runs a command inside an ephemeral container.
func (s *DockerSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	containerName, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	memoryMB := s.config.MemoryMB
	if req.Limits.MaxMemoryMB > 0 {
		memoryMB = req.Limits.MaxMemoryMB
	}

	var seccompPath string
	if req.Policy != nil && req.Policy.EnableSeccomp {
		seccompPath, err = writeSeccompProfile(req.Policy.Syscalls)
		if err != nil {
			return nil, err
		}
		defer os.Remove(seccompPath)
	}

	args := s.buildDockerArgs(containerName, memoryMB, seccompPath, req)
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	if req.Stdin != nil {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	s.logger.Debug("docker sandbox executing",
		slog.String("container", containerName),
		slog.String("image", s.config.Image),
		slog.Any("command", req.Command),
		slog.Int("memory_mb", memoryMB),
		slog.Bool("seccomp", seccompPath != ""),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// --rm does not fire on every failure path (OOM kill, daemon restart).
	s.forceRemoveContainer(containerName)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			s.logger.Warn("docker sandbox timed out",
				slog.String("container", containerName),
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return nil, security.NewError(security.CodeExecutionTimeout,
				"sandboxed execution timed out after %s", timeout)
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("docker execution failed: %w", runErr)
		}
	}

	s.logger.Debug("docker sandbox completed",
		slog.String("container", containerName),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// buildDockerArgs constructs the docker run argument list. The command is
// not included; the caller appends it after the image.
func (s *DockerSandbox) buildDockerArgs(name string, memoryMB int, seccompPath string, req ExecutionRequest) []string {
	memoryFlag := strconv.Itoa(memoryMB) + "m"

	args := []string{
		"run", "--rm", "-i",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + strconv.FormatFloat(s.config.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(s.config.PIDsLimit),

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",

		"--env", "HOME=/tmp",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}

	if seccompPath != "" {
		args = append(args, "--security-opt", "seccomp="+seccompPath)
	}

	network := "none"
	if req.Policy != nil && !req.Policy.Network.BlockAll {
		network = "bridge"
	}
	args = append(args, "--network="+network)

	if req.Policy != nil {
		for _, p := range req.Policy.Filesystem.ReadOnly {
			args = append(args, "--volume", p+":"+p+":ro")
		}
		for _, p := range req.Policy.Filesystem.Writable {
			args = append(args, "--volume", p+":"+p+":rw")
		}
	}

	if req.WorkingDir != "" {
		args = append(args, "--workdir", req.WorkingDir)
	} else {
		args = append(args, "--workdir", "/tmp")
	}

	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}

	args = append(args, s.config.Image)
	return args
}

// forceRemoveContainer removes a container by name, best effort.
func (s *DockerSandbox) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		s.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// generateContainerName returns toolgate-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "toolgate-sbx-" + hex.EncodeToString(b), nil
}
