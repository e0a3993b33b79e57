package sandbox

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"testing"
	"time"
)

// testImage is a small image with a POSIX shell, used for integration tests.
const testImage = "alpine:3.20"

func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping", testImage)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDockerArgsFollowPolicy(t *testing.T) {
	sbx := NewDockerSandbox(DockerConfig{Image: "img", PIDsLimit: 32, CPUCores: 0.5}, quietLogger())
	policy := &Config{
		Filesystem: FilesystemPolicy{ReadOnly: []string{"/workspace"}, Writable: []string{"/scratch"}},
		Network:    NetworkPolicy{BlockAll: true},
	}
	args := sbx.buildDockerArgs("toolgate-sbx-test", 128, "/tmp/prof.json", ExecutionRequest{
		Env:    map[string]string{"K": "V"},
		Policy: policy,
	})

	for _, want := range []string{
		"--cap-drop=ALL",
		"--read-only",
		"--network=none",
		"--memory=128m",
		"--pids-limit=32",
		"--cpus=0.50",
		"/workspace:/workspace:ro",
		"/scratch:/scratch:rw",
		"seccomp=/tmp/prof.json",
		"K=V",
	} {
		if !slices.Contains(args, want) {
			t.Errorf("missing %q in %v", want, args)
		}
	}
	if args[len(args)-1] != "img" {
		t.Errorf("image must be the last argument, got %q", args[len(args)-1])
	}
}

func TestDockerArgsNetworkAllowed(t *testing.T) {
	sbx := NewDockerSandbox(DockerConfig{}, quietLogger())
	args := sbx.buildDockerArgs("n", 64, "", ExecutionRequest{Policy: &Config{Network: NetworkPolicy{BlockAll: false}}})
	if !slices.Contains(args, "--network=bridge") {
		t.Errorf("expected bridge network, got %v", args)
	}
	args = sbx.buildDockerArgs("n", 64, "", ExecutionRequest{})
	if !slices.Contains(args, "--network=none") {
		t.Errorf("no policy must mean no network, got %v", args)
	}
}

func TestDockerSandbox_Stdin(t *testing.T) {
	skipIfNoDocker(t)
	sbx := NewDockerSandbox(DockerConfig{Image: testImage, DefaultTimeout: 30 * time.Second, MemoryMB: 64}, quietLogger())

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"cat"},
		Stdin:   []byte("hello"),
		Policy:  &Config{Network: NetworkPolicy{BlockAll: true}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Stdout != "hello" {
		t.Errorf("stdout = %q, want hello", result.Stdout)
	}
}

func TestDockerSandbox_NonRoot(t *testing.T) {
	skipIfNoDocker(t)
	sbx := NewDockerSandbox(DockerConfig{Image: testImage}, quietLogger())

	result, err := sbx.Execute(context.Background(), ExecutionRequest{Command: []string{"id", "-u"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "65534" {
		t.Errorf("uid = %q, want 65534", got)
	}
}
