package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/toolgate/internal/security"
)

func TestDescribeDefaults(t *testing.T) {
	e := NewEnforcer(Settings{
		BlockNetwork:     true,
		AllowedPaths:     []string{"/workspace"},
		BlockedPaths:     []string{"/workspace/.git"},
		MaxMemoryMB:      256,
		MaxExecutionTime: 10 * time.Second,
	})
	e.Register("list_directory", Profile{})

	cfg, err := e.Describe("list_directory")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Network.BlockAll {
		t.Error("network must be blocked by default")
	}
	if !slices.Equal(cfg.Filesystem.ReadOnly, []string{"/workspace"}) {
		t.Errorf("read-only = %v", cfg.Filesystem.ReadOnly)
	}
	if !slices.Equal(cfg.Filesystem.Blocked, []string{"/workspace/.git"}) {
		t.Errorf("blocked = %v", cfg.Filesystem.Blocked)
	}
	if !slices.Contains(cfg.Syscalls.Deny, "ptrace") {
		t.Error("default deny list should include ptrace")
	}
	if cfg.Syscalls.Allow != nil {
		t.Errorf("allow list should be empty, got %v", cfg.Syscalls.Allow)
	}
	if cfg.Backend != BackendProcess {
		t.Errorf("backend = %q", cfg.Backend)
	}
	if cfg.Limits.MaxMemoryMB != 256 || cfg.Limits.MaxCPUSeconds != 21 {
		t.Errorf("limits = %+v", cfg.Limits)
	}
}

func TestDescribeNetworkNeedsProfileAndSetting(t *testing.T) {
	open := NewEnforcer(Settings{BlockNetwork: false, NetworkAllow: []string{"api.example.com"}})
	open.Register("fetch", Profile{Network: true})
	open.Register("list", Profile{})

	cfg, _ := open.Describe("fetch")
	if cfg.Network.BlockAll || !slices.Equal(cfg.Network.Allow, []string{"api.example.com"}) {
		t.Errorf("fetch network = %+v", cfg.Network)
	}
	cfg, _ = open.Describe("list")
	if !cfg.Network.BlockAll {
		t.Error("tools without a network profile stay blocked")
	}

	closed := NewEnforcer(Settings{BlockNetwork: true})
	closed.Register("fetch", Profile{Network: true})
	cfg, _ = closed.Describe("fetch")
	if !cfg.Network.BlockAll {
		t.Error("block_network overrides tool profiles")
	}
}

func TestDescribeMergesSyscallAllowLists(t *testing.T) {
	e := NewEnforcer(Settings{SyscallAllow: []string{"read", "openat"}})
	e.Register("t", Profile{SyscallAllow: []string{"getdents64", "read"}})
	cfg, _ := e.Describe("t")
	if !slices.Equal(cfg.Syscalls.Allow, []string{"getdents64", "openat", "read"}) {
		t.Errorf("allow = %v", cfg.Syscalls.Allow)
	}
}

func TestDescribeUnknownTool(t *testing.T) {
	_, err := NewEnforcer(Settings{}).Describe("nope")
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("got %v, want ErrUnknownTool", err)
	}
}

func TestSeccompProfile(t *testing.T) {
	tests := []struct {
		name          string
		policy        SyscallPolicy
		defaultAction string
		rules         int
	}{
		{"deny only", SyscallPolicy{Deny: []string{"ptrace"}}, "SCMP_ACT_ALLOW", 1},
		{"allow list", SyscallPolicy{Allow: []string{"read"}, Deny: []string{"ptrace"}}, "SCMP_ACT_ERRNO", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := SeccompProfile(tt.policy)
			if err != nil {
				t.Fatal(err)
			}
			var prof seccompProfile
			if err := json.Unmarshal(data, &prof); err != nil {
				t.Fatal(err)
			}
			if prof.DefaultAction != tt.defaultAction {
				t.Errorf("defaultAction = %q, want %q", prof.DefaultAction, tt.defaultAction)
			}
			if len(prof.Syscalls) != tt.rules {
				t.Errorf("rules = %d, want %d", len(prof.Syscalls), tt.rules)
			}
		})
	}
}

func TestProcessSandbox(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	sbx := NewProcessSandbox(ProcessConfig{DefaultTimeout: 5 * time.Second}, quietLogger())

	t.Run("stdin and env", func(t *testing.T) {
		res, err := sbx.Execute(context.Background(), ExecutionRequest{
			Command: []string{"/bin/sh", "-c", `printf '%s:' "$GREETING"; cat`},
			Env:     map[string]string{"GREETING": "hi"},
			Stdin:   []byte("there"),
		})
		if err != nil {
			t.Fatal(err)
		}
		if res.Stdout != "hi:there" {
			t.Errorf("stdout = %q", res.Stdout)
		}
	})

	t.Run("parent env not inherited", func(t *testing.T) {
		t.Setenv("TOOLGATE_TEST_SECRET", "leak")
		res, err := sbx.Execute(context.Background(), ExecutionRequest{
			Command: []string{"/bin/sh", "-c", `printf '%s' "$TOOLGATE_TEST_SECRET"`},
		})
		if err != nil {
			t.Fatal(err)
		}
		if res.Stdout != "" {
			t.Errorf("secret leaked into sandbox: %q", res.Stdout)
		}
	})

	t.Run("non-zero exit is a result", func(t *testing.T) {
		res, err := sbx.Execute(context.Background(), ExecutionRequest{Command: []string{"/bin/sh", "-c", "exit 3"}})
		if err != nil {
			t.Fatal(err)
		}
		if res.ExitCode != 3 {
			t.Errorf("exit code = %d, want 3", res.ExitCode)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		_, err := sbx.Execute(context.Background(), ExecutionRequest{
			Command: []string{"/bin/sh", "-c", "sleep 5"},
			Timeout: 100 * time.Millisecond,
		})
		if !errors.Is(err, security.ErrExecutionTimeout) {
			t.Fatalf("got %v, want ExecutionTimeout", err)
		}
	})
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 4}
	n, err := lw.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write = %d, %v; want 6, nil", n, err)
	}
	n, _ = lw.Write([]byte("gh"))
	if n != 2 || buf.String() != "abcd" {
		t.Errorf("buf = %q, n = %d", buf.String(), n)
	}
}

// childBackend runs ServeChild in-process instead of starting a child.
type childBackend struct {
	run  func(ctx context.Context, cfg Config, input []byte) (json.RawMessage, error)
	exit int
	last ExecutionRequest
}

func (b *childBackend) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	b.last = req
	var cfg Config
	if err := json.Unmarshal([]byte(req.Env[EnvConfig]), &cfg); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := ServeChild(ctx, cfg, bytes.NewReader(req.Stdin), &out, b.run); err != nil {
		return nil, err
	}
	return &ExecutionResult{Stdout: out.String(), ExitCode: b.exit}, nil
}

func TestSupervisorRoundTrip(t *testing.T) {
	backend := &childBackend{run: func(_ context.Context, cfg Config, input []byte) (json.RawMessage, error) {
		return json.RawMessage(`{"tool":"` + cfg.ToolID + `","in":` + string(input) + `}`), nil
	}}
	sup := NewSupervisor(backend, []string{"/usr/bin/toolgate", "isolate"}, quietLogger())

	out, err := sup.Run(context.Background(), Config{ToolID: "list_directory", Network: NetworkPolicy{BlockAll: true}}, []byte(`{"path":"/w"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"tool":"list_directory"`) || !strings.Contains(string(out), `"path":"/w"`) {
		t.Errorf("output = %s", out)
	}
	if got := backend.last.Command; !slices.Equal(got, []string{"/usr/bin/toolgate", "isolate", "list_directory"}) {
		t.Errorf("command = %v", got)
	}
	if backend.last.Policy == nil || !backend.last.Policy.Network.BlockAll {
		t.Error("policy must be passed to the backend")
	}
}

func TestSupervisorPropagatesTypedErrors(t *testing.T) {
	backend := &childBackend{run: func(context.Context, Config, []byte) (json.RawMessage, error) {
		return nil, security.NewError(security.CodeResourceLimitExceeded, "too many filesystem operations")
	}}
	sup := NewSupervisor(backend, []string{"toolgate", "isolate"}, quietLogger())
	_, err := sup.Run(context.Background(), Config{ToolID: "t"}, nil)
	if !errors.Is(err, security.ErrResourceLimitExceeded) {
		t.Fatalf("got %v, want ResourceLimitExceeded", err)
	}
}

func TestSupervisorAbnormalExit(t *testing.T) {
	backend := &childBackend{exit: 2, run: func(context.Context, Config, []byte) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}}
	sup := NewSupervisor(backend, []string{"toolgate", "isolate"}, quietLogger())
	_, err := sup.Run(context.Background(), Config{ToolID: "t"}, nil)
	if !errors.Is(err, security.ErrExecutionFailed) {
		t.Fatalf("got %v, want ExecutionFailed", err)
	}
}
