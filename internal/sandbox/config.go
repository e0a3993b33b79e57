package sandbox

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// ErrUnknownTool is returned by Describe for tools never registered.
var ErrUnknownTool = errors.New("unknown tool")

// Backend names accepted in Settings.Backend.
const (
	BackendProcess = "process"
	BackendDocker  = "docker"
)

// Config is the declarative isolation policy for one tool.
type Config struct {
	ToolID           string           `json:"tool_id"`
	Filesystem       FilesystemPolicy `json:"filesystem"`
	Network          NetworkPolicy    `json:"network"`
	Syscalls         SyscallPolicy    `json:"syscalls"`
	EnableSeccomp    bool             `json:"enable_seccomp"`
	ProcessIsolation bool             `json:"process_isolation"`
	Backend          string           `json:"backend"`
	Timeout          time.Duration    `json:"timeout"`
	Limits           ResourceLimits   `json:"limits"`
}

// FilesystemPolicy lists what the tool may see and change.
type FilesystemPolicy struct {
	ReadOnly []string `json:"read_only"`
	Writable []string `json:"writable"`
	Blocked  []string `json:"blocked"`
}

// NetworkPolicy is block-all unless hosts are explicitly allowed.
type NetworkPolicy struct {
	BlockAll bool     `json:"block_all"`
	Allow    []string `json:"allow,omitempty"`
}

// SyscallPolicy is enforced through seccomp when EnableSeccomp is set.
// A non-empty Allow list means default-deny; otherwise only Deny applies.
type SyscallPolicy struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny"`
}

// DefaultDeniedSyscalls are refused for every tool: kernel module and
// namespace manipulation, tracing, mounts, keyrings and reboot.
var DefaultDeniedSyscalls = []string{
	"ptrace",
	"process_vm_readv",
	"process_vm_writev",
	"mount",
	"umount2",
	"pivot_root",
	"chroot",
	"setns",
	"unshare",
	"init_module",
	"finit_module",
	"delete_module",
	"kexec_load",
	"kexec_file_load",
	"bpf",
	"perf_event_open",
	"keyctl",
	"add_key",
	"request_key",
	"reboot",
	"swapon",
	"swapoff",
	"acct",
	"personality",
}

// Settings are the global isolation switches from configuration.
type Settings struct {
	EnableProcessIsolation bool
	Backend                string
	BlockNetwork           bool
	NetworkAllow           []string
	EnableSeccomp          bool
	SyscallAllow           []string
	SyscallDeny            []string
	AllowedPaths           []string
	BlockedPaths           []string
	MaxMemoryMB            int
	MaxExecutionTime       time.Duration
}

// Profile is what a tool declares about its own needs.
type Profile struct {
	Network      bool     // Needs outbound network.
	Writable     []string // Paths the tool writes to.
	SyscallAllow []string // Extra syscalls beyond the global allow list.
}

// Enforcer produces the sandbox Config of each registered tool.
// Safe for concurrent use.
type Enforcer struct {
	settings Settings

	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewEnforcer creates an enforcer from the global settings.
func NewEnforcer(s Settings) *Enforcer {
	if s.Backend == "" {
		s.Backend = BackendProcess
	}
	if len(s.SyscallDeny) == 0 {
		s.SyscallDeny = DefaultDeniedSyscalls
	}
	return &Enforcer{settings: s, profiles: make(map[string]Profile)}
}

// Register records the profile of toolID.
func (e *Enforcer) Register(toolID string, p Profile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profiles[toolID] = p
}

// Settings returns a copy of the global settings.
func (e *Enforcer) Settings() Settings { return e.settings }

// Describe returns the isolation Config for toolID.
// Network stays blocked for tools that do not declare a need for it, and
// for all tools when BlockNetwork is set.
func (e *Enforcer) Describe(toolID string) (Config, error) {
	e.mu.RLock()
	p, ok := e.profiles[toolID]
	e.mu.RUnlock()
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownTool, toolID)
	}

	s := e.settings
	cfg := Config{
		ToolID: toolID,
		Filesystem: FilesystemPolicy{
			ReadOnly: slices.Clone(s.AllowedPaths),
			Writable: slices.Clone(p.Writable),
			Blocked:  slices.Clone(s.BlockedPaths),
		},
		Network: NetworkPolicy{BlockAll: true},
		Syscalls: SyscallPolicy{
			Deny: slices.Clone(s.SyscallDeny),
		},
		EnableSeccomp:    s.EnableSeccomp,
		ProcessIsolation: s.EnableProcessIsolation,
		Backend:          s.Backend,
		Timeout:          s.MaxExecutionTime,
		Limits: ResourceLimits{
			MaxMemoryMB:   s.MaxMemoryMB,
			MaxCPUSeconds: cpuSeconds(s.MaxExecutionTime),
		},
	}
	if len(s.SyscallAllow) > 0 || len(p.SyscallAllow) > 0 {
		allow := make(map[string]struct{})
		for _, name := range slices.Concat(s.SyscallAllow, p.SyscallAllow) {
			allow[name] = struct{}{}
		}
		cfg.Syscalls.Allow = slices.Sorted(maps.Keys(allow))
	}
	if p.Network && !s.BlockNetwork {
		cfg.Network = NetworkPolicy{BlockAll: false, Allow: slices.Clone(s.NetworkAllow)}
	}
	return cfg, nil
}

// cpuSeconds turns a wall-clock budget into a CPU budget with headroom,
// so the wall-clock timeout fires first.
func cpuSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d.Seconds())*2 + 1
}
