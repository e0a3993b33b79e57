package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
)

// seccompProfile is the subset of the Docker/OCI seccomp profile format
// needed to express a SyscallPolicy.
type seccompProfile struct {
	DefaultAction string           `json:"defaultAction"`
	Architectures []string         `json:"architectures,omitempty"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names    []string `json:"names"`
	Action   string   `json:"action"`
	ErrnoRet *uint    `json:"errnoRet,omitempty"`
}

const eperm uint = 1

// SeccompProfile renders p as a Docker seccomp profile. A non-empty allow
// list makes the profile default-deny; otherwise everything except the
// deny list is permitted.
func SeccompProfile(p SyscallPolicy) ([]byte, error) {
	errno := eperm
	prof := seccompProfile{
		Architectures: []string{"SCMP_ARCH_X86_64", "SCMP_ARCH_AARCH64"},
	}
	if len(p.Allow) > 0 {
		prof.DefaultAction = "SCMP_ACT_ERRNO"
		prof.Syscalls = append(prof.Syscalls, seccompSyscall{Names: p.Allow, Action: "SCMP_ACT_ALLOW"})
	} else {
		prof.DefaultAction = "SCMP_ACT_ALLOW"
	}
	if len(p.Deny) > 0 {
		prof.Syscalls = append(prof.Syscalls, seccompSyscall{Names: p.Deny, Action: "SCMP_ACT_ERRNO", ErrnoRet: &errno})
	}
	return json.Marshal(prof)
}

// writeSeccompProfile stores the profile in a temp file and returns its
// path. The caller removes it.
func writeSeccompProfile(p SyscallPolicy) (string, error) {
	data, err := SeccompProfile(p)
	if err != nil {
		return "", fmt.Errorf("encoding seccomp profile: %w", err)
	}
	f, err := os.CreateTemp("", "toolgate-seccomp-*.json")
	if err != nil {
		return "", fmt.Errorf("creating seccomp profile: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("writing seccomp profile: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
