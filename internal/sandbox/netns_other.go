//go:build !linux

package sandbox

import "syscall"

func isolateNetwork(*syscall.SysProcAttr) {}
