package main

import (
	"errors"
	"io/fs"

	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/security"
)

// Exit codes, following sysexits.h.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitUsage       = 64
	ExitDataErr     = 65
	ExitNoInput     = 66
	ExitUnavailable = 69
	ExitIOErr       = 74
	ExitNoPerm      = 77
	ExitConfig      = 78
)

// exitError attaches an exit code to err. An exitError with a nil err
// exits silently; the command already reported the failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// exitCode picks the process exit code for an error returned by a command.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var invalid *config.InvalidValueError
	if errors.As(err, &invalid) {
		return ExitConfig
	}
	var se *security.Error
	if errors.As(err, &se) {
		return exitCodeFor(se.Code)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return ExitNoInput
	}
	return ExitFailure
}

// exitCodeFor maps a mediation error code to an exit code.
func exitCodeFor(code security.Code) int {
	switch code {
	case security.CodeInvalidPath:
		return ExitNoInput
	case security.CodeToolNotFound:
		return ExitUnavailable
	case security.CodeExecutionFailed:
		return ExitIOErr
	}
	switch (&security.Error{Code: code}).Kind() {
	case security.KindInput:
		return ExitDataErr
	case security.KindPolicy, security.KindViolation:
		return ExitNoPerm
	case security.KindResource:
		return ExitUnavailable
	default:
		return ExitFailure
	}
}
