package security

import (
	"context"
	"errors"
	"fmt"
	"maps"
)

// Kind groups error codes by how a caller should react to them.
type Kind int

const (
	KindInput     Kind = iota // Malformed request. Always denied.
	KindPolicy                // Denied by policy. Carries a suggestion.
	KindResource              // Transient. May succeed on retry.
	KindViolation             // Anomalous pattern. Always High or Critical risk.
	KindExecution             // The wrapped capability failed.
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindPolicy:
		return "policy"
	case KindResource:
		return "resource"
	case KindViolation:
		return "violation"
	case KindExecution:
		return "execution"
	default:
		return "unknown"
	}
}

// Code is the stable, machine-readable identifier of a mediation failure.
type Code string

const (
	CodePathTooLong           Code = "PathTooLong"
	CodeDangerousPathSequence Code = "DangerousPathSequence"
	CodeInvalidPath           Code = "InvalidPath"
	CodeInvalidRequest        Code = "InvalidRequest"
	CodeToolNotFound          Code = "ToolNotFound"

	CodePathNotAllowed     Code = "PathNotAllowed"
	CodePathBlocked        Code = "PathBlocked"
	CodeSymlinksNotAllowed Code = "SymlinksNotAllowed"
	CodeAccessDenied       Code = "AccessDenied"
	CodeDepthLimitExceeded Code = "DepthLimitExceeded"

	CodeExecutionTimeout      Code = "ExecutionTimeout"
	CodeRateLimitExceeded     Code = "RateLimitExceeded"
	CodeResourceLimitExceeded Code = "ResourceLimitExceeded"

	CodeSecurityViolation Code = "SecurityViolation"

	CodeExecutionFailed Code = "ExecutionFailed"
)

// Sentinel errors, one per code. *Error unwraps to the sentinel of its code.
var (
	ErrPathTooLong           = errors.New("path too long")
	ErrDangerousPathSequence = errors.New("dangerous path sequence")
	ErrInvalidPath           = errors.New("invalid path")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrToolNotFound          = errors.New("tool not found")

	ErrPathNotAllowed     = errors.New("path not allowed")
	ErrPathBlocked        = errors.New("path blocked")
	ErrSymlinksNotAllowed = errors.New("symlinks not allowed")
	ErrAccessDenied       = errors.New("access denied")
	ErrDepthLimitExceeded = errors.New("depth limit exceeded")

	ErrExecutionTimeout      = errors.New("execution timeout")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrResourceLimitExceeded = errors.New("resource limit exceeded")

	ErrSecurityViolation = errors.New("security violation")

	ErrExecutionFailed = errors.New("execution failed")
)

type codeInfo struct {
	sentinel   error
	kind       Kind
	suggestion string
}

var codes = map[Code]codeInfo{
	CodePathTooLong:           {ErrPathTooLong, KindInput, "shorten the path"},
	CodeDangerousPathSequence: {ErrDangerousPathSequence, KindInput, "remove '..', '~', control characters and shell metacharacters from the path"},
	CodeInvalidPath:           {ErrInvalidPath, KindInput, "check that the path exists and is readable"},
	CodeInvalidRequest:        {ErrInvalidRequest, KindInput, "check the request against the tool's input schema"},
	CodeToolNotFound:          {ErrToolNotFound, KindInput, "list the registered tools and use one of their ids"},

	CodePathNotAllowed:     {ErrPathNotAllowed, KindPolicy, "use a path inside one of the allowed directories"},
	CodePathBlocked:        {ErrPathBlocked, KindPolicy, "this location is blocked by policy, choose another path"},
	CodeSymlinksNotAllowed: {ErrSymlinksNotAllowed, KindPolicy, "pass the resolved target instead of a symbolic link"},
	CodeAccessDenied:       {ErrAccessDenied, KindPolicy, "request a file_read permission whose pattern covers this path"},
	CodeDepthLimitExceeded: {ErrDepthLimitExceeded, KindPolicy, "lower max_depth"},

	CodeExecutionTimeout:      {ErrExecutionTimeout, KindResource, "narrow the request with a smaller max_depth or limit"},
	CodeRateLimitExceeded:     {ErrRateLimitExceeded, KindResource, "wait a moment before retrying"},
	CodeResourceLimitExceeded: {ErrResourceLimitExceeded, KindResource, "retry once other calls have completed"},

	CodeSecurityViolation: {ErrSecurityViolation, KindViolation, "this session has been flagged, contact an administrator"},

	CodeExecutionFailed: {ErrExecutionFailed, KindExecution, ""},
}

// Error is a typed mediation failure. It unwraps to the sentinel for its
// Code and, when set, to the underlying cause.
type Error struct {
	Code       Code
	Message    string
	Suggestion string
	Details    map[string]any
	Err        error
}

var _ error = (*Error)(nil)

// NewError builds an Error with the default suggestion for code.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		Suggestion: codes[code].suggestion,
	}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if info, ok := codes[e.Code]; ok {
		errs = append(errs, info.sentinel)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Kind reports the error category of the code.
func (e *Error) Kind() Kind {
	if info, ok := codes[e.Code]; ok {
		return info.kind
	}
	return KindExecution
}

// Retryable reports whether the same call may succeed later.
func (e *Error) Retryable() bool { return e.Kind() == KindResource }

// WithDetail returns a copy of e with key set in Details.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = maps.Clone(e.Details)
	if cp.Details == nil {
		cp.Details = make(map[string]any, 1)
	}
	cp.Details[key] = value
	return &cp
}

// WithSuggestion returns a copy of e with its suggestion replaced.
func (e *Error) WithSuggestion(s string) *Error {
	cp := *e
	cp.Suggestion = s
	return &cp
}

// WithCause returns a copy of e wrapping err.
func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

var redactedMessages = map[Kind]string{
	KindInput:     "request rejected",
	KindPolicy:    "access denied by security policy",
	KindResource:  "resource limit reached",
	KindViolation: "request rejected",
	KindExecution: "tool execution failed",
}

// Redact returns the view of e a caller at trust may see. Callers below
// TrustVerified get a generic message and no details. Code and suggestion
// are always kept.
func (e *Error) Redact(trust TrustLevel) *Error {
	if trust.AtLeast(TrustVerified) {
		return e
	}
	return &Error{
		Code:       e.Code,
		Message:    redactedMessages[e.Kind()],
		Suggestion: e.Suggestion,
	}
}

// AsError converts any error into an *Error. Known sentinels keep their
// code, deadline errors become ExecutionTimeout, everything else is
// ExecutionFailed.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeExecutionTimeout, "operation exceeded its time limit").WithCause(err)
	}
	for code, info := range codes {
		if errors.Is(err, info.sentinel) {
			return NewError(code, "%s", err.Error()).WithCause(err)
		}
	}
	return NewError(CodeExecutionFailed, "%s", err.Error()).WithCause(err)
}

// KindOf returns the kind of err, or KindExecution for foreign errors.
func KindOf(err error) Kind {
	return AsError(err).Kind()
}
