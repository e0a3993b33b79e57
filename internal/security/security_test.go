package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestParseTrustLevel(t *testing.T) {
	tests := []struct {
		in   string
		want TrustLevel
	}{
		{"system", TrustSystem},
		{"Verified", TrustVerified},
		{" community ", TrustCommunity},
		{"untrusted", TrustUntrusted},
		{"root", TrustUntrusted},
		{"", TrustUntrusted},
	}
	for _, tt := range tests {
		if got := ParseTrustLevel(tt.in); got != tt.want {
			t.Errorf("ParseTrustLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if !TrustSystem.AtLeast(TrustVerified) || TrustCommunity.AtLeast(TrustVerified) {
		t.Error("trust ordering is wrong")
	}
}

func TestParseRiskLevelDefaultsToCritical(t *testing.T) {
	if got := ParseRiskLevel("bogus"); got != RiskCritical {
		t.Errorf("got %v, want critical", got)
	}
	for _, r := range []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical} {
		if ParseRiskLevel(r.String()) != r {
			t.Errorf("round trip failed for %v", r)
		}
	}
}

func TestParsePermission(t *testing.T) {
	tests := []struct {
		in       string
		kind     PermissionKind
		patterns []string
		wantErr  bool
	}{
		{in: "file_read", kind: PermFileRead, patterns: []string{"*"}},
		{in: "file_read:/workspace/**", kind: PermFileRead, patterns: []string{"/workspace/**"}},
		{in: "network:api.example.com, *.internal", kind: PermNetwork, patterns: []string{"api.example.com", "*.internal"}},
		{in: "env:HOME", kind: PermEnvironment, patterns: []string{"HOME"}},
		{in: "sudo", wantErr: true},
		{in: "file_write:", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := ParsePermission(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Fatalf("expected ErrInvalidRequest, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", p.Kind, tt.kind)
			}
			if strings.Join(p.Patterns, "|") != strings.Join(tt.patterns, "|") {
				t.Errorf("patterns = %v, want %v", p.Patterns, tt.patterns)
			}
		})
	}
}

func TestPermissionsNarrow(t *testing.T) {
	granted, err := ParsePermissions([]string{"file_read:/workspace", "env:HOME"})
	if err != nil {
		t.Fatal(err)
	}
	requested, err := ParsePermissions([]string{"file_read:/workspace/src,/etc", "execute"})
	if err != nil {
		t.Fatal(err)
	}
	covers := func(_ PermissionKind, g, r string) bool { return r == g || strings.HasPrefix(r, g+"/") }

	got := granted.Narrow(requested, covers)
	if len(got) != 1 || got[0].Kind != PermFileRead {
		t.Fatalf("unexpected narrowed set: %v", got.Strings())
	}
	if len(got[0].Patterns) != 1 || got[0].Patterns[0] != "/workspace/src" {
		t.Errorf("patterns = %v, want [/workspace/src]", got[0].Patterns)
	}

	if all := granted.Narrow(nil, covers); len(all) != 2 {
		t.Errorf("empty request should keep grants, got %v", all.Strings())
	}
}

func TestErrorUnwrapsToSentinel(t *testing.T) {
	cause := fmt.Errorf("lstat: %w", errors.New("no such file"))
	err := NewError(CodePathBlocked, "path %s is blocked", "/workspace/.git").WithCause(cause)

	if !errors.Is(err, ErrPathBlocked) {
		t.Error("expected errors.Is(err, ErrPathBlocked)")
	}
	if errors.Is(err, ErrPathNotAllowed) {
		t.Error("unexpected match against ErrPathNotAllowed")
	}
	if err.Kind() != KindPolicy {
		t.Errorf("kind = %v, want policy", err.Kind())
	}
	if err.Suggestion == "" {
		t.Error("policy denials must carry a suggestion")
	}

	var se *Error
	wrapped := fmt.Errorf("pipeline: %w", err)
	if !errors.As(wrapped, &se) || se.Code != CodePathBlocked {
		t.Errorf("errors.As failed: %v", se)
	}
}

func TestErrorRedact(t *testing.T) {
	err := NewError(CodePathNotAllowed, "/etc/passwd is outside %v", []string{"/workspace"}).
		WithDetail("path", "/etc/passwd")

	low := err.Redact(TrustCommunity)
	if low.Details != nil {
		t.Errorf("details leaked: %v", low.Details)
	}
	if strings.Contains(low.Message, "/etc/passwd") {
		t.Errorf("message leaked: %q", low.Message)
	}
	if low.Code != CodePathNotAllowed || low.Suggestion == "" {
		t.Errorf("code and suggestion must survive redaction: %+v", low)
	}

	if high := err.Redact(TrustVerified); high != err {
		t.Error("verified callers should see the full error")
	}
}

func TestWithDetailDoesNotMutate(t *testing.T) {
	base := NewError(CodeAccessDenied, "denied")
	a := base.WithDetail("k", 1)
	if base.Details != nil {
		t.Error("WithDetail mutated the receiver")
	}
	b := a.WithDetail("j", 2)
	if len(a.Details) != 1 || len(b.Details) != 2 {
		t.Errorf("unexpected details: a=%v b=%v", a.Details, b.Details)
	}
}

func TestAsError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"typed", NewError(CodeRateLimitExceeded, "slow down"), CodeRateLimitExceeded},
		{"sentinel", fmt.Errorf("acquire: %w", ErrResourceLimitExceeded), CodeResourceLimitExceeded},
		{"deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), CodeExecutionTimeout},
		{"foreign", errors.New("disk on fire"), CodeExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AsError(tt.err); got.Code != tt.want {
				t.Errorf("code = %s, want %s", got.Code, tt.want)
			}
		})
	}
	if AsError(nil) != nil {
		t.Error("AsError(nil) should be nil")
	}
	if !AsError(ErrRateLimitExceeded).Retryable() {
		t.Error("rate limit errors are retryable")
	}
}

func TestContextSessionKey(t *testing.T) {
	c := Context{UserID: "alice"}
	if c.SessionKey() != "alice" {
		t.Errorf("got %q", c.SessionKey())
	}
	c.SessionID = "s1"
	if c.SessionKey() != "alice/s1" {
		t.Errorf("got %q", c.SessionKey())
	}
	if err := (Context{}).Validate(); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}
