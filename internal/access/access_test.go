package access

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jkaninda/toolgate/internal/security"
)

func ctxWith(t *testing.T, perms ...string) security.Context {
	t.Helper()
	ps, err := security.ParsePermissions(perms)
	if err != nil {
		t.Fatal(err)
	}
	return security.Context{UserID: "u1", SessionID: "s1", Permissions: ps}
}

func TestCheckAccess(t *testing.T) {
	c := New(Config{MaxDepth: 3})
	tests := []struct {
		name  string
		perms []string
		path  string
		op    Operation
		want  error
	}{
		{"scope grant", []string{"file_read:/workspace"}, "/workspace/src", List(), nil},
		{"scope root itself", []string{"file_read:/workspace"}, "/workspace", List(), nil},
		{"tree glob", []string{"file_read:/workspace/**"}, "/workspace/a/b", RecursiveList(2), nil},
		{"wildcard kind", []string{"file_read"}, "/anywhere", List(), nil},
		{"component boundary", []string{"file_read:/workspace"}, "/workspaceX", List(), security.ErrAccessDenied},
		{"wrong kind", []string{"file_write:/workspace", "execute"}, "/workspace", List(), security.ErrAccessDenied},
		{"no permissions", nil, "/workspace", List(), security.ErrAccessDenied},
		{"depth over cap", []string{"file_read"}, "/workspace", RecursiveList(5), security.ErrDepthLimitExceeded},
		{"depth at cap", []string{"file_read"}, "/workspace", RecursiveList(3), nil},
		{"depth checked before permissions", nil, "/workspace", RecursiveList(5), security.ErrDepthLimitExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.CheckAccess(tt.path, tt.op, ctxWith(t, tt.perms...))
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDepthLimitSuggestion(t *testing.T) {
	err := New(Config{MaxDepth: 3}).CheckAccess("/w", RecursiveList(5), ctxWith(t, "file_read"))
	var se *security.Error
	if !errors.As(err, &se) {
		t.Fatalf("unexpected error type: %v", err)
	}
	if se.Suggestion != "lower max_depth to 3 or less" {
		t.Errorf("suggestion = %q", se.Suggestion)
	}
	if se.Details["max_depth"] != 3 {
		t.Errorf("details = %v", se.Details)
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, value string
		want           bool
	}{
		{"*", "anything", true},
		{"*.log", "/var/app/x.log", true},
		{"/var/*/x.log", "/var/app/x.log", true},
		{"/var/*/x.log", "/var/app/x.txt", false},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXbYY", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"**", "", true},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.value); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.value, got, tt.want)
		}
	}
}

func TestCovers(t *testing.T) {
	tests := []struct {
		kind               security.PermissionKind
		granted, requested string
		want               bool
	}{
		{security.PermFileRead, "/workspace", "/workspace/src", true},
		{security.PermFileRead, "/workspace", "/workspace/src/**", true},
		{security.PermFileRead, "/workspace/**", "/workspace/a*", true},
		{security.PermFileRead, "/workspace/a", "/workspace/a*", false},
		{security.PermFileRead, "/workspace", "/etc", false},
		{security.PermFileRead, "/workspace", "*", false},
		{security.PermFileRead, "*", "/etc", true},
		{security.PermFileRead, "/workspace/*.go", "/workspace/main.go", false},
		{security.PermFileRead, "/workspace/*.go", "/workspace/*.go", true},
		{security.PermNetwork, "*.example.com", "api.example.com", true},
		{security.PermNetwork, "api.example.com", "*.example.com", false},
	}
	for _, tt := range tests {
		if got := Covers(tt.kind, tt.granted, tt.requested); got != tt.want {
			t.Errorf("Covers(%s, %q, %q) = %v, want %v", tt.kind, tt.granted, tt.requested, got, tt.want)
		}
	}
}

func TestSensitive(t *testing.T) {
	c := New(Config{SensitivePaths: []string{"/srv/keys"}})
	tests := map[string]bool{
		"/proc/self/environ":         true,
		"/sys/kernel":                true,
		"/etc/shadow":                true,
		"/workspace/.ssh/id_ed25519": true,
		"/workspace/app/.env":        true,
		"/srv/keys/a.pem":            true,
		"/workspace/src/main.go":     false,
		"/workspace/.envrc":          false,
		"/procfs":                    false,
	}
	for path, want := range tests {
		if got := c.Sensitive(path); got != want {
			t.Errorf("Sensitive(%q) = %v, want %v", path, got, want)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if !c.Sensitive(filepath.Join(home, ".docker", "config.json")) {
		t.Error("docker credentials should be sensitive")
	}
}
