package listdir

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jkaninda/toolgate/internal/access"
	"github.com/jkaninda/toolgate/internal/security"
	"github.com/jkaninda/toolgate/internal/tools"
)

func newTool() *Tool {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// tree creates:
//
//	a.txt
//	.hidden
//	sub/b.txt
//	sub/deep/c.txt
//	secret/key
func tree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, f := range []string{"a.txt", ".hidden", "sub/b.txt", "sub/deep/c.txt", "secret/key"} {
		p := filepath.Join(root, f)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func names(l *Listing) []string {
	out := make([]string, len(l.Entries))
	for i, e := range l.Entries {
		out[i] = e.Path
	}
	return out
}

func run(t *testing.T, inv tools.Invocation) *Listing {
	t.Helper()
	res, err := newTool().Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res.Data.(*Listing)
}

func TestTarget(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		want   access.Operation
	}{
		{"flat", map[string]any{"path": "/w"}, access.List()},
		{"recursive default depth", map[string]any{"path": "/w", "recursive": true}, access.RecursiveList(defaultRecursiveDepth)},
		{"recursive depth", map[string]any{"path": "/w", "recursive": true, "max_depth": float64(7)}, access.RecursiveList(7)},
		{"depth ignored when flat", map[string]any{"path": "/w", "max_depth": 7}, access.List()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newTool().Target(tt.params)
			if err != nil {
				t.Fatal(err)
			}
			if got.Path != "/w" || got.Operation != tt.want {
				t.Errorf("Target = %+v, want op %v", got, tt.want)
			}
		})
	}

	if _, err := newTool().Target(map[string]any{}); !errors.Is(err, security.ErrInvalidRequest) {
		t.Errorf("missing path: got %v", err)
	}
}

func TestListFlat(t *testing.T) {
	root := tree(t)
	l := run(t, tools.Invocation{Path: root, Params: map[string]any{}})

	got := names(l)
	want := []string{"a.txt", "secret", "sub"}
	if len(got) != len(want) {
		t.Fatalf("entries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
	if l.Truncated || l.Total != 3 {
		t.Errorf("total=%d truncated=%v", l.Total, l.Truncated)
	}
	if l.Entries[0].Type != "file" || l.Entries[2].Type != "dir" {
		t.Errorf("types: %+v", l.Entries)
	}
}

func TestListHidden(t *testing.T) {
	root := tree(t)
	l := run(t, tools.Invocation{Path: root, Params: map[string]any{"include_hidden": true}})
	if l.Total != 4 || l.Entries[0].Name != ".hidden" {
		t.Errorf("entries = %v", names(l))
	}
}

func TestListRecursiveDepth(t *testing.T) {
	root := tree(t)

	l := run(t, tools.Invocation{Path: root, Params: map[string]any{"recursive": true, "max_depth": 2}})
	has := map[string]int{}
	for _, e := range l.Entries {
		has[e.Path] = e.Depth
	}
	if d, ok := has[filepath.Join("sub", "b.txt")]; !ok || d != 2 {
		t.Errorf("sub/b.txt missing or wrong depth: %v", has)
	}
	if _, ok := has[filepath.Join("sub", "deep", "c.txt")]; ok {
		t.Error("depth 3 entry listed at max_depth 2")
	}

	// Limits cap the requested depth.
	l = run(t, tools.Invocation{
		Path:   root,
		Params: map[string]any{"recursive": true, "max_depth": 5},
		Limits: tools.Limits{MaxDepth: 1},
	})
	if l.Total != 3 {
		t.Errorf("MaxDepth 1 should list direct children only, got %v", names(l))
	}
}

func TestListSkip(t *testing.T) {
	root := tree(t)
	blocked := filepath.Join(root, "secret")
	l := run(t, tools.Invocation{
		Path:   root,
		Params: map[string]any{"recursive": true},
		Skip:   func(p string) bool { return p == blocked },
	})
	for _, e := range l.Entries {
		if e.Name == "secret" || e.Name == "key" {
			t.Errorf("blocked entry listed: %s", e.Path)
		}
	}
}

func TestListTruncation(t *testing.T) {
	root := tree(t)

	l := run(t, tools.Invocation{Path: root, Params: map[string]any{"limit": 2}})
	if !l.Truncated || l.Total != 2 {
		t.Errorf("limit: total=%d truncated=%v", l.Total, l.Truncated)
	}

	l = run(t, tools.Invocation{Path: root, Params: map[string]any{"limit": 100}, Limits: tools.Limits{MaxEntries: 1}})
	if !l.Truncated || l.Total != 1 {
		t.Errorf("max_entries: total=%d truncated=%v", l.Total, l.Truncated)
	}
}

func TestListFSOperationLimit(t *testing.T) {
	root := tree(t)
	_, err := newTool().Execute(context.Background(), tools.Invocation{
		Path:   root,
		Params: map[string]any{"recursive": true},
		Limits: tools.Limits{MaxFSOperations: 3},
	})
	if !errors.Is(err, security.ErrResourceLimitExceeded) {
		t.Fatalf("got %v, want ResourceLimitExceeded", err)
	}
}

func TestListSymlinkNotFollowed(t *testing.T) {
	root := tree(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "leak"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skip("symlinks not supported")
	}

	l := run(t, tools.Invocation{Path: root, Params: map[string]any{"recursive": true}})
	for _, e := range l.Entries {
		if e.Name == "leak" {
			t.Fatal("walk followed a symlink out of the directory")
		}
		if e.Name == "link" && e.Type != "symlink" {
			t.Errorf("link type = %q", e.Type)
		}
	}
}

func TestListNotADirectory(t *testing.T) {
	root := tree(t)
	_, err := newTool().Execute(context.Background(), tools.Invocation{Path: filepath.Join(root, "a.txt")})
	if !errors.Is(err, security.ErrInvalidPath) {
		t.Fatalf("got %v, want InvalidPath", err)
	}
}

func TestListCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTool().Execute(ctx, tools.Invocation{Path: tree(t)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
