// Package listdir implements list_directory, the filesystem capability the
// mediator wraps. It never resolves paths itself: it receives a canonical,
// authorized directory and only walks below it, without following links.
package listdir

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jkaninda/toolgate/internal/access"
	"github.com/jkaninda/toolgate/internal/sandbox"
	"github.com/jkaninda/toolgate/internal/security"
	"github.com/jkaninda/toolgate/internal/tools"
)

// Name is the tool id.
const Name = "list_directory"

const (
	defaultRecursiveDepth = 3
	defaultLimit          = 1000
)

// Entry is one listed filesystem object.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"` // Relative to the listed directory.
	Type    string    `json:"type"` // file, dir, symlink or other.
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"modified"`
	Depth   int       `json:"depth"`
}

// Listing is the tool's result data.
type Listing struct {
	Path         string  `json:"path"`
	Entries      []Entry `json:"entries"`
	Total        int     `json:"total"`
	Truncated    bool    `json:"truncated"`
	FSOperations int     `json:"fs_operations"`
}

// Tool lists directories.
type Tool struct {
	logger *slog.Logger
}

var _ tools.Tool = (*Tool)(nil)

// New creates the list_directory tool.
func New(logger *slog.Logger) *Tool {
	return &Tool{logger: logger}
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Description() string {
	return "List the entries of a directory inside the allowed paths, optionally recursively"
}

func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":           map[string]any{"type": "string", "description": "Directory to list. Relative paths are resolved against the workspace"},
			"recursive":      map[string]any{"type": "boolean", "description": "Descend into subdirectories"},
			"max_depth":      map[string]any{"type": "integer", "minimum": 1, "maximum": 10, "description": "Levels to descend when recursive"},
			"include_hidden": map[string]any{"type": "boolean", "description": "Include dot entries"},
			"limit":          map[string]any{"type": "integer", "minimum": 1, "maximum": 1000, "description": "Maximum entries to return"},
		},
		"required":             []string{"path"},
		"additionalProperties": false,
	}
}

func (t *Tool) DefaultLimits() tools.Limits {
	return tools.Limits{
		MaxExecutionTime: 30 * time.Second,
		MaxMemoryMB:      256,
		MaxEntries:       10000,
		MaxDepth:         access.DefaultMaxDepth,
		MaxFSOperations:  50000,
		MaxConcurrent:    4,
	}
}

func (t *Tool) SandboxProfile() sandbox.Profile {
	return sandbox.Profile{
		SyscallAllow: []string{"openat", "getdents64", "newfstatat", "statx", "readlinkat", "close", "fstat"},
	}
}

// Target reports the directory and whether the listing is recursive.
func (t *Tool) Target(params map[string]any) (tools.Target, error) {
	path, err := requireString(params, "path")
	if err != nil {
		return tools.Target{}, security.NewError(security.CodeInvalidRequest, "%s", err.Error())
	}
	op := access.List()
	if boolParam(params, "recursive") {
		op = access.RecursiveList(intParam(params, "max_depth", defaultRecursiveDepth))
	}
	return tools.Target{Path: path, Operation: op}, nil
}

// Execute walks inv.Path breadth first.
func (t *Tool) Execute(ctx context.Context, inv tools.Invocation) (*tools.Result, error) {
	depth := 1
	if boolParam(inv.Params, "recursive") {
		depth = intParam(inv.Params, "max_depth", defaultRecursiveDepth)
	}
	if inv.Limits.MaxDepth > 0 && depth > inv.Limits.MaxDepth {
		depth = inv.Limits.MaxDepth
	}

	limit := intParam(inv.Params, "limit", defaultLimit)
	if inv.Limits.MaxEntries > 0 && limit > inv.Limits.MaxEntries {
		limit = inv.Limits.MaxEntries
	}

	w := &walker{
		root:          inv.Path,
		maxDepth:      depth,
		limit:         limit,
		maxOps:        inv.Limits.MaxFSOperations,
		includeHidden: boolParam(inv.Params, "include_hidden"),
		skip:          inv.Skip,
	}

	t.logger.DebugContext(ctx, "list_directory executing",
		slog.String("path", inv.Path),
		slog.Int("depth", depth),
		slog.Int("limit", limit),
	)

	listing, err := w.walk(ctx)
	if err != nil {
		return nil, err
	}

	return &tools.Result{
		Data:    listing,
		Success: true,
		Metadata: map[string]any{
			"count":         len(listing.Entries),
			"truncated":     listing.Truncated,
			"fs_operations": listing.FSOperations,
		},
	}, nil
}

type walker struct {
	root          string
	maxDepth      int
	limit         int
	maxOps        int
	includeHidden bool
	skip          func(string) bool

	ops     int
	listing Listing
}

type pending struct {
	dir   string
	depth int
}

func (w *walker) walk(ctx context.Context) (*Listing, error) {
	w.listing = Listing{Path: w.root, Entries: []Entry{}}

	info, err := w.lstat(w.root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, security.NewError(security.CodeInvalidPath, "%s is not a directory", w.root)
	}

	queue := []pending{{dir: w.root, depth: 1}}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := queue[0]
		queue = queue[1:]

		entries, err := w.readDir(cur.dir)
		if err != nil {
			if cur.dir == w.root {
				return nil, err
			}
			// Unreadable subdirectories are reported as entries but not walked.
			continue
		}

		for _, de := range entries {
			name := de.Name()
			if !w.includeHidden && strings.HasPrefix(name, ".") {
				continue
			}
			full := filepath.Join(cur.dir, name)
			if w.skip != nil && w.skip(full) {
				continue
			}

			if len(w.listing.Entries) >= w.limit {
				w.listing.Truncated = true
				return w.finish(), nil
			}

			fi, err := de.Info()
			w.ops++
			if err != nil {
				continue
			}
			if err := w.checkOps(); err != nil {
				return nil, err
			}

			rel, _ := filepath.Rel(w.root, full)
			w.listing.Entries = append(w.listing.Entries, Entry{
				Name:    name,
				Path:    rel,
				Type:    entryType(fi.Mode()),
				Size:    fi.Size(),
				Mode:    fi.Mode().String(),
				ModTime: fi.ModTime().UTC(),
				Depth:   cur.depth,
			})

			if de.IsDir() && cur.depth < w.maxDepth {
				queue = append(queue, pending{dir: full, depth: cur.depth + 1})
			}
		}
	}
	return w.finish(), nil
}

func (w *walker) finish() *Listing {
	w.listing.Total = len(w.listing.Entries)
	w.listing.FSOperations = w.ops
	return &w.listing
}

func (w *walker) lstat(path string) (fs.FileInfo, error) {
	w.ops++
	info, err := os.Lstat(path)
	if err != nil {
		return nil, security.NewError(security.CodeInvalidPath, "cannot stat %s", path).WithCause(err)
	}
	return info, w.checkOps()
}

func (w *walker) readDir(dir string) ([]os.DirEntry, error) {
	w.ops++
	if err := w.checkOps(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, security.NewError(security.CodeExecutionFailed, "cannot list %s", dir).WithCause(err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func (w *walker) checkOps() error {
	if w.maxOps > 0 && w.ops > w.maxOps {
		return security.NewError(security.CodeResourceLimitExceeded,
			"listing needed more than %d filesystem operations", w.maxOps).
			WithDetail("max_fs_operations", w.maxOps)
	}
	return nil
}

func entryType(m fs.FileMode) string {
	switch {
	case m.IsDir():
		return "dir"
	case m&fs.ModeSymlink != 0:
		return "symlink"
	case m.IsRegular():
		return "file"
	default:
		return "other"
	}
}

// requireString extracts a required non-empty string param.
func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	return s, nil
}

func boolParam(params map[string]any, key string) bool {
	b, _ := params[key].(bool)
	return b
}

// intParam accepts the numeric types JSON decoding and Go callers produce.
func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
