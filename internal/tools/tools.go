// Package tools defines the mediated tool interface and registry.
// A tool declares its input schema, resource limits and sandbox needs, and
// tells the pipeline which path and operation a call targets so they can be
// validated and authorized before Execute runs.
package tools

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/jkaninda/toolgate/internal/access"
	"github.com/jkaninda/toolgate/internal/sandbox"
)

// Tool is the interface every mediated capability implements.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "list_directory").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's parameters.
	InputSchema() map[string]any

	// DefaultLimits returns the limits used when configuration sets none.
	DefaultLimits() Limits

	// SandboxProfile declares what the tool needs from its sandbox.
	SandboxProfile() sandbox.Profile

	// Target extracts the path and operation a call will act on. Params
	// have already passed schema validation.
	Target(params map[string]any) (Target, error)

	// Execute runs the tool against an already validated and authorized path.
	Execute(ctx context.Context, inv Invocation) (*Result, error)
}

// Target is what the pipeline validates and authorizes before execution.
type Target struct {
	Path      string
	Operation access.Operation
}

// Invocation is a fully mediated call handed to Execute.
type Invocation struct {
	// Path is the canonical, validated and authorized target.
	Path   string
	Params map[string]any
	Limits Limits
	// Skip reports canonical paths the tool must not descend into or report.
	Skip func(path string) bool `json:"-"`
}

// Limits bounds a single execution of a tool. Copied at registration and
// never modified afterwards.
type Limits struct {
	MaxExecutionTime time.Duration `json:"max_execution_time"`
	MaxMemoryMB      int           `json:"max_memory_mb"`
	MaxEntries       int           `json:"max_entries"`
	MaxDepth         int           `json:"max_depth"`
	MaxFSOperations  int           `json:"max_fs_operations"`
	MaxConcurrent    int           `json:"max_concurrent"`
}

// Merge returns l with every zero field filled from fallback.
func (l Limits) Merge(fallback Limits) Limits {
	if l.MaxExecutionTime <= 0 {
		l.MaxExecutionTime = fallback.MaxExecutionTime
	}
	if l.MaxMemoryMB <= 0 {
		l.MaxMemoryMB = fallback.MaxMemoryMB
	}
	if l.MaxEntries <= 0 {
		l.MaxEntries = fallback.MaxEntries
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = fallback.MaxDepth
	}
	if l.MaxFSOperations <= 0 {
		l.MaxFSOperations = fallback.MaxFSOperations
	}
	if l.MaxConcurrent <= 0 {
		l.MaxConcurrent = fallback.MaxConcurrent
	}
	return l
}

// Result is the outcome of a tool execution.
type Result struct {
	Data     any            `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// MaxOutputBytes is the default cap for serialized tool output.
const MaxOutputBytes = 1 << 20 // 1 MB

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const userIDKey contextKey = iota

// ContextWithUserID returns a new context carrying the user ID.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext extracts the user ID from context, or "" if not set.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// Registration is a tool together with its effective limits and compiled
// input schema.
type Registration struct {
	Tool   Tool
	Limits Limits
	schema *jsonschema.Schema
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Registration
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Registration)}
}

// Register adds a tool with limits merged over its defaults. Panics on
// duplicate names or an invalid schema (startup config error, not runtime).
func (r *Registry) Register(t Tool, limits Limits) {
	sch, err := compileSchema(t.Name(), t.InputSchema())
	if err != nil {
		panic(fmt.Sprintf("tool %s: %v", t.Name(), err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = &Registration{
		Tool:   t,
		Limits: limits.Merge(t.DefaultLimits()),
		schema: sch,
	}
}

// Get returns the registration by name, or nil if not found.
func (r *Registry) Get(name string) *Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// All returns all registrations, sorted by name.
func (r *Registry) All() []*Registration {
	names := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registration, 0, len(names))
	for _, n := range names {
		out = append(out, r.tools[n])
	}
	return out
}
