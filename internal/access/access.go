// Package access decides whether a validated path and operation are
// permitted for a security context. It never touches the filesystem.
package access

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jkaninda/toolgate/internal/pathguard"
	"github.com/jkaninda/toolgate/internal/security"
)

// DefaultMaxDepth caps recursive listings when no limit is configured.
const DefaultMaxDepth = 10

// OpKind identifies the kind of filesystem operation being authorized.
type OpKind int

const (
	OpList OpKind = iota
	OpRecursiveList
)

func (k OpKind) String() string {
	switch k {
	case OpList:
		return "list"
	case OpRecursiveList:
		return "recursive_list"
	default:
		return "unknown"
	}
}

// Operation is the action a tool call wants to perform on a path.
type Operation struct {
	Kind  OpKind
	Depth int // RecursiveList only.
}

// List is a single-level directory listing.
func List() Operation { return Operation{Kind: OpList} }

// RecursiveList walks up to depth levels below the target.
func RecursiveList(depth int) Operation { return Operation{Kind: OpRecursiveList, Depth: depth} }

// Capability is the permission kind the operation needs.
func (o Operation) Capability() security.PermissionKind {
	return security.PermFileRead
}

func (o Operation) String() string {
	if o.Kind == OpRecursiveList {
		return o.Kind.String() + "(" + strconv.Itoa(o.Depth) + ")"
	}
	return o.Kind.String()
}

// Config tunes the controller.
type Config struct {
	MaxDepth       int
	SensitivePaths []string // Added to the built-in set.
}

// Controller authorizes operations. Stateless and safe for concurrent use.
type Controller struct {
	maxDepth  int
	sensitive []string
	dotfiles  map[string]bool
}

// New creates a controller. A zero MaxDepth means DefaultMaxDepth.
func New(cfg Config) *Controller {
	depth := cfg.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	c := &Controller{
		maxDepth: depth,
		dotfiles: make(map[string]bool, len(sensitiveDotfiles)),
	}
	for _, d := range sensitiveDotfiles {
		c.dotfiles[d] = true
	}
	c.sensitive = append(c.sensitive, sensitiveRoots...)
	if home, err := os.UserHomeDir(); err == nil {
		for _, rel := range sensitiveHomePaths {
			c.sensitive = append(c.sensitive, filepath.Join(home, rel))
		}
	}
	for _, p := range cfg.SensitivePaths {
		c.sensitive = append(c.sensitive, filepath.Clean(p))
	}
	return c
}

// MaxDepth returns the configured recursion cap.
func (c *Controller) MaxDepth() int { return c.maxDepth }

// CheckAccess returns nil if ctx holds a permission covering path for op.
// The depth cap is checked first and applies regardless of path policy.
func (c *Controller) CheckAccess(path string, op Operation, ctx security.Context) error {
	if op.Kind == OpRecursiveList && op.Depth > c.maxDepth {
		return security.NewError(security.CodeDepthLimitExceeded,
			"recursion depth %d exceeds the limit of %d", op.Depth, c.maxDepth).
			WithSuggestion("lower max_depth to "+strconv.Itoa(c.maxDepth)+" or less").
			WithDetail("depth", op.Depth).
			WithDetail("max_depth", c.maxDepth)
	}

	capability := op.Capability()
	for _, pattern := range ctx.Permissions.OfKind(capability) {
		if MatchPath(pattern, path) {
			return nil
		}
	}
	return security.NewError(security.CodeAccessDenied,
		"no %s permission covers %s", capability, path).
		WithDetail("path", path).
		WithDetail("operation", op.String()).
		WithDetail("required", string(capability))
}

// Built-in sensitive locations. Touching them raises audit risk only.
var (
	sensitiveRoots = []string{
		"/proc",
		"/sys",
		"/dev",
		"/etc/shadow",
		"/etc/gshadow",
		"/etc/sudoers",
		"/etc/ssl/private",
	}
	sensitiveHomePaths = []string{
		".config/gcloud",
		".kube/config",
		".docker/config.json",
		".aws/credentials",
	}
	// directory or file names that are sensitive wherever they appear.
	sensitiveDotfiles = []string{
		".ssh",
		".gnupg",
		".aws",
		".kube",
		".netrc",
		".pgpass",
		".env",
		".git-credentials",
		".npmrc",
		".pypirc",
		".vault-token",
	}
)

// Sensitive reports whether path is a credential store or kernel
// pseudo-filesystem.
func (c *Controller) Sensitive(path string) bool {
	path = filepath.Clean(path)
	for _, root := range c.sensitive {
		if pathguard.Within(path, root) {
			return true
		}
	}
	for part := range strings.SplitSeq(path, string(os.PathSeparator)) {
		if c.dotfiles[part] {
			return true
		}
	}
	return false
}
