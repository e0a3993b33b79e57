package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jkaninda/toolgate/internal/pathguard"
	"github.com/jkaninda/toolgate/internal/ratelimit"
	"github.com/jkaninda/toolgate/internal/sandbox"
	"github.com/jkaninda/toolgate/internal/security"
	"github.com/jkaninda/toolgate/internal/tools"
)

// IsolatedInput is what the parent sends to an isolated child. The path has
// already been validated and authorized by the parent.
type IsolatedInput struct {
	Path   string         `json:"path"`
	Params map[string]any `json:"params,omitempty"`
	Limits tools.Limits   `json:"limits"`
}

// ChildRunner returns the function an isolated child hands to
// sandbox.ServeChild. Blocked subtrees come from the sandbox config, so the
// child prunes the same directories the parent would.
func ChildRunner(reg *tools.Registry) func(ctx context.Context, cfg sandbox.Config, input []byte) (json.RawMessage, error) {
	return func(ctx context.Context, cfg sandbox.Config, input []byte) (json.RawMessage, error) {
		r := reg.Get(cfg.ToolID)
		if r == nil {
			return nil, security.NewError(security.CodeToolNotFound, "no tool named %q", cfg.ToolID)
		}
		var in IsolatedInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, security.NewError(security.CodeInvalidRequest, "decoding isolated input").WithCause(err)
		}

		blocked := pathguard.New(pathguard.Policy{BlockedPaths: cfg.Filesystem.Blocked})
		inv := tools.Invocation{
			Path:   in.Path,
			Params: in.Params,
			Limits: in.Limits,
			Skip:   blocked.IsBlocked,
		}
		res, err := ratelimit.Run(ctx, cfg.Timeout, func(ctx context.Context) (*tools.Result, error) {
			return r.Tool.Execute(ctx, inv)
		})
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("encoding result: %w", err)
		}
		return out, nil
	}
}
