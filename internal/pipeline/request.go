package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/jkaninda/toolgate/internal/access"
	"github.com/jkaninda/toolgate/internal/security"
)

// Request is the wire form of a tool call.
type Request struct {
	ToolID          string          `json:"tool_id"`
	Parameters      map[string]any  `json:"parameters,omitempty"`
	SecurityContext *RequestContext `json:"security_context,omitempty"`
}

// RequestContext is what a caller may say about itself. It can pick a
// session and narrow the authenticated principal, never widen it.
type RequestContext struct {
	UserID      string   `json:"user_id,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

const requestSchemaURL = "request.schema.json"

const requestSchema = `{
  "type": "object",
  "required": ["tool_id"],
  "properties": {
    "tool_id": {"type": "string", "minLength": 1, "maxLength": 128, "pattern": "^[A-Za-z0-9_.-]+$"},
    "parameters": {"type": "object"},
    "security_context": {
      "type": "object",
      "properties": {
        "user_id": {"type": "string", "minLength": 1, "maxLength": 256},
        "session_id": {"type": "string", "maxLength": 256},
        "permissions": {"type": "array", "maxItems": 64, "items": {"type": "string", "minLength": 1}}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

var compiledRequestSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(requestSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(requestSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(requestSchemaURL)
})

// DecodeRequest parses and schema-checks a JSON tool call. Every failure
// is an InvalidRequest error.
func DecodeRequest(data []byte) (Request, error) {
	sch, err := compiledRequestSchema()
	if err != nil {
		return Request{}, fmt.Errorf("compiling request schema: %w", err)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Request{}, security.NewError(security.CodeInvalidRequest, "request is not valid JSON").WithCause(err)
	}
	if err := sch.Validate(inst); err != nil {
		return Request{}, security.NewError(security.CodeInvalidRequest, "request does not match the schema").
			WithDetail("violations", violations(err))
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, security.NewError(security.CodeInvalidRequest, "decoding request").WithCause(err)
	}
	return req, nil
}

// Resolve derives the security context of the call from the authenticated
// principal. A user_id that names someone else is rejected; requested
// permissions keep only what the principal's grants cover.
func (r Request) Resolve(principal security.Context) (security.Context, error) {
	rc := r.SecurityContext
	if rc == nil {
		return principal, nil
	}
	if rc.UserID != "" && principal.UserID != "" && rc.UserID != principal.UserID {
		return security.Context{}, security.NewError(security.CodeInvalidRequest,
			"security_context.user_id does not match the authenticated principal").
			WithDetail("user_id", rc.UserID)
	}

	ctx := principal
	if ctx.UserID == "" {
		ctx.UserID = rc.UserID
	}
	if rc.SessionID != "" {
		ctx.SessionID = rc.SessionID
	}
	if len(rc.Permissions) > 0 {
		requested, err := security.ParsePermissions(rc.Permissions)
		if err != nil {
			return security.Context{}, security.NewError(security.CodeInvalidRequest,
				"invalid permission in security_context").WithCause(err)
		}
		ctx = ctx.WithPermissions(principal.Permissions.Narrow(requested, access.Covers))
	}
	return ctx, nil
}

// Call turns a resolved request into a pipeline call.
func (r Request) Call(ctx security.Context) Call {
	return Call{ToolID: r.ToolID, Params: r.Parameters, Context: ctx}
}

func violations(err error) []string {
	var out []string
	for i, line := range strings.Split(err.Error(), "\n") {
		line = strings.TrimSpace(line)
		if i == 0 || line == "" {
			continue
		}
		out = append(out, strings.TrimPrefix(line, "- "))
	}
	return out
}
