package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/jkaninda/toolgate/internal/security"
)

// compileSchema compiles a tool's input schema. The schema goes through a
// JSON round trip so the compiler sees plain decoded values.
func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	doc, err := toJSONValue(schema)
	if err != nil {
		return nil, fmt.Errorf("encoding input schema: %w", err)
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("adding input schema: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling input schema: %w", err)
	}
	return sch, nil
}

// ValidateParams checks params against the tool's input schema and
// returns an InvalidRequest error listing every violation.
func (reg *Registration) ValidateParams(params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	inst, err := toJSONValue(params)
	if err != nil {
		return security.NewError(security.CodeInvalidRequest, "parameters are not valid JSON").WithCause(err)
	}
	if err := reg.schema.Validate(inst); err != nil {
		se := security.NewError(security.CodeInvalidRequest,
			"parameters do not match the %s input schema", reg.Tool.Name())
		return se.WithDetail("violations", violations(err))
	}
	return nil
}

// violations turns the validator's indented report into one entry per
// line, dropping the header.
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

func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
