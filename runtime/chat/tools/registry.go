// Package tools holds the tools the assistant may call and validates model
// supplied arguments against each tool's JSON Schema before running it.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/lackey/runtime/chat/model"
)

var (
	// ErrUnknownTool is returned when the model calls a tool that is not
	// registered.
	ErrUnknownTool = errors.New("tools: unknown tool")
	// ErrInvalidArgs is returned when arguments fail schema validation.
	ErrInvalidArgs = errors.New("tools: invalid arguments")
)

type (
	// Tool is a callable exposed to the model.
	Tool struct {
		// Name is the identifier the model uses to call the tool.
		Name string
		// Description documents the tool for the model.
		Description string
		// InputSchema is the JSON Schema of the arguments object.
		InputSchema map[string]any
		// Execute runs the tool with validated arguments. The result must be
		// JSON serializable.
		Execute func(ctx context.Context, args map[string]any) (any, error)
	}

	// Registry is an immutable set of tools with compiled schemas.
	Registry struct {
		order   []string
		entries map[string]*entry
	}

	entry struct {
		tool   Tool
		schema *jsonschema.Schema
	}
)

// NewRegistry compiles the schema of every tool. Tool names must be unique.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{entries: make(map[string]*entry, len(tools))}
	for _, t := range tools {
		if t.Name == "" {
			return nil, errors.New("tools: tool name is required")
		}
		if t.Execute == nil {
			return nil, fmt.Errorf("tools: %s: Execute is required", t.Name)
		}
		if _, dup := r.entries[t.Name]; dup {
			return nil, fmt.Errorf("tools: duplicate tool %q", t.Name)
		}
		schema, err := compile(t.Name, t.InputSchema)
		if err != nil {
			return nil, err
		}
		r.entries[t.Name] = &entry{tool: t, schema: schema}
		r.order = append(r.order, t.Name)
	}
	return r, nil
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Definitions returns the tool declarations sent to the model.
func (r *Registry) Definitions() []*model.ToolDefinition {
	defs := make([]*model.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.entries[name].tool
		defs = append(defs, &model.ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return defs
}

// Execute validates args and runs the named tool. The tool receives args
// in JSON value form (numbers as float64).
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	doc, err := normalize(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if e.schema != nil {
		if err := e.schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArgs, name, err)
		}
	}
	return e.tool.Execute(ctx, doc.(map[string]any))
}

func compile(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	doc, err := normalize(schema)
	if err != nil {
		return nil, fmt.Errorf("tools: %s: schema: %w", name, err)
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tools: %s: add schema resource: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tools: %s: compile schema: %w", name, err)
	}
	return compiled, nil
}

// normalize converts v into the generic JSON value space (map[string]any,
// []any, float64...) expected by the validator.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
