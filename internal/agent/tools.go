package agent

import (
	"context"
	"fmt"
	"sort"
)

// Tool is one function the model may call. Execute returns the payload
// that becomes the functionResponse body.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Toolset is the fixed tool registry of one agent run.
type Toolset struct {
	tools map[string]Tool
}

// NewToolset registers the given tools, last registration wins on name
// collisions.
func NewToolset(tools ...Tool) *Toolset {
	ts := &Toolset{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		ts.tools[t.Name()] = t
	}
	return ts
}

// Declarations returns the function declarations in stable name order.
func (ts *Toolset) Declarations() []FunctionDecl {
	names := make([]string, 0, len(ts.tools))
	for name := range ts.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	decls := make([]FunctionDecl, 0, len(names))
	for _, name := range names {
		t := ts.tools[name]
		decls = append(decls, FunctionDecl{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return decls
}

// Execute dispatches one function call. Tool failures are reported back to
// the model as an error payload, never as a run failure.
func (ts *Toolset) Execute(ctx context.Context, call FunctionCall) map[string]any {
	tool, ok := ts.tools[call.Name]
	if !ok {
		return map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Name)}
	}
	result, err := tool.Execute(ctx, call.Args)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	if result == nil {
		result = map[string]any{"status": "ok"}
	}
	return result
}

// argument helpers

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func requiredStringArg(args map[string]any, key string) (string, error) {
	v := stringArg(args, key)
	if v == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return v, nil
}
