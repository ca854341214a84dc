package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler executes one tool call. Args hold the decoded JSON arguments
// object.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Tool describes a callable tool exposed to the agents.
type Tool struct {
	Name        string
	Description string

	// Schema is the JSON Schema for the arguments object. Empty means the
	// tool accepts anything.
	Schema json.RawMessage

	// Timeout bounds one call. Zero falls back to the executor default.
	Timeout time.Duration

	Handler Handler
}

// Info is the read-only tool description handed to the context builder.
type Info struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

type registeredTool struct {
	tool     Tool
	compiled *jsonschema.Schema
}

// Registry maps tool names to handlers with compiled argument schemas.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool, compiling its argument schema. Registering a name
// twice replaces the previous entry.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", t.Name)
	}
	rt := &registeredTool{tool: t}
	if len(t.Schema) > 0 {
		var doc interface{}
		if err := json.Unmarshal(t.Schema, &doc); err != nil {
			return fmt.Errorf("tool %s: parse schema: %w", t.Name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return fmt.Errorf("tool %s: add schema resource: %w", t.Name, err)
		}
		compiled, err := c.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
		}
		rt.compiled = compiled
	}
	r.mu.Lock()
	r.tools[t.Name] = rt
	r.mu.Unlock()
	return nil
}

func (r *Registry) get(name string) (*registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	return rt, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, Info{
			Name:        rt.tool.Name,
			Description: rt.tool.Description,
			Schema:      rt.tool.Schema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// validateArgs checks args against the tool's compiled schema. A nil schema
// accepts everything.
func (rt *registeredTool) validateArgs(args map[string]interface{}) error {
	if rt.compiled == nil {
		return nil
	}
	// Round-trip through JSON so handler-friendly Go values (ints, structs)
	// become the plain types the validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return rt.compiled.Validate(doc)
}
