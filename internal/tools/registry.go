package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is a callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) Result
}

// Definition describes a tool for prompts.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Func adapts a function to the Tool interface.
type Func struct {
	ToolName string
	Desc     string
	Params   map[string]interface{}
	Fn       func(ctx context.Context, args map[string]interface{}) Result
}

// NewTool creates a Tool from a function.
func NewTool(name, description string, params map[string]interface{}, fn func(ctx context.Context, args map[string]interface{}) Result) *Func {
	return &Func{ToolName: name, Desc: description, Params: params, Fn: fn}
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.Desc }

func (f *Func) Parameters() map[string]interface{} {
	if f.Params == nil {
		return Schema(nil)
	}
	return f.Params
}

func (f *Func) Execute(ctx context.Context, args map[string]interface{}) Result {
	return f.Fn(ctx, args)
}

// Registry holds the tools available to a dispatcher. It is constructed explicitly
// and safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t. Registering a name twice is an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Replace adds or overwrites t.
func (r *Registry) Replace(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool or nil.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns tool definitions, sorted by name.
func (r *Registry) Definitions() []Definition {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, Definition{Name: name, Description: t.Description(), Parameters: t.Parameters()})
	}
	return defs
}

// Prop describes one tool parameter.
type Prop struct {
	Name        string
	Type        string
	Description string
	Required    bool
	Enum        []string
}

// Schema builds a JSON-schema object from props.
func Schema(props []Prop) map[string]interface{} {
	properties := make(map[string]interface{}, len(props))
	required := []string{}
	for _, p := range props {
		prop := map[string]interface{}{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}
