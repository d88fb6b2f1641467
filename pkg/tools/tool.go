// Package tools defines the tool boundary: typed tool definitions with JSON
// schemas, a registry that executes them by name, and the Result shape
// returned to the model.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrUnknownTool is returned when a call names a tool that is not
// registered.
var ErrUnknownTool = errors.New("tools: unknown tool")

// Call is a single tool invocation requested by the model.
type Call struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Executor runs tool calls.
type Executor interface {
	Execute(ctx context.Context, call Call) (Result, error)
}

// Spec describes a tool to the model.
type Spec struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// Tool is a named, schema-described function.
type Tool struct {
	Spec

	invoke func(ctx context.Context, args string) (Result, error)
}

// New builds a tool whose parameter schema is derived from Args.
func New[Args any](name, description string, fn func(ctx context.Context, args Args) (Result, error)) (*Tool, error) {
	schema, err := jsonschema.For[Args](nil)
	if err != nil {
		return nil, fmt.Errorf("tools: schema for %s: %w", name, err)
	}
	return &Tool{
		Spec: Spec{Name: name, Description: description, Parameters: schema},
		invoke: func(ctx context.Context, raw string) (Result, error) {
			var args Args
			if err := DecodeArgs(raw, &args); err != nil {
				return Result{}, fmt.Errorf("decode arguments %q: %w", raw, err)
			}
			return fn(ctx, args)
		},
	}, nil
}

// MustNew is like New but panics on error.
func MustNew[Args any](name, description string, fn func(ctx context.Context, args Args) (Result, error)) *Tool {
	t, err := New(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

// Registry is a set of tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry returns a registry holding tools.
func NewRegistry(tools ...*Tool) *Registry {
	r := &Registry{tools: make(map[string]*Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds t, replacing any tool of the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	r.tools[t.Name] = t
	r.mu.Unlock()
}

// Get returns the tool called name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Specs returns the specs of the named tools, skipping unknown names.
func (r *Registry) Specs(names []string) []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(names))
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			specs = append(specs, t.Spec)
		}
	}
	return specs
}

// Execute runs the named tool.
func (r *Registry) Execute(ctx context.Context, call Call) (Result, error) {
	t, ok := r.Get(call.Name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
	return t.invoke(ctx, call.Arguments)
}

// NewRaw builds a tool from an explicit spec. fn receives the model's
// arguments after normalization.
func NewRaw(spec Spec, fn func(ctx context.Context, args string) (Result, error)) *Tool {
	return &Tool{Spec: spec, invoke: fn}
}
