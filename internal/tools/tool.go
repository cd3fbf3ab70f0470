// Package tools holds the tools the model may call and the executor that
// runs approved calls and normalizes their outcome into tool results.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aixgo-dev/hitl/internal/llm/provider"
)

// ErrUnknownTool is reported for calls naming a tool that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is a capability the model can request.
type Tool interface {
	// Spec describes the tool to the model.
	Spec() provider.Tool

	// Invoke runs the tool. The returned value becomes payload.data of a
	// successful result unless the tool is a Persister.
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// Persister is implemented by tools that write a file. On success the
// executor reports where the file landed instead of the tool's return value.
type Persister interface {
	Tool
	Location(args map[string]any) (filePath, absPath string)
}

// Registry maps tool names to tools.
type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	if err := r.Register(tools...); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds tools, failing without changes when any name is taken.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var conflicts []string
	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		name := t.Spec().Name
		if _, exists := r.tools[name]; exists || seen[name] {
			conflicts = append(conflicts, name)
		}
		seen[name] = true
	}
	if len(conflicts) > 0 {
		return fmt.Errorf("tool name conflicts detected: %s", strings.Join(conflicts, ", "))
	}

	for _, t := range tools {
		r.tools[t.Spec().Name] = t
	}
	return nil
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Specs returns the declarations of all tools, sorted by name.
func (r *Registry) Specs() []provider.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]provider.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
