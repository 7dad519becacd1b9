// Package tools holds the callable tool catalogue offered to workers. Tools
// are registered at startup, advertised to the planning model by name and
// docstring, and invoked by the sandbox bridge during worker execution.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Tool is one callable capability.
type Tool struct {
	Name string
	// Doc is the docstring shown to the planning model.
	Doc string
	// Call runs the tool with keyword arguments and returns its result.
	Call func(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Registry is a concurrency-safe tool catalogue.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
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

// Catalogue renders the tool list as name/docstring pairs for prompts.
func (r *Registry) Catalogue() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.tools) == 0 {
		return "No tools are available."
	}
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, r.tools[name].Doc)
	}
	return b.String()
}

// Select returns the subset of tools matching names, skipping unknown ones.
func (r *Registry) Select(names []string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Docstrings renders the docs of the named tools for a worker prompt.
func (r *Registry) Docstrings(names []string) string {
	selected := r.Select(names)
	if len(selected) == 0 {
		return "No tools were granted for this task."
	}
	var b strings.Builder
	for _, t := range selected {
		fmt.Fprintf(&b, "## %s\n%s\n\n", t.Name, t.Doc)
	}
	return strings.TrimSpace(b.String())
}
