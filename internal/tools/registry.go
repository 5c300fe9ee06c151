// Package tools provides the tool registry and builtin tools the
// assistant can invoke.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Tool is the interface implemented by every callable tool.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Registry holds the available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// NewBuiltinRegistry creates a registry populated with the builtin tools,
// rooted at the given workspace directory.
func NewBuiltinRegistry(workspace string, policy *Policy) *Registry {
	r := NewRegistry()
	if policy == nil {
		policy = NewPolicy()
	}

	builtins := []Tool{
		&readFileTool{workspace: workspace},
		&writeFileTool{workspace: workspace},
		&editFileTool{workspace: workspace},
		&listDirTool{workspace: workspace},
		&terminalCmdTool{workspace: workspace, policy: policy},
		&runTestsTool{workspace: workspace},
		&gitStatusTool{workspace: workspace},
		&gitAddTool{workspace: workspace},
		&gitCommitTool{workspace: workspace},
		&gitDiffTool{workspace: workspace},
		&webFetchTool{},
	}
	for _, t := range builtins {
		// Builtin names are unique by construction.
		r.Register(t)
	}
	return r
}

// Register adds a tool to the registry. Duplicate names are an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]Tool, 0, len(names))
	for _, name := range names {
		result = append(result, r.tools[name])
	}
	return result
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	tools := r.List()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name()
	}
	return names
}

// Describe returns a prompt-ready catalog of the registered tools.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, t := range r.List() {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name(), t.Description())
		params := t.Parameters()
		if len(params) == 0 {
			continue
		}
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "    %s: %v\n", k, params[k])
		}
	}
	return b.String()
}

// stringArg extracts a required string argument.
func stringArg(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

// optionalStringArg extracts an optional string argument.
func optionalStringArg(args map[string]interface{}, key, def string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}
