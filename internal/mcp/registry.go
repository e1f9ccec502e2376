// ABOUTME: Tool registry for the MCP dispatcher: named tools with schemas, scopes and handlers
// ABOUTME: Registration is all-or-nothing and rejects name collisions

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/coven-mcp/internal/auth"
)

// Registry errors
var (
	ErrToolCollision    = errors.New("tool name collision")
	ErrToolNotFound     = errors.New("tool not found")
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// ToolHandler runs a tool. Returning an error wrapping ErrInvalidArguments
// becomes a -32602 response; any other error is an internal error. Failures
// the caller should see as tool output belong in a CallResult with IsError.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*CallResult, error)

// Tool is one callable tool.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	// RequiredScope hides and refuses the tool for tokens without it.
	RequiredScope string
	Handler       ToolHandler
}

// Registry holds the tools a dispatcher serves. It is safe for concurrent
// use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "registry"),
	}
}

// Register adds tools. Nothing is registered if any tool is invalid or its
// name is taken.
func (r *Registry) Register(tools ...*Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		if t == nil || t.Name == "" {
			return errors.New("tool name is required")
		}
		if t.Handler == nil {
			return fmt.Errorf("tool %q has no handler", t.Name)
		}
		if len(t.InputSchema) > 0 && !json.Valid(t.InputSchema) {
			return fmt.Errorf("tool %q has an invalid input schema", t.Name)
		}
		if _, exists := r.tools[t.Name]; exists {
			return fmt.Errorf("%w: tool '%s' already registered", ErrToolCollision, t.Name)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("%w: tool '%s' listed twice", ErrToolCollision, t.Name)
		}
		seen[t.Name] = struct{}{}
	}

	for _, t := range tools {
		r.tools[t.Name] = t
		r.logger.Debug("tool registered", "tool", t.Name, "scope", t.RequiredScope)
	}
	return nil
}

// Unregister removes a tool and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// List returns the tools visible to info, sorted by name. A nil info sees
// every tool.
func (r *Registry) List(info *auth.TokenInfo) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if allowed(t, info) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func allowed(t *Tool, info *auth.TokenInfo) bool {
	return info == nil || t.RequiredScope == "" || info.HasScope(t.RequiredScope)
}
