// Package capability holds the tools a worker may call during an invocation.
// Workers reference capabilities by name; the registry resolves the names at
// call time.
package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/llm"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
)

// Capability is a callable tool.
type Capability interface {
	Definition() llm.ToolDefinition
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Registry maps capability names to implementations.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Capability
	logger logging.Logger
}

// NewRegistry returns a registry holding caps.
func NewRegistry(logger logging.Logger, caps ...Capability) (*Registry, error) {
	r := &Registry{
		tools:  make(map[string]Capability),
		logger: logging.OrNop(logger),
	}
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds c; names must be unique.
func (r *Registry) Register(c Capability) error {
	name := c.Definition().Name
	if name == "" {
		return fmt.Errorf("capability has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("capability already exists: %s", name)
	}
	r.tools[name] = c
	return nil
}

// Get returns the capability registered under name.
func (r *Registry) Get(name string) (Capability, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.tools[name]
	return c, ok
}

// Resolve returns the capabilities named by refs in order. Unknown
// references are skipped with a warning.
func (r *Registry) Resolve(refs []string) []Capability {
	if r == nil {
		return nil
	}
	out := make([]Capability, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		c, ok := r.Get(ref)
		if !ok {
			r.logger.Warn("Unknown capability reference %q skipped", ref)
			continue
		}
		out = append(out, c)
	}
	return out
}

// Names lists registered capability names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions converts caps into tool definitions for the model.
func Definitions(caps []Capability) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(caps))
	for _, c := range caps {
		defs = append(defs, c.Definition())
	}
	return defs
}

// Builtins returns the stock capabilities.
func Builtins(cfg WebConfig) []Capability {
	return []Capability{NewWebFetch(cfg), NewSitemapLookup(cfg)}
}
