package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Catalog serves the current snapshot and reloads it from its file on demand.
type Catalog struct {
	path string

	mu       sync.RWMutex
	snapshot Snapshot
	updates  chan struct{}
}

// NewStatic returns a catalog that always serves snapshot.
func NewStatic(snapshot Snapshot) *Catalog {
	applyDefaults(&snapshot)
	return &Catalog{snapshot: snapshot, updates: make(chan struct{}, 1)}
}

// Open loads the catalog file at path. An empty path serves the built-in roster.
func Open(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewStatic(Default()), nil
	}
	snapshot, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &Catalog{path: path, snapshot: snapshot, updates: make(chan struct{}, 1)}, nil
}

// LoadFile parses a YAML catalog file.
func LoadFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read catalog: %w", err)
	}
	var snapshot Snapshot
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("parse catalog: %w", err)
	}
	if err := validate(snapshot); err != nil {
		return Snapshot{}, err
	}
	applyDefaults(&snapshot)
	return snapshot, nil
}

func validate(s Snapshot) error {
	if len(s.Workers) == 0 {
		return fmt.Errorf("catalog defines no workers")
	}
	seen := make(map[string]struct{}, len(s.Workers))
	for i, w := range s.Workers {
		if strings.TrimSpace(w.ID) == "" {
			return fmt.Errorf("worker %d has no id", i)
		}
		if _, dup := seen[w.ID]; dup {
			return fmt.Errorf("duplicate worker id %q", w.ID)
		}
		seen[w.ID] = struct{}{}
	}
	return nil
}

// Path returns the backing file, empty for static catalogs.
func (c *Catalog) Path() string {
	return c.path
}

// Snapshot returns the current catalog contents.
func (c *Catalog) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Reload re-reads the backing file. A parse failure keeps the previous snapshot.
func (c *Catalog) Reload(_ context.Context) error {
	if c.path == "" {
		return nil
	}
	snapshot, err := LoadFile(c.path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.snapshot = snapshot
	c.mu.Unlock()
	select {
	case c.updates <- struct{}{}:
	default:
	}
	return nil
}

// Updates signals after each successful reload.
func (c *Catalog) Updates() <-chan struct{} {
	return c.updates
}
