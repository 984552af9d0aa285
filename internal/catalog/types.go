// Package catalog holds the read-only worker roster, planner profile and
// crew definitions consumed by the orchestrator.
package catalog

import "strings"

// Worker is a named persona plus the capability references it may use.
type Worker struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name"`
	Role         string   `yaml:"role" json:"role"`
	Goal         string   `yaml:"goal" json:"goal,omitempty"`
	Backstory    string   `yaml:"backstory" json:"backstory,omitempty"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
	Model        string   `yaml:"model" json:"model,omitempty"`
}

// DisplayName returns the name used as message sender.
func (w Worker) DisplayName() string {
	if strings.TrimSpace(w.Name) != "" {
		return w.Name
	}
	if strings.TrimSpace(w.Role) != "" {
		return w.Role
	}
	return "Agent"
}

// Planner configures the plan resolver.
type Planner struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	Model        string `yaml:"model" json:"model"`
	SystemPrompt string `yaml:"system_prompt" json:"systemPrompt"`
	MaxWorkers   int    `yaml:"max_workers" json:"maxAgents"`
	Process      string `yaml:"process" json:"process"`
}

// MemoryPolicy names the worker that summarises runs. That worker never takes
// part in planned pipelines.
type MemoryPolicy struct {
	WorkerID string `yaml:"worker_id" json:"workerId"`
}

// Crew is a predefined worker subset the user may choose instead of the planner.
type Crew struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	DisplayName string   `yaml:"display_name" json:"displayName,omitempty"`
	Description string   `yaml:"description" json:"description,omitempty"`
	WorkerIDs   []string `yaml:"workers" json:"workers"`
	Process     string   `yaml:"process" json:"process,omitempty"`
}

// Label returns the user-facing crew name.
func (c Crew) Label() string {
	if strings.TrimSpace(c.DisplayName) != "" {
		return c.DisplayName
	}
	return c.Name
}

// Snapshot is an immutable view of the catalog at one point in time.
type Snapshot struct {
	Workers []Worker      `yaml:"workers"`
	Planner Planner       `yaml:"planner"`
	Memory  *MemoryPolicy `yaml:"memory"`
	Crews   []Crew        `yaml:"crews"`
}

// Worker looks a worker up by id.
func (s Snapshot) Worker(id string) (Worker, bool) {
	for _, w := range s.Workers {
		if w.ID == id {
			return w, true
		}
	}
	return Worker{}, false
}

// MemoryWorker returns the summariser worker, if one is configured and present.
func (s Snapshot) MemoryWorker() (Worker, bool) {
	if s.Memory == nil || s.Memory.WorkerID == "" {
		return Worker{}, false
	}
	return s.Worker(s.Memory.WorkerID)
}

// Candidates returns the workers eligible for planning, excluding the memory worker.
func (s Snapshot) Candidates() []Worker {
	memoryID := ""
	if s.Memory != nil {
		memoryID = s.Memory.WorkerID
	}
	out := make([]Worker, 0, len(s.Workers))
	for _, w := range s.Workers {
		if w.ID == memoryID {
			continue
		}
		out = append(out, w)
	}
	return out
}

// CrewWorkers resolves the members of a crew, skipping unknown ids.
func (s Snapshot) CrewWorkers(crewID string) ([]Worker, Crew, bool) {
	for _, c := range s.Crews {
		if c.ID != crewID {
			continue
		}
		members := make([]Worker, 0, len(c.WorkerIDs))
		for _, id := range c.WorkerIDs {
			if w, ok := s.Worker(id); ok {
				members = append(members, w)
			}
		}
		return members, c, true
	}
	return nil, Crew{}, false
}

// DedupedCrews drops crews whose label repeats an earlier one (case-insensitive).
func (s Snapshot) DedupedCrews() []Crew {
	seen := make(map[string]struct{}, len(s.Crews))
	out := make([]Crew, 0, len(s.Crews))
	for _, c := range s.Crews {
		key := strings.ToLower(strings.TrimSpace(c.Label()))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}
