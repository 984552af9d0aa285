package app

import (
	"context"
	"sync"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/registry"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/server/ports"
)

// HealthCheckerImpl aggregates health probes for all components
type HealthCheckerImpl struct {
	probes []ports.HealthProbe
	mu     sync.RWMutex
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(probes ...ports.HealthProbe) *HealthCheckerImpl {
	h := &HealthCheckerImpl{}
	for _, p := range probes {
		h.RegisterProbe(p)
	}
	return h
}

// RegisterProbe adds a health probe
func (h *HealthCheckerImpl) RegisterProbe(probe ports.HealthProbe) {
	if probe == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, probe)
}

// CheckAll returns health status for all components
func (h *HealthCheckerImpl) CheckAll(ctx context.Context) []ports.ComponentHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make([]ports.ComponentHealth, 0, len(h.probes))
	for _, probe := range h.probes {
		results = append(results, probe.Check(ctx))
	}
	return results
}

// Overall folds component results into one status. Disabled components do
// not count against readiness.
func Overall(results []ports.ComponentHealth) ports.HealthStatus {
	for _, r := range results {
		switch r.Status {
		case ports.HealthStatusError:
			return ports.HealthStatusError
		case ports.HealthStatusNotReady:
			return ports.HealthStatusNotReady
		}
	}
	return ports.HealthStatusReady
}

const storeProbeTimeout = 2 * time.Second

// StoreProbe checks that the conversation store answers a listing.
type StoreProbe struct {
	store   conversation.Store
	backend string
}

func NewStoreProbe(store conversation.Store, backend string) *StoreProbe {
	return &StoreProbe{store: store, backend: backend}
}

func (p *StoreProbe) Check(ctx context.Context) ports.ComponentHealth {
	if p.store == nil {
		return ports.ComponentHealth{Name: "store", Status: ports.HealthStatusNotReady, Message: "store not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, storeProbeTimeout)
	defer cancel()
	if _, err := p.store.List(ctx, 1); err != nil {
		return ports.ComponentHealth{
			Name:    "store",
			Status:  ports.HealthStatusError,
			Message: err.Error(),
			Details: map[string]any{"backend": p.backend},
		}
	}
	return ports.ComponentHealth{
		Name:    "store",
		Status:  ports.HealthStatusReady,
		Details: map[string]any{"backend": p.backend},
	}
}

// CatalogProbe reports the loaded worker roster.
type CatalogProbe struct {
	source CatalogSource
}

func NewCatalogProbe(source CatalogSource) *CatalogProbe {
	return &CatalogProbe{source: source}
}

func (p *CatalogProbe) Check(context.Context) ports.ComponentHealth {
	if p.source == nil {
		return ports.ComponentHealth{Name: "catalog", Status: ports.HealthStatusNotReady, Message: "catalog not loaded"}
	}
	snapshot := p.source.Snapshot()
	if len(snapshot.Candidates()) == 0 {
		return ports.ComponentHealth{Name: "catalog", Status: ports.HealthStatusNotReady, Message: "no workers available"}
	}
	return ports.ComponentHealth{
		Name:   "catalog",
		Status: ports.HealthStatusReady,
		Details: map[string]any{
			"workers": len(snapshot.Workers),
			"crews":   len(snapshot.Crews),
		},
	}
}

// RegistryProbe reports how many runs are executing.
type RegistryProbe struct {
	registry *registry.Registry
}

func NewRegistryProbe(reg *registry.Registry) *RegistryProbe {
	return &RegistryProbe{registry: reg}
}

func (p *RegistryProbe) Check(context.Context) ports.ComponentHealth {
	if p.registry == nil {
		return ports.ComponentHealth{Name: "runs", Status: ports.HealthStatusDisabled}
	}
	return ports.ComponentHealth{
		Name:    "runs",
		Status:  ports.HealthStatusReady,
		Details: map[string]any{"active": p.registry.Len()},
	}
}

// LLMProbe reports whether a model provider is configured.
type LLMProbe struct {
	model      string
	configured bool
}

func NewLLMProbe(model string, configured bool) *LLMProbe {
	return &LLMProbe{model: model, configured: configured}
}

func (p *LLMProbe) Check(context.Context) ports.ComponentHealth {
	if !p.configured {
		return ports.ComponentHealth{
			Name:    "llm",
			Status:  ports.HealthStatusNotReady,
			Message: "no API key configured",
		}
	}
	return ports.ComponentHealth{
		Name:    "llm",
		Status:  ports.HealthStatusReady,
		Details: map[string]any{"model": p.model},
	}
}
