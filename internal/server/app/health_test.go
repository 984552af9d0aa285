package app

import (
	"context"
	"errors"
	"testing"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/registry"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/server/ports"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/session/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHealthProbe struct {
	health ports.ComponentHealth
}

func (m *mockHealthProbe) Check(context.Context) ports.ComponentHealth {
	return m.health
}

type failingStore struct {
	conversation.Store
}

func (failingStore) List(context.Context, int) ([]conversation.Conversation, error) {
	return nil, errors.New("connection refused")
}

func TestHealthChecker(t *testing.T) {
	t.Parallel()

	t.Run("registers and checks probes", func(t *testing.T) {
		checker := NewHealthChecker(&mockHealthProbe{health: ports.ComponentHealth{
			Name:   "test_component",
			Status: ports.HealthStatusReady,
		}})
		checker.RegisterProbe(nil)

		results := checker.CheckAll(context.Background())
		require.Len(t, results, 1)
		assert.Equal(t, "test_component", results[0].Name)
		assert.Equal(t, ports.HealthStatusReady, Overall(results))
	})

	t.Run("not ready and error dominate", func(t *testing.T) {
		results := []ports.ComponentHealth{
			{Name: "a", Status: ports.HealthStatusReady},
			{Name: "b", Status: ports.HealthStatusDisabled},
		}
		assert.Equal(t, ports.HealthStatusReady, Overall(results))

		results = append(results, ports.ComponentHealth{Name: "c", Status: ports.HealthStatusNotReady})
		assert.Equal(t, ports.HealthStatusNotReady, Overall(results))

		results = append(results, ports.ComponentHealth{Name: "d", Status: ports.HealthStatusError})
		assert.Equal(t, ports.HealthStatusError, Overall(results))
	})
}

func TestStoreProbe(t *testing.T) {
	t.Parallel()

	ok := NewStoreProbe(memstore.New(), "memory").Check(context.Background())
	assert.Equal(t, ports.HealthStatusReady, ok.Status)
	assert.Equal(t, "memory", ok.Details["backend"])

	bad := NewStoreProbe(failingStore{}, "postgres").Check(context.Background())
	assert.Equal(t, ports.HealthStatusError, bad.Status)
	assert.Contains(t, bad.Message, "connection refused")

	assert.Equal(t, ports.HealthStatusNotReady, NewStoreProbe(nil, "").Check(context.Background()).Status)
}

func TestCatalogAndRegistryProbes(t *testing.T) {
	t.Parallel()

	ready := NewCatalogProbe(catalog.NewStatic(catalog.Default())).Check(context.Background())
	assert.Equal(t, ports.HealthStatusReady, ready.Status)

	empty := NewCatalogProbe(catalog.NewStatic(catalog.Snapshot{})).Check(context.Background())
	assert.Equal(t, ports.HealthStatusNotReady, empty.Status)

	reg := registry.New(nil)
	runs := NewRegistryProbe(reg).Check(context.Background())
	assert.Equal(t, ports.HealthStatusReady, runs.Status)
	assert.Equal(t, 0, runs.Details["active"])

	assert.Equal(t, ports.HealthStatusNotReady, NewLLMProbe("gpt", false).Check(context.Background()).Status)
	assert.Equal(t, ports.HealthStatusReady, NewLLMProbe("gpt", true).Check(context.Background()).Status)
}
