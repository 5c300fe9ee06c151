package llm

import (
	"context"
	"fmt"
	"sync"

	"charm.land/catwalk/pkg/catwalk"
)

// ModelInfo is one catalog entry for the provider listing.
type ModelInfo struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Provider      string  `json:"provider"`
	ContextWindow int64   `json:"context_window"`
	CostPer1MIn   float64 `json:"cost_per_1m_in"`
	CostPer1MOut  float64 `json:"cost_per_1m_out"`
	CanReason     bool    `json:"can_reason"`
}

// catalog caches the catwalk provider list. Failed fetches are not
// cached, so a later call can succeed once the network is back.
type catalog struct {
	mu        sync.Mutex
	providers []catwalk.Provider
}

var modelCatalog catalog

func (c *catalog) load(ctx context.Context) ([]catwalk.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.providers != nil {
		return c.providers, nil
	}
	providers, err := catwalk.New().GetProviders(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch providers from catwalk: %w", err)
	}
	c.providers = providers
	return providers, nil
}

// ListAllModels returns a flat list of every known model across providers.
func ListAllModels(ctx context.Context) ([]ModelInfo, error) {
	providers, err := modelCatalog.load(ctx)
	if err != nil {
		return nil, err
	}

	var models []ModelInfo
	for _, p := range providers {
		for _, m := range p.Models {
			models = append(models, ModelInfo{
				ID:            m.ID,
				Name:          m.Name,
				Provider:      string(p.ID),
				ContextWindow: m.ContextWindow,
				CostPer1MIn:   m.CostPer1MIn,
				CostPer1MOut:  m.CostPer1MOut,
				CanReason:     m.CanReason,
			})
		}
	}
	return models, nil
}
