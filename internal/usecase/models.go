package usecase

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"bedrock-chatbot/internal/domain"
	"bedrock-chatbot/internal/integrations/bedrock"
)

const (
	catalogNote  = "Use models with 'TEXT' in output_modalities for chat"
	fallbackNote = "Limited list - enable full access in AWS Bedrock console. Use region-prefixed model IDs (us., eu., etc.)"
)

// ModelCatalog is the result of ListModels.
type ModelCatalog struct {
	Models         []domain.ModelInfo
	Count          int
	CurrentDefault string
	Note           string
	Fallback       bool
}

func fallbackModels() []domain.ModelInfo {
	return []domain.ModelInfo{
		{ID: "us.amazon.nova-pro-v1:0", Name: "Amazon Nova Pro", Provider: "Amazon", Note: "Default model - use region-prefixed ID"},
		{ID: "us.amazon.nova-lite-v1:0", Name: "Amazon Nova Lite", Provider: "Amazon"},
		{ID: "us.amazon.nova-micro-v1:0", Name: "Amazon Nova Micro", Provider: "Amazon"},
	}
}

// modelCache holds the last successful catalog listing. Concurrent misses
// share one upstream call.
type modelCache struct {
	ttl   time.Duration
	group singleflight.Group

	mu        sync.RWMutex
	models    []domain.ModelInfo
	fetchedAt time.Time
}

func (c *modelCache) get(now time.Time) ([]domain.ModelInfo, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.models == nil || now.Sub(c.fetchedAt) >= c.ttl {
		return nil, false
	}
	return slices.Clone(c.models), true
}

func (c *modelCache) set(models []domain.ModelInfo, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.models = slices.Clone(models)
	c.fetchedAt = now
	c.mu.Unlock()
}

// known reports whether id appeared in the last fetched catalog, however
// old the listing is.
func (c *modelCache) known(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.ContainsFunc(c.models, func(m domain.ModelInfo) bool { return m.ID == id })
}

// modelLabel maps a model id onto a bounded metric label. Request overrides
// are caller-controlled, so ids outside the default, the fallback list and
// the fetched catalog collapse into one label.
func (s *ChatService) modelLabel(model string) string {
	if model == s.cfg.DefaultModel || s.models.known(model) {
		return model
	}
	if slices.ContainsFunc(fallbackModels(), func(m domain.ModelInfo) bool { return m.ID == model }) {
		return model
	}
	return otherModelLabel
}

// ListModels returns the text-capable models offered by the inference
// provider. When the catalog is not accessible to the caller's credentials a
// static list of well-known models is returned instead.
func (s *ChatService) ListModels(ctx context.Context) (ModelCatalog, error) {
	models, ok := s.models.get(s.now())
	if !ok {
		v, err, _ := s.models.group.Do("models", func() (any, error) {
			listed, err := s.llm.ListModels(ctx)
			if err != nil {
				return nil, err
			}
			s.models.set(listed, s.now())
			return listed, nil
		})
		if err != nil {
			if bedrock.IsAccessDenied(err) {
				s.logger.Warn("model catalog not accessible, using fallback list", "err", err)
				models := fallbackModels()
				return ModelCatalog{
					Models:         models,
					Count:          len(models),
					CurrentDefault: s.cfg.DefaultModel,
					Note:           fallbackNote,
					Fallback:       true,
				}, nil
			}
			if bedrock.IsThrottled(err) {
				return ModelCatalog{}, newError(ErrorRateLimited, "model_catalog_throttled", err)
			}
			return ModelCatalog{}, newError(ErrorModelInvocation, "model_catalog_error", err)
		}
		models = slices.Clone(v.([]domain.ModelInfo))
	}

	return ModelCatalog{
		Models:         models,
		Count:          len(models),
		CurrentDefault: s.cfg.DefaultModel,
		Note:           catalogNote,
	}, nil
}
