package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

// New returns the adapter for id.
func New(id ID, client *http.Client, logger *zap.Logger) (Provider, error) {
	return newAdapter(id, newTransport(client, logger))
}

func newAdapter(id ID, t *transport) (Provider, error) {
	switch id {
	case Ollama:
		return newOllama(t), nil
	case LlamaCpp:
		return newLlamaCpp(t), nil
	case LMStudio:
		return newLMStudio(t), nil
	case OpenAI:
		return newOpenAI(t), nil
	case OpenAICompatible:
		return newOpenAICompatible(t), nil
	case OpenRouter:
		return newOpenRouter(t), nil
	case Claude:
		return newClaude(t), nil
	case Google:
		return newGoogle(t), nil
	case Mistral:
		return newMistral(t), nil
	case Codestral:
		return newCodestral(t), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
}

// Registry holds one adapter per backend and caches model listings.
type Registry struct {
	adapters map[ID]Provider
	models   *ttlcache.Cache[string, []string]
	logger   *zap.Logger
}

// NewRegistry creates adapters for every supported backend sharing one
// HTTP client. Model listings are cached for modelTTL.
func NewRegistry(client *http.Client, modelTTL time.Duration, logger *zap.Logger) *Registry {
	if modelTTL <= 0 {
		modelTTL = 5 * time.Minute
	}
	t := newTransport(client, logger)
	r := &Registry{
		adapters: make(map[ID]Provider, len(IDs)),
		models: ttlcache.New[string, []string](
			ttlcache.WithTTL[string, []string](modelTTL),
			ttlcache.WithDisableTouchOnHit[string, []string](),
		),
		logger: logger,
	}
	go r.models.Start()
	for _, id := range IDs {
		p, _ := newAdapter(id, t)
		r.adapters[id] = p
	}
	logger.Debug("provider registry ready", zap.Int("adapters", len(r.adapters)))
	return r
}

// Get returns the adapter for id.
func (r *Registry) Get(id ID) (Provider, error) {
	p, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return p, nil
}

// Models lists the models a configured backend offers. Unsupported
// listings return ErrListingUnsupported and are not cached.
func (r *Registry) Models(ctx context.Context, cfg Config) ([]string, error) {
	p, err := r.Get(cfg.ID)
	if err != nil {
		return nil, err
	}
	key := modelsKey(cfg)
	if item := r.models.Get(key); item != nil {
		return item.Value(), nil
	}
	models, err := p.ListModels(ctx, cfg)
	if err != nil {
		if !errors.Is(err, ErrListingUnsupported) {
			r.logger.Warn("model listing failed", zap.String("provider", string(cfg.ID)), zap.Error(err))
		}
		return nil, err
	}
	r.models.Set(key, models, ttlcache.DefaultTTL)
	return models, nil
}

// Invalidate drops cached listings, e.g. after credentials change.
func (r *Registry) Invalidate() { r.models.DeleteAll() }

// Close stops the cache expiry loop.
func (r *Registry) Close() { r.models.Stop() }

func modelsKey(cfg Config) string {
	sum := sha256.Sum256([]byte(cfg.APIKey))
	return string(cfg.ID) + "|" + cfg.endpoint("") + "|" + hex.EncodeToString(sum[:8])
}
