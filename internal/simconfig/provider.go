package simconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/atmx/sim-engine/internal/store"
)

// Provider merges compiled-in defaults with overrides from a ConfigStore.
// Set calls are serialized so concurrent partial updates never lose a field.
type Provider struct {
	store store.ConfigStore

	mu        sync.Mutex
	listeners []func(Config)
}

// NewProvider creates a provider backed by st.
func NewProvider(st store.ConfigStore) *Provider {
	return &Provider{store: st}
}

// OnChange registers fn to be called with the new effective config after
// every successful Set or Reset.
func (p *Provider) OnChange(fn func(Config)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Effective returns defaults overlaid with every persisted override.
// An override that no longer decodes or validates is skipped with a
// warning, so the default for that field applies.
func (p *Provider) Effective(ctx context.Context) (Config, error) {
	overrides, err := p.store.GetConfigOverrides(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("load config overrides: %w", err)
	}

	cfg := Default()
	for key, value := range overrides {
		patch, err := ParsePatch([]byte(fmt.Sprintf("{%q:%s}", key, value)))
		if err == nil {
			err = patch.Validate()
		}
		if err != nil {
			slog.Warn("ignoring invalid config override", "key", key, "value", value, "err", err)
			continue
		}
		cfg = cfg.Apply(patch)
	}
	return cfg, nil
}

// Set validates patch and persists every field it touches. Nothing is
// written unless the whole patch is valid.
func (p *Provider) Set(ctx context.Context, patch Patch) (Config, error) {
	if err := patch.Validate(); err != nil {
		return Config{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current, err := p.Effective(ctx)
	if err != nil {
		return Config{}, err
	}
	if patch.Empty() {
		return current, nil
	}

	next := current.Apply(patch)
	overrides, err := encodeOverrides(next, patch.Keys())
	if err != nil {
		return Config{}, err
	}
	if err := p.store.SetConfigOverrides(ctx, overrides); err != nil {
		return Config{}, fmt.Errorf("persist config overrides: %w", err)
	}

	slog.Info("simulation config updated", "fields", patch.Keys())
	p.notify(next)
	return next, nil
}

// Reset removes every override, restoring the defaults.
func (p *Provider) Reset(ctx context.Context) (Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.ClearConfigOverrides(ctx); err != nil {
		return Config{}, fmt.Errorf("clear config overrides: %w", err)
	}

	cfg := Default()
	slog.Info("simulation config reset to defaults")
	p.notify(cfg)
	return cfg, nil
}

// notify must be called with p.mu held.
func (p *Provider) notify(cfg Config) {
	for _, fn := range p.listeners {
		fn(cfg.Clone())
	}
}

func encodeOverrides(cfg Config, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		var v any
		switch key {
		case KeyRiskVolatility:
			v = cfg.RiskVolatility
		case KeyTypeVolatility:
			v = cfg.TypeVolatility
		case KeyMarketTrendFactor:
			v = cfg.MarketTrendFactor
		case KeyRandomFactor:
			v = cfg.RandomFactor
		case KeyMeanReversionFactor:
			v = cfg.MeanReversionFactor
		case KeyMinPriceFloor:
			v = cfg.MinPriceFloor
		case KeySimulationIntervalMs:
			v = cfg.SimulationIntervalMs
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode override %s: %w", key, err)
		}
		out[key] = string(data)
	}
	return out, nil
}
