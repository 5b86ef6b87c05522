package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
)

const overridesKey = "simconfig:overrides"

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and then refresh the cache; reads
// check Redis first then fall back to the primary and fill only absent keys.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) CreateProduct(ctx context.Context, p *model.Product) error {
	if err := s.primary.CreateProduct(ctx, p); err != nil {
		return err
	}
	s.setJSON(ctx, productKey(p.ID), p)
	return nil
}

func (s *CachedStore) ApplyPriceTick(ctx context.Context, rec *model.PriceHistoryRecord) error {
	if err := s.primary.ApplyPriceTick(ctx, rec); err != nil {
		return err
	}
	// Bumping the generation orphans every cached history page.
	s.rdb.Incr(ctx, historyGenKey(rec.ProductID))

	fresh, err := s.primary.GetProduct(ctx, rec.ProductID)
	if err != nil || !s.setJSON(ctx, productKey(rec.ProductID), fresh) {
		s.rdb.Del(ctx, productKey(rec.ProductID))
	}
	return nil
}

// SetConfigOverrides writes the committed overrides back to the cache.
// Readers only fill the key when it is absent, so a read that raced the
// commit cannot replace the fresh map with a stale one.
func (s *CachedStore) SetConfigOverrides(ctx context.Context, overrides map[string]string) error {
	if err := s.primary.SetConfigOverrides(ctx, overrides); err != nil {
		return err
	}
	fresh, err := s.primary.GetConfigOverrides(ctx)
	if err != nil || !s.setJSON(ctx, overridesKey, nonNil(fresh)) {
		s.rdb.Del(ctx, overridesKey)
	}
	return nil
}

func (s *CachedStore) ClearConfigOverrides(ctx context.Context) error {
	if err := s.primary.ClearConfigOverrides(ctx); err != nil {
		return err
	}
	if !s.setJSON(ctx, overridesKey, map[string]string{}) {
		s.rdb.Del(ctx, overridesKey)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var p model.Product
	if s.getJSON(ctx, productKey(id), &p) {
		return &p, nil
	}

	fresh, err := s.primary.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fillJSON(ctx, productKey(id), fresh)
	return fresh, nil
}

// GetConfigOverrides is read on every tick, so it is the hottest cached key.
func (s *CachedStore) GetConfigOverrides(ctx context.Context) (map[string]string, error) {
	var overrides map[string]string
	if s.getJSON(ctx, overridesKey, &overrides) && overrides != nil {
		return overrides, nil
	}

	overrides, err := s.primary.GetConfigOverrides(ctx)
	if err != nil {
		return nil, err
	}
	overrides = nonNil(overrides)
	s.fillJSON(ctx, overridesKey, overrides)
	return overrides, nil
}

func (s *CachedStore) ListPriceHistory(ctx context.Context, productID string, limit int) ([]model.PriceHistoryRecord, error) {
	// Read the generation before the primary so a page loaded across a
	// price tick is filed under the generation that tick retired.
	gen, err := s.rdb.Get(ctx, historyGenKey(productID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return s.primary.ListPriceHistory(ctx, productID, limit)
	}

	key := historyKey(productID, gen, limit)
	var records []model.PriceHistoryRecord
	if s.getJSON(ctx, key, &records) {
		return records, nil
	}

	records, err = s.primary.ListPriceHistory(ctx, productID, limit)
	if err != nil {
		return nil, err
	}
	s.fillJSON(ctx, key, records)
	return records, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListActiveProducts(ctx context.Context) ([]model.Product, error) {
	return s.primary.ListActiveProducts(ctx)
}

func (s *CachedStore) CountPriceHistory(ctx context.Context, productID string) (int, error) {
	return s.primary.CountPriceHistory(ctx, productID)
}

func (s *CachedStore) UpsertHolding(ctx context.Context, h *model.Holding) error {
	return s.primary.UpsertHolding(ctx, h)
}

func (s *CachedStore) ListHoldingValuations(ctx context.Context) ([]model.HoldingValuation, error) {
	return s.primary.ListHoldingValuations(ctx)
}

func (s *CachedStore) UpdateHoldingValuation(ctx context.Context, id string, currentValue, gain, gainPercent decimal.Decimal) error {
	return s.primary.UpdateHoldingValuation(ctx, id, currentValue, gain, gainPercent)
}

func (s *CachedStore) CreatePortfolio(ctx context.Context, userID string) error {
	return s.primary.CreatePortfolio(ctx, userID)
}

func (s *CachedStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	return s.primary.GetPortfolio(ctx, userID)
}

func (s *CachedStore) ListPortfolios(ctx context.Context) ([]model.Portfolio, error) {
	return s.primary.ListPortfolios(ctx)
}

func (s *CachedStore) UpdatePortfolioTotals(ctx context.Context, userID string, totalValue, totalGain, totalGainPercent decimal.Decimal) error {
	return s.primary.UpdatePortfolioTotals(ctx, userID, totalValue, totalGain, totalGainPercent)
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return s.rdb.Set(ctx, key, data, s.ttl).Err() == nil
}

// fillJSON caches v only if key is absent, leaving newer writes in place.
func (s *CachedStore) fillJSON(ctx context.Context, key string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	ok, err := s.rdb.SetNX(ctx, key, data, s.ttl).Result()
	return err == nil && ok
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func productKey(id string) string    { return fmt.Sprintf("product:%s", id) }
func historyGenKey(id string) string { return fmt.Sprintf("history-gen:%s", id) }

func historyKey(id string, gen int64, limit int) string {
	return fmt.Sprintf("history:%s:%d:%d", id, gen, limit)
}
