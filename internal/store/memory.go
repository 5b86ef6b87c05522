package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	products   map[string]*model.Product
	history    []model.PriceHistoryRecord
	holdings   map[string]*model.Holding
	portfolios map[string]*model.Portfolio
	overrides  map[string]string

	// failTick, when set, makes ApplyPriceTick fail for matching product IDs.
	failTick func(productID string) error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:   make(map[string]*model.Product),
		holdings:   make(map[string]*model.Holding),
		portfolios: make(map[string]*model.Portfolio),
		overrides:  make(map[string]string),
	}
}

// FailPriceTicks installs a hook that can reject ApplyPriceTick per product.
// Pass nil to remove it.
func (s *MemoryStore) FailPriceTicks(fn func(productID string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failTick = fn
}

// --- Products ---

func (s *MemoryStore) CreateProduct(_ context.Context, p *model.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[p.ID]; exists {
		return fmt.Errorf("product %s already exists", p.ID)
	}

	// Store a copy to avoid external mutation.
	copy := *p
	s.products[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetProduct(_ context.Context, id string) (*model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListActiveProducts(_ context.Context) ([]model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]model.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.IsActive {
			products = append(products, *p)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

// ApplyPriceTick updates the price and appends history under one lock,
// so readers never observe one without the other.
func (s *MemoryStore) ApplyPriceTick(_ context.Context, rec *model.PriceHistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failTick != nil {
		if err := s.failTick(rec.ProductID); err != nil {
			return err
		}
	}

	p, ok := s.products[rec.ProductID]
	if !ok {
		return fmt.Errorf("product %s: %w", rec.ProductID, ErrNotFound)
	}
	p.CurrentPrice = rec.Price
	p.UpdatedAt = rec.CreatedAt
	s.history = append(s.history, *rec)
	return nil
}

// --- Price history ---

func (s *MemoryStore) ListPriceHistory(_ context.Context, productID string, limit int) ([]model.PriceHistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PriceHistoryRecord
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ProductID != productID {
			continue
		}
		result = append(result, s.history[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) CountPriceHistory(_ context.Context, productID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rec := range s.history {
		if rec.ProductID == productID {
			n++
		}
	}
	return n, nil
}

// --- Holdings ---

func (s *MemoryStore) UpsertHolding(_ context.Context, h *model.Holding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *h
	s.holdings[h.ID] = &copy
	return nil
}

func (s *MemoryStore) ListHoldingValuations(_ context.Context) ([]model.HoldingValuation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.HoldingValuation, 0, len(s.holdings))
	for _, h := range s.holdings {
		p, ok := s.products[h.ProductID]
		if !ok {
			continue // inner join semantics
		}
		result = append(result, model.HoldingValuation{Holding: *h, Price: p.CurrentPrice})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) UpdateHoldingValuation(_ context.Context, id string, currentValue, gain, gainPercent decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holdings[id]
	if !ok {
		return fmt.Errorf("holding %s: %w", id, ErrNotFound)
	}
	h.CurrentValue = currentValue
	h.Gain = gain
	h.GainPercent = gainPercent
	h.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Portfolios ---

func (s *MemoryStore) CreatePortfolio(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.portfolios[userID]; exists {
		return fmt.Errorf("portfolio for user %s already exists", userID)
	}
	s.portfolios[userID] = &model.Portfolio{UserID: userID, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[userID]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", userID, ErrNotFound)
	}
	out := s.withHoldings(p)
	return &out, nil
}

func (s *MemoryStore) ListPortfolios(_ context.Context) ([]model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Portfolio, 0, len(s.portfolios))
	for _, p := range s.portfolios {
		result = append(result, s.withHoldings(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

// withHoldings must be called with s.mu held.
func (s *MemoryStore) withHoldings(p *model.Portfolio) model.Portfolio {
	out := *p
	out.Holdings = nil
	for _, h := range s.holdings {
		if h.UserID == p.UserID {
			out.Holdings = append(out.Holdings, *h)
		}
	}
	sort.Slice(out.Holdings, func(i, j int) bool { return out.Holdings[i].ID < out.Holdings[j].ID })
	return out
}

func (s *MemoryStore) UpdatePortfolioTotals(_ context.Context, userID string, totalValue, totalGain, totalGainPercent decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.portfolios[userID]
	if !ok {
		return fmt.Errorf("portfolio %s: %w", userID, ErrNotFound)
	}
	p.TotalValue = totalValue
	p.TotalGain = totalGain
	p.TotalGainPercent = totalGainPercent
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Config overrides ---

func (s *MemoryStore) GetConfigOverrides(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.overrides), nil
}

func (s *MemoryStore) SetConfigOverrides(_ context.Context, overrides map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.overrides, overrides)
	return nil
}

func (s *MemoryStore) ClearConfigOverrides(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.overrides)
	return nil
}
