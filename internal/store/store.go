// Package store defines the persistence interface for the simulation engine.
// Implementations include PostgreSQL (source of truth), MongoDB (alternative
// backend), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: record not found")

// ProductStore reads products and applies price moves.
type ProductStore interface {
	// CreateProduct persists a new product (admin boundary).
	CreateProduct(ctx context.Context, p *model.Product) error

	// GetProduct retrieves a product by its ID.
	GetProduct(ctx context.Context, id string) (*model.Product, error)

	// ListActiveProducts returns every product with IsActive set.
	ListActiveProducts(ctx context.Context) ([]model.Product, error)

	// ApplyPriceTick sets the product's current price to rec.Price and
	// appends rec to its price history in one atomic unit.
	ApplyPriceTick(ctx context.Context, rec *model.PriceHistoryRecord) error
}

// HistoryStore reads the append-only price history.
type HistoryStore interface {
	// ListPriceHistory returns up to limit records for a product, newest first.
	// A limit <= 0 returns all records.
	ListPriceHistory(ctx context.Context, productID string, limit int) ([]model.PriceHistoryRecord, error)

	// CountPriceHistory returns the number of records for a product.
	CountPriceHistory(ctx context.Context, productID string) (int, error)
}

// HoldingStore reads holdings and rewrites their derived fields.
type HoldingStore interface {
	// UpsertHolding creates or replaces a holding (admin boundary).
	UpsertHolding(ctx context.Context, h *model.Holding) error

	// ListHoldingValuations returns every holding joined with its product's current price.
	ListHoldingValuations(ctx context.Context) ([]model.HoldingValuation, error)

	// UpdateHoldingValuation rewrites the derived fields of one holding.
	UpdateHoldingValuation(ctx context.Context, id string, currentValue, gain, gainPercent decimal.Decimal) error
}

// PortfolioStore reads portfolios and rewrites their aggregates.
type PortfolioStore interface {
	// CreatePortfolio creates an empty portfolio for a user (admin boundary).
	CreatePortfolio(ctx context.Context, userID string) error

	// GetPortfolio returns one portfolio with its holdings.
	GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error)

	// ListPortfolios returns every portfolio with its holdings attached.
	ListPortfolios(ctx context.Context) ([]model.Portfolio, error)

	// UpdatePortfolioTotals rewrites the aggregate fields of one portfolio.
	UpdatePortfolioTotals(ctx context.Context, userID string, totalValue, totalGain, totalGainPercent decimal.Decimal) error
}

// ConfigStore persists simulation parameter overrides as key/value pairs.
type ConfigStore interface {
	// GetConfigOverrides returns every persisted override.
	GetConfigOverrides(ctx context.Context) (map[string]string, error)

	// SetConfigOverrides upserts all given overrides atomically.
	SetConfigOverrides(ctx context.Context, overrides map[string]string) error

	// ClearConfigOverrides removes every override.
	ClearConfigOverrides(ctx context.Context) error
}

// Store is the full persistence interface used by the engine.
type Store interface {
	ProductStore
	HistoryStore
	HoldingStore
	PortfolioStore
	ConfigStore
}
