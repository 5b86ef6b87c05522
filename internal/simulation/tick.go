// Package simulation runs the market simulation: one tick moves every active
// product's price and revalues holdings and portfolios, and the Controller
// schedules ticks on an interval.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/simconfig"
	"github.com/atmx/sim-engine/internal/store"
)

// ErrNonPositivePrice is returned for a product whose stored price cannot be moved.
var ErrNonPositivePrice = errors.New("simulation: product price is not positive")

// minPrice is the smallest representable price.
var minPrice = decimal.New(1, -model.PriceScale)

// ConfigSource yields the effective simulation config.
type ConfigSource interface {
	Effective(ctx context.Context) (simconfig.Config, error)
}

// PriceModel computes the next price of a product.
type PriceModel interface {
	NextPrice(p model.Product, cfg simconfig.Config) float64
}

// Revaluator propagates new prices into holdings and portfolios.
type Revaluator interface {
	RevalueAll(ctx context.Context) (RevaluationResult, error)
}

// ProductDelta describes one product's price move in a tick.
type ProductDelta struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	OldPrice      decimal.Decimal `json:"oldPrice"`
	NewPrice      decimal.Decimal `json:"newPrice"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
}

// TickResult summarizes one tick.
type TickResult struct {
	UpdatedCount int               `json:"updatedCount"`
	Failed       int               `json:"failedCount"`
	Products     []ProductDelta    `json:"products"`
	Revaluation  RevaluationResult `json:"revaluation"`
	StartedAt    time.Time         `json:"startedAt"`
	Duration     time.Duration     `json:"-"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver registers an observer notified after every tick.
func WithObserver(obs TickObserver) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// WithClock overrides the time source used for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs simulation ticks. Ticks are serialized: a RunTick call
// issued while another is in progress waits for it to finish.
type Orchestrator struct {
	store     store.ProductStore
	config    ConfigSource
	model     PriceModel
	revaluer  Revaluator
	observers []TickObserver
	now       func() time.Time

	mu sync.Mutex
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(st store.ProductStore, cfg ConfigSource, pm PriceModel, rv Revaluator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		config:   cfg,
		model:    pm,
		revaluer: rv,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunTick moves the price of every active product, then revalues holdings
// and portfolios once. A product whose update fails keeps its price for this
// tick and does not stop the others.
func (o *Orchestrator) RunTick(ctx context.Context) (TickResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := o.now()
	res, err := o.runTick(ctx, start)
	res.StartedAt = start
	res.Duration = time.Since(start)

	if err != nil {
		slog.Error("simulation tick failed", "err", err, "updated", res.UpdatedCount, "failed", res.Failed)
	} else {
		slog.Info("simulation tick completed",
			"updated", res.UpdatedCount,
			"failed", res.Failed,
			"holdings", res.Revaluation.HoldingsUpdated,
			"portfolios", res.Revaluation.PortfoliosUpdated,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}

	for _, obs := range o.observers {
		obs.TickCompleted(ctx, res, err)
	}
	return res, err
}

func (o *Orchestrator) runTick(ctx context.Context, now time.Time) (TickResult, error) {
	res := TickResult{Products: []ProductDelta{}}

	cfg, err := o.config.Effective(ctx)
	if err != nil {
		return res, fmt.Errorf("load simulation config: %w", err)
	}

	products, err := o.store.ListActiveProducts(ctx)
	if err != nil {
		return res, fmt.Errorf("list active products: %w", err)
	}
	if len(products) == 0 {
		return res, nil
	}

	for _, p := range products {
		delta, err := o.tickProduct(ctx, p, cfg, now)
		if err != nil {
			slog.Warn("product price update failed", "product", p.ID, "name", p.Name, "err", err)
			res.Failed++
			continue
		}
		res.Products = append(res.Products, delta)
		res.UpdatedCount++
	}

	rv, err := o.revaluer.RevalueAll(ctx)
	res.Revaluation = rv
	if err != nil {
		return res, fmt.Errorf("revalue: %w", err)
	}
	return res, nil
}

func (o *Orchestrator) tickProduct(ctx context.Context, p model.Product, cfg simconfig.Config, now time.Time) (ProductDelta, error) {
	old := p.CurrentPrice
	if !old.IsPositive() {
		return ProductDelta{}, fmt.Errorf("product %s: %w", p.ID, ErrNonPositivePrice)
	}

	next := decimal.NewFromFloat(o.model.NextPrice(p, cfg)).Round(model.PriceScale)
	if !next.IsPositive() {
		next = minPrice
	}
	change := next.Sub(old)
	changePercent := change.Div(old).Mul(hundred).Round(model.PercentScale)

	rec := &model.PriceHistoryRecord{
		ID:            uuid.New().String(),
		ProductID:     p.ID,
		Price:         next,
		Change:        change,
		ChangePercent: changePercent,
		CreatedAt:     now,
	}
	if err := o.store.ApplyPriceTick(ctx, rec); err != nil {
		return ProductDelta{}, fmt.Errorf("apply price tick: %w", err)
	}

	return ProductDelta{
		ID:            p.ID,
		Name:          p.Name,
		OldPrice:      old,
		NewPrice:      next,
		Change:        change,
		ChangePercent: changePercent,
	}, nil
}
