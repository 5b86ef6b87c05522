package simulation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// RevaluationResult counts the records rewritten by one revaluation pass.
type RevaluationResult struct {
	HoldingsUpdated   int `json:"holdingsUpdated"`
	HoldingsFailed    int `json:"holdingsFailed"`
	PortfoliosUpdated int `json:"portfoliosUpdated"`
	PortfoliosFailed  int `json:"portfoliosFailed"`
}

// Revaluer rewrites the derived fields of holdings and portfolios from the
// current product prices.
type Revaluer struct {
	store store.Store
}

// NewRevaluer creates a revaluer over st.
func NewRevaluer(st store.Store) *Revaluer {
	return &Revaluer{store: st}
}

// RevalueAll recomputes every holding, then every portfolio. The portfolio
// pass starts only after the holding pass has finished, so aggregates are
// computed from post-update holding values. A failed write is logged and
// counted; a failed load aborts the pass with an error.
func (r *Revaluer) RevalueAll(ctx context.Context) (RevaluationResult, error) {
	var res RevaluationResult

	valuations, err := r.store.ListHoldingValuations(ctx)
	if err != nil {
		return res, fmt.Errorf("list holdings: %w", err)
	}
	for _, hv := range valuations {
		value, gain, pct := ValueHolding(hv.Holding, hv.Price)
		if err := r.store.UpdateHoldingValuation(ctx, hv.ID, value, gain, pct); err != nil {
			slog.Warn("holding revaluation failed", "holding", hv.ID, "user", hv.UserID, "err", err)
			res.HoldingsFailed++
			continue
		}
		res.HoldingsUpdated++
	}

	portfolios, err := r.store.ListPortfolios(ctx)
	if err != nil {
		return res, fmt.Errorf("list portfolios: %w", err)
	}
	for _, p := range portfolios {
		total, gain, pct := AggregatePortfolio(p.Holdings)
		if err := r.store.UpdatePortfolioTotals(ctx, p.UserID, total, gain, pct); err != nil {
			slog.Warn("portfolio revaluation failed", "user", p.UserID, "err", err)
			res.PortfoliosFailed++
			continue
		}
		res.PortfoliosUpdated++
	}

	return res, nil
}

// ValueHolding returns the current value, gain and gain percent of h at price.
// The gain percent is 0 when the holding has no cost basis.
func ValueHolding(h model.Holding, price decimal.Decimal) (currentValue, gain, gainPercent decimal.Decimal) {
	cost := h.AveragePrice.Mul(h.Units)
	currentValue = h.Units.Mul(price).Round(model.PriceScale)
	gain = currentValue.Sub(cost).Round(model.PriceScale)
	if cost.IsZero() {
		return currentValue, gain, decimal.Zero
	}
	gainPercent = gain.Div(cost).Mul(hundred).Round(model.PercentScale)
	return currentValue, gain, gainPercent
}

// AggregatePortfolio sums the derived fields of holdings. The gain percent is
// relative to the invested amount (total value minus total gain) and is 0
// when the total value is not positive.
func AggregatePortfolio(holdings []model.Holding) (totalValue, totalGain, totalGainPercent decimal.Decimal) {
	for _, h := range holdings {
		totalValue = totalValue.Add(h.CurrentValue)
		totalGain = totalGain.Add(h.Gain)
	}
	invested := totalValue.Sub(totalGain)
	if !totalValue.IsPositive() || invested.IsZero() {
		return totalValue, totalGain, decimal.Zero
	}
	totalGainPercent = totalGain.Div(invested).Mul(hundred).Round(model.PercentScale)
	return totalValue, totalGain, totalGainPercent
}
