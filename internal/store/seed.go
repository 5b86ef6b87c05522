package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
)

// demoProducts covers every risk level and category at least once.
var demoProducts = []model.Product{
	{ID: "mm-cash-plus", Name: "Cash Plus Money Market", CurrentPrice: decimal.RequireFromString("1.00000000"), ExpectedReturn: 3.5, RiskLevel: model.RiskConservative, Category: model.CategoryMoneyMarket},
	{ID: "bond-gov-10y", Name: "Government Bond 10Y", CurrentPrice: decimal.RequireFromString("1000.00000000"), ExpectedReturn: 6, RiskLevel: model.RiskConservative, Category: model.CategoryBond},
	{ID: "bond-corp-hy", Name: "Corporate High Yield", CurrentPrice: decimal.RequireFromString("250.00000000"), ExpectedReturn: 9, RiskLevel: model.RiskModerate, Category: model.CategoryBond},
	{ID: "mixed-balanced", Name: "Balanced Allocation", CurrentPrice: decimal.RequireFromString("125.50000000"), ExpectedReturn: 8, RiskLevel: model.RiskModerate, Category: model.CategoryMixed},
	{ID: "equity-growth", Name: "Growth Equity", CurrentPrice: decimal.RequireFromString("42.75000000"), ExpectedReturn: 14, RiskLevel: model.RiskAggressive, Category: model.CategoryEquity},
	{ID: "equity-index", Name: "Broad Market Index", CurrentPrice: decimal.RequireFromString("310.20000000"), ExpectedReturn: 10, RiskLevel: model.RiskModerate, Category: model.CategoryEquity},
}

type demoHolding struct {
	user      string
	productID string
	units     string
	avgPrice  string
}

var demoHoldings = []demoHolding{
	{"demo-alice", "bond-gov-10y", "5", "980"},
	{"demo-alice", "equity-growth", "120", "40"},
	{"demo-alice", "mm-cash-plus", "2500", "1"},
	{"demo-bob", "mixed-balanced", "80", "130"},
	{"demo-bob", "equity-index", "15", "300"},
}

// SeedDemo loads a small catalogue of products with two users holding them,
// so a fresh in-memory server has something to simulate.
func SeedDemo(ctx context.Context, st Store) error {
	for _, p := range demoProducts {
		p.IsActive = true
		if err := st.CreateProduct(ctx, &p); err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
	}

	users := map[string]bool{}
	for _, dh := range demoHoldings {
		if !users[dh.user] {
			if err := st.CreatePortfolio(ctx, dh.user); err != nil {
				return fmt.Errorf("seed portfolio %s: %w", dh.user, err)
			}
			users[dh.user] = true
		}
		h := &model.Holding{
			ID:           uuid.NewString(),
			UserID:       dh.user,
			ProductID:    dh.productID,
			Units:        decimal.RequireFromString(dh.units),
			AveragePrice: decimal.RequireFromString(dh.avgPrice),
		}
		if err := st.UpsertHolding(ctx, h); err != nil {
			return fmt.Errorf("seed holding %s/%s: %w", dh.user, dh.productID, err)
		}
	}
	return nil
}
