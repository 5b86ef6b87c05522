package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/sim-engine/internal/model"
)

func TestSeedDemo(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, SeedDemo(ctx, ms))

	products, err := ms.ListActiveProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, products, len(demoProducts))

	risks := map[model.RiskLevel]bool{}
	cats := map[model.Category]bool{}
	for _, p := range products {
		risks[p.RiskLevel] = true
		cats[p.Category] = true
		assert.True(t, p.CurrentPrice.IsPositive(), p.ID)
	}
	assert.Len(t, risks, len(model.RiskLevels()))
	assert.Len(t, cats, len(model.Categories()))

	portfolios, err := ms.ListPortfolios(ctx)
	require.NoError(t, err)
	assert.Len(t, portfolios, 2)

	vals, err := ms.ListHoldingValuations(ctx)
	require.NoError(t, err)
	assert.Len(t, vals, len(demoHoldings), "every demo holding must reference a seeded product")

	assert.Error(t, SeedDemo(ctx, ms), "seeding twice should fail on duplicate products")
}
