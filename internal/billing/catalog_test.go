package billing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	tests := []struct {
		priceID string
		tier    string
		price   string
	}{
		{"price_starter_monthly", "starter", "29"},
		{"price_professional_monthly", "professional", "79"},
		{"price_enterprise_monthly", "enterprise", "199"},
	}
	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			p, err := c.ResolvePlan(tt.priceID)
			require.NoError(t, err)
			assert.Equal(t, tt.tier, p.Tier)
			assert.True(t, decimal.RequireFromString(tt.price).Equal(p.MonthlyPrice))
			assert.Equal(t, "eur", p.Currency)

			byTier, err := c.PlanForTier(tt.tier)
			require.NoError(t, err)
			assert.Equal(t, tt.priceID, byTier.PriceID)
		})
	}

	assert.Equal(t, []string{"starter", "professional", "enterprise"}, c.Tiers())
	assert.Equal(t, Unlimited, c.Plans()[2].Limit("products_per_month"))
}

func TestResolvePlan_ExactMatchOnly(t *testing.T) {
	c := DefaultCatalog()

	for _, id := range []string{"", "price_starter", "price_starter_monthly_v2", "PRICE_STARTER_MONTHLY", "starter"} {
		t.Run(id, func(t *testing.T) {
			_, err := c.ResolvePlan(id)
			assert.True(t, errors.Is(err, ErrPlanNotFound))
		})
	}

	_, err := c.PlanForTier("free")
	assert.True(t, errors.Is(err, ErrPlanNotFound))
}

func TestPlansReturnsCopy(t *testing.T) {
	c := DefaultCatalog()
	plans := c.Plans()
	plans[0].Tier = "mutated"
	assert.Equal(t, "starter", c.Plans()[0].Tier)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "plans: []"},
		{"not yaml", "plans: [:"},
		{"missing price id", `
plans:
  - tier: a
    name: A
    monthly_price: "1"`},
		{"bad price", `
plans:
  - tier: a
    name: A
    price_id: price_a
    monthly_price: "one"`},
		{"negative price", `
plans:
  - tier: a
    name: A
    price_id: price_a
    monthly_price: "-1"`},
		{"invalid limit", `
plans:
  - tier: a
    name: A
    price_id: price_a
    monthly_price: "1"
    limits:
      seats: -2`},
		{"duplicate price", `
plans:
  - {tier: a, name: A, price_id: price_x, monthly_price: "1"}
  - {tier: b, name: B, price_id: price_x, monthly_price: "2"}`},
		{"duplicate tier", `
plans:
  - {tier: a, name: A, price_id: price_a, monthly_price: "1"}
  - {tier: a, name: B, price_id: price_b, monthly_price: "2"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	t.Run("empty path uses default", func(t *testing.T) {
		c, err := LoadCatalog("")
		require.NoError(t, err)
		assert.Len(t, c.Plans(), 3)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plans.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
plans:
  - tier: solo
    name: Solo
    price_id: price_solo
    monthly_price: "9.50"
    currency: USD
    limits:
      seats: 1
`), 0o600))

		c, err := LoadCatalog(path)
		require.NoError(t, err)
		p, err := c.ResolvePlan("price_solo")
		require.NoError(t, err)
		assert.Equal(t, "usd", p.Currency)
		assert.Equal(t, "9.5", p.MonthlyPrice.String())
		assert.Equal(t, 1, p.Limit("seats"))
		assert.Equal(t, 0, p.Limit("stores"))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
