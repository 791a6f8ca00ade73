package plans

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	t.Run("resolve known plans", func(t *testing.T) {
		for _, id := range []PlanType{PlanPayAsYouGo, PlanProUnlimited, PlanTeam, PlanEnterprise} {
			p, ok := c.Resolve(string(id))
			require.True(t, ok, "plan %s", id)
			assert.Equal(t, id, p.Type)
		}
	})

	t.Run("unknown plan", func(t *testing.T) {
		p, ok := c.Resolve("gold")
		assert.False(t, ok)
		assert.Nil(t, p)

		_, ok = c.Resolve("")
		assert.False(t, ok)
	})

	t.Run("legacy aliases", func(t *testing.T) {
		for _, name := range []string{"Transformertokens", "TransformerTokens", "transformertokens"} {
			p, ok := c.Resolve(name)
			require.True(t, ok, name)
			assert.Equal(t, PlanPayAsYouGo, p.Type)
		}
	})

	t.Run("classification", func(t *testing.T) {
		assert.True(t, c.IsMetered("pay_as_you_go"))
		assert.False(t, c.IsUnlimited("pay_as_you_go"))
		assert.True(t, c.IsUnlimited("pro_unlimited"))
		assert.True(t, c.IsUnlimited("team"))
		assert.False(t, c.HasFixedCap("team"))
		assert.Empty(t, c.FixedCapPlans())

		p, _ := c.Resolve("pay_as_you_go")
		assert.Equal(t, ClassMetered, p.Classify())
		p, _ = c.Resolve("enterprise")
		assert.Equal(t, ClassUnlimited, p.Classify())
	})

	t.Run("token limits", func(t *testing.T) {
		assert.Equal(t, int64(0), c.TokenLimit("pay_as_you_go"))
		assert.Equal(t, int64(-1), c.TokenLimit("pro_unlimited"))
		assert.Equal(t, int64(0), c.TokenLimit("unknown"))
	})

	t.Run("team scope", func(t *testing.T) {
		assert.True(t, c.IsTeamPlan("team"))
		assert.True(t, c.IsTeamPlan("enterprise"))
		assert.False(t, c.IsTeamPlan("pro_unlimited"))
	})

	t.Run("features", func(t *testing.T) {
		assert.True(t, c.HasFeature("pro_unlimited", "Priority support"))
		assert.False(t, c.HasFeature("pay_as_you_go", "Priority support"))
		assert.False(t, c.HasFeature("missing", "API access"))
	})

	t.Run("catalog order", func(t *testing.T) {
		all := c.All()
		require.Len(t, all, 4)
		assert.Equal(t, PlanPayAsYouGo, all[0].Type)
		assert.Equal(t, PlanEnterprise, all[3].Type)
	})
}

func TestCatalogValidateSeats(t *testing.T) {
	c := DefaultCatalog()

	tests := []struct {
		name    string
		plan    string
		seats   int
		wantErr error
	}{
		{"team minimum", "team", 2, nil},
		{"team maximum", "team", 50, nil},
		{"team too few", "team", 1, ErrSeatsOutOfRange},
		{"team too many", "team", 51, ErrSeatsOutOfRange},
		{"no bounds", "pro_unlimited", 1, nil},
		{"unknown plan", "gold", 3, ErrUnknownPlan},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.ValidateSeats(tt.plan, tt.seats)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr))
		})
	}
}

func TestCatalogProductPlan(t *testing.T) {
	c := DefaultCatalog()

	tests := map[string]PlanType{
		"Transformertokens": PlanPayAsYouGo,
		"Pro Unlimited":     PlanProUnlimited,
		"Plus":              PlanProUnlimited,
		"Team":              PlanTeam,
		"Enterprise":        PlanEnterprise,
	}
	for name, want := range tests {
		got, ok := c.ProductPlan(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}

	_, ok := c.ProductPlan("Gold")
	assert.False(t, ok)
}

func TestNewCatalogRejectsInvalidPlans(t *testing.T) {
	_, err := NewCatalog(Plan{Type: "bad", TokenLimit: -5})
	assert.ErrorIs(t, err, ErrInvalidPlan)

	_, err = NewCatalog(Plan{Type: "bad", TokenLimit: 100, IsMetered: true})
	assert.ErrorIs(t, err, ErrInvalidPlan)

	_, err = NewCatalog(Plan{Type: "bad", TokenLimit: 0})
	assert.ErrorIs(t, err, ErrInvalidPlan)

	_, err = NewCatalog(Plan{TokenLimit: -1})
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestParseCatalog(t *testing.T) {
	data := []byte(`
plans:
  - type: starter
    name: Starter
    token_limit: 1000
    price_cents: 900
    billing_period: month
    features: ["API access"]
  - type: pro_unlimited
    name: Pro Unlimited
    token_limit: -1
    price_cents: 3900
    billing_period: month
    stripe_price_id: price_123
aliases:
  legacy_starter: starter
products:
  Starter: starter
`)

	c, err := ParseCatalog(data)
	require.NoError(t, err)

	starter, ok := c.Resolve("starter")
	require.True(t, ok)
	assert.True(t, starter.HasFixedCap())
	assert.Equal(t, ClassFixedCap, starter.Classify())
	assert.Equal(t, ScopeIndividual, starter.Scope)
	assert.Equal(t, []PlanType{"starter"}, c.FixedCapPlans())

	pro, ok := c.Resolve("pro_unlimited")
	require.True(t, ok)
	assert.Equal(t, int64(3900), pro.PriceCents)
	assert.Equal(t, "price_123", pro.StripePriceID)

	aliased, ok := c.Resolve("legacy_starter")
	require.True(t, ok)
	assert.Equal(t, PlanType("starter"), aliased.Type)

	product, ok := c.ProductPlan("Starter")
	require.True(t, ok)
	assert.Equal(t, PlanType("starter"), product)

	// Defaults survive the overlay
	_, ok = c.Resolve("Transformertokens")
	assert.True(t, ok)
	assert.Len(t, c.All(), 5)
}

func TestParseCatalogErrors(t *testing.T) {
	_, err := ParseCatalog([]byte("plans: [oops"))
	assert.Error(t, err)

	_, err = ParseCatalog([]byte("aliases:\n  old: missing\n"))
	assert.ErrorIs(t, err, ErrUnknownPlan)

	_, err = ParseCatalog([]byte("products:\n  Gold: missing\n"))
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestLoadCatalog(t *testing.T) {
	t.Run("empty path uses defaults", func(t *testing.T) {
		c, err := LoadCatalog("")
		require.NoError(t, err)
		assert.Len(t, c.All(), 4)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.yaml")
		require.NoError(t, os.WriteFile(path, []byte("plans:\n  - type: starter\n    token_limit: 500\n"), 0o600))

		c, err := LoadCatalog(path)
		require.NoError(t, err)
		assert.Equal(t, int64(500), c.TokenLimit("starter"))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
