package recipe

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/domain"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store"
)

const tenant = "casa-centro"

func newCatalog(t *testing.T) *StaticCatalog {
	t.Helper()
	catalog := NewStaticCatalog()
	n, err := catalog.LoadFile("testdata/catalog.yaml")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	return catalog
}

func qty(t *testing.T, reqs []Requirement, ingredientID string) decimal.Decimal {
	t.Helper()
	for _, r := range reqs {
		if r.IngredientID == ingredientID {
			return r.Quantity
		}
	}
	return decimal.Zero
}

func TestResolveBaseRecipeScaledByLineQuantity(t *testing.T) {
	resolver := NewResolver(newCatalog(t))

	reqs, err := resolver.Resolve(tenant, domain.OrderLine{ProductID: "hamburger", Quantity: 2}, true)
	require.NoError(t, err)

	require.Len(t, reqs, 3)
	assert.Equal(t, "ground-beef", reqs[0].IngredientID)
	assert.True(t, qty(t, reqs, "ground-beef").Equal(decimal.NewFromInt(300)))
	assert.True(t, qty(t, reqs, "onion").Equal(decimal.NewFromInt(40)))
	assert.True(t, qty(t, reqs, "bun").Equal(decimal.NewFromInt(2)))
}

func TestResolveExclusionRemovesIngredientEntirely(t *testing.T) {
	resolver := NewResolver(newCatalog(t))

	reqs, err := resolver.Resolve(tenant, domain.OrderLine{
		ProductID: "hamburger",
		Quantity:  1,
		Modifiers: []domain.SelectedModifier{{ModifierID: "no-onion", Kind: KindExclusion}},
	}, true)
	require.NoError(t, err)

	for _, r := range reqs {
		assert.NotEqual(t, "onion", r.IngredientID)
	}
	assert.Len(t, reqs, 2)
}

func TestResolveAdditionScaledByModifierQuantity(t *testing.T) {
	resolver := NewResolver(newCatalog(t))

	reqs, err := resolver.Resolve(tenant, domain.OrderLine{
		ProductID: "hamburger",
		Quantity:  3,
		Modifiers: []domain.SelectedModifier{{ModifierID: "extra-bacon", Quantity: 2}},
	}, true)
	require.NoError(t, err)

	// 30g * 2 per burger * 3 burgers
	assert.True(t, qty(t, reqs, "bacon").Equal(decimal.NewFromInt(180)))
}

func TestResolveIsDeterministic(t *testing.T) {
	resolver := NewResolver(newCatalog(t))
	line := domain.OrderLine{
		ProductID: "hamburger",
		Quantity:  2,
		Modifiers: []domain.SelectedModifier{
			{ModifierID: "extra-bacon", Quantity: 1},
			{ModifierID: "no-onion"},
		},
	}

	first, err := resolver.Resolve(tenant, line, true)
	require.NoError(t, err)
	second, err := resolver.Resolve(tenant, line, true)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestResolveStrictWithoutRecipeFails(t *testing.T) {
	resolver := NewResolver(newCatalog(t))

	_, err := resolver.Resolve(tenant, domain.OrderLine{ProductID: "cola-bottle", Quantity: 1}, true)
	assert.ErrorIs(t, err, store.ErrRecipeNotFound)
}

func TestResolveRecipelessProductDepletesDirectIngredient(t *testing.T) {
	resolver := NewResolver(newCatalog(t))

	reqs, err := resolver.Resolve(tenant, domain.OrderLine{ProductID: "cola-bottle", Quantity: 4}, false)
	require.NoError(t, err)

	require.Len(t, reqs, 1)
	assert.Equal(t, "cola-400", reqs[0].IngredientID)
	assert.True(t, reqs[0].Quantity.Equal(decimal.NewFromInt(4)))
}

func TestResolveUnknownProductIsSkippedWhenNotStrict(t *testing.T) {
	resolver := NewResolver(newCatalog(t))

	reqs, err := resolver.Resolve(tenant, domain.OrderLine{ProductID: "gift-card", Quantity: 1}, false)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestResolveRejectsMismatchedModifierKind(t *testing.T) {
	resolver := NewResolver(newCatalog(t))

	_, err := resolver.Resolve(tenant, domain.OrderLine{
		ProductID: "hamburger",
		Quantity:  1,
		Modifiers: []domain.SelectedModifier{{ModifierID: "no-onion", Kind: KindAddition}},
	}, true)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestResolveIsTenantScoped(t *testing.T) {
	resolver := NewResolver(newCatalog(t))

	_, err := resolver.Resolve("other-tenant", domain.OrderLine{ProductID: "hamburger", Quantity: 1}, true)
	assert.ErrorIs(t, err, store.ErrRecipeNotFound)
}

func TestReplaceRejectsModifierWithTwoEffects(t *testing.T) {
	catalog := NewStaticCatalog()
	err := catalog.Replace(Document{
		TenantID: tenant,
		Modifiers: []ModifierSpec{{
			ID:        "confused",
			Addition:  []Item{{IngredientID: "bacon", Quantity: decimal.NewFromInt(10)}},
			Exclusion: "onion",
		}},
	})
	assert.ErrorIs(t, err, store.ErrValidation)
}
