package recipe

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/domain"
	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store"
)

type Resolver struct {
	catalog Catalog
}

func NewResolver(catalog Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve expands an order line into ingredient requirements. Additions are
// appended scaled by the modifier quantity, exclusions then remove every item
// of the excluded ingredient, and the merged result is multiplied by the line
// quantity. With strict set, a product without a recipe is an error;
// otherwise it resolves to its direct ingredient, or to nothing.
func (r *Resolver) Resolve(tenantID string, line domain.OrderLine, strict bool) ([]Requirement, error) {
	if line.ProductID == "" || line.Quantity < 1 {
		return nil, fmt.Errorf("%w: order line needs a product and a positive quantity", store.ErrValidation)
	}

	var base []Item
	rec, ok := r.catalog.Recipe(tenantID, line.ProductID)
	switch {
	case ok:
		base = rec.Items
	case strict:
		return nil, fmt.Errorf("%w: product %s", store.ErrRecipeNotFound, line.ProductID)
	default:
		product, found := r.catalog.Product(tenantID, line.ProductID)
		if !found || product.DirectIngredientID == "" {
			return nil, nil
		}
		base = []Item{{IngredientID: product.DirectIngredientID, Quantity: decimal.NewFromInt(1)}}
	}

	items := make([]Item, 0, len(base)+len(line.Modifiers))
	items = append(items, base...)
	excluded := make(map[string]bool)

	for _, selected := range line.Modifiers {
		modifier, found := r.catalog.Modifier(tenantID, selected.ModifierID)
		if !found {
			return nil, fmt.Errorf("%w: unknown modifier %s", store.ErrValidation, selected.ModifierID)
		}
		if selected.Kind != "" && selected.Kind != modifier.Kind() {
			return nil, fmt.Errorf("%w: modifier %s is an %s, not an %s", store.ErrValidation, modifier.ID, modifier.Kind(), selected.Kind)
		}

		switch effect := modifier.Effect.(type) {
		case Addition:
			qty := selected.Quantity
			if qty < 1 {
				qty = 1
			}
			scale := decimal.NewFromInt(int64(qty))
			for _, item := range effect.Items {
				items = append(items, Item{IngredientID: item.IngredientID, Quantity: item.Quantity.Mul(scale), Unit: item.Unit})
			}
		case Exclusion:
			excluded[effect.IngredientID] = true
		default:
			return nil, fmt.Errorf("%w: modifier %s has no effect", store.ErrValidation, modifier.ID)
		}
	}

	lineQty := decimal.NewFromInt(int64(line.Quantity))
	order := make([]string, 0, len(items))
	totals := make(map[string]decimal.Decimal, len(items))
	for _, item := range items {
		if excluded[item.IngredientID] {
			continue
		}
		current, seen := totals[item.IngredientID]
		if !seen {
			order = append(order, item.IngredientID)
			current = decimal.Zero
		}
		totals[item.IngredientID] = current.Add(item.Quantity)
	}

	out := make([]Requirement, 0, len(order))
	for _, ingredientID := range order {
		qty := totals[ingredientID].Mul(lineQty)
		if !qty.IsPositive() {
			continue
		}
		out = append(out, Requirement{IngredientID: ingredientID, Quantity: qty})
	}
	return out, nil
}
