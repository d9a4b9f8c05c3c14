// Package recipe expands sold order lines into ingredient requirements.
package recipe

import (
	"github.com/shopspring/decimal"
)

type Item struct {
	IngredientID string          `json:"ingredient_id" yaml:"ingredient_id"`
	Quantity     decimal.Decimal `json:"quantity" yaml:"quantity"`
	Unit         string          `json:"unit,omitempty" yaml:"unit,omitempty"`
}

type Recipe struct {
	ProductID string `json:"product_id"`
	Items     []Item `json:"items"`
}

type Product struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// DirectIngredientID is set for recipe-less SKUs that deplete their own stock.
	DirectIngredientID string `json:"direct_ingredient_id,omitempty"`
}

// Effect is what selecting a modifier does to a line: either an Addition
// or an Exclusion.
type Effect interface {
	kind() string
}

// Addition consumes its mini-recipe once per selected modifier quantity.
type Addition struct {
	Items []Item
}

// Exclusion prevents any depletion of one ingredient.
type Exclusion struct {
	IngredientID string
}

func (Addition) kind() string  { return KindAddition }
func (Exclusion) kind() string { return KindExclusion }

const (
	KindAddition  = "addition"
	KindExclusion = "exclusion"
)

type Modifier struct {
	ID     string
	Name   string
	Effect Effect
}

func (m Modifier) Kind() string {
	if m.Effect == nil {
		return ""
	}
	return m.Effect.kind()
}

// Requirement is one resolved (ingredient, quantity) pair.
type Requirement struct {
	IngredientID string          `json:"ingredient_id"`
	Quantity     decimal.Decimal `json:"quantity"`
}

// Catalog supplies recipe definitions. Implementations are read-only from
// the resolver's point of view.
type Catalog interface {
	Product(tenantID string, productID string) (Product, bool)
	Recipe(tenantID string, productID string) (Recipe, bool)
	Modifier(tenantID string, modifierID string) (Modifier, bool)
}
