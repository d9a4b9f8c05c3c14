package recipe

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/store"
)

// Document is the catalog of one tenant as supplied by catalog management.
type Document struct {
	TenantID  string         `json:"tenant_id,omitempty" yaml:"tenant_id"`
	Products  []ProductSpec  `json:"products" yaml:"products"`
	Modifiers []ModifierSpec `json:"modifiers" yaml:"modifiers"`
}

type ProductSpec struct {
	ID                 string `json:"id" yaml:"id"`
	Name               string `json:"name" yaml:"name"`
	DirectIngredientID string `json:"direct_ingredient_id,omitempty" yaml:"direct_ingredient_id,omitempty"`
	Recipe             []Item `json:"recipe,omitempty" yaml:"recipe,omitempty"`
}

// ModifierSpec sets exactly one of Addition or Exclusion.
type ModifierSpec struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Addition  []Item `json:"addition,omitempty" yaml:"addition,omitempty"`
	Exclusion string `json:"exclusion,omitempty" yaml:"exclusion,omitempty"`
}

type File struct {
	Tenants []Document `yaml:"tenants"`
}

type tenantCatalog struct {
	products  map[string]Product
	recipes   map[string]Recipe
	modifiers map[string]Modifier
}

type StaticCatalog struct {
	mu      sync.RWMutex
	tenants map[string]*tenantCatalog
}

func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{tenants: make(map[string]*tenantCatalog)}
}

// LoadFile reads a YAML catalog file and replaces every tenant it names.
func (c *StaticCatalog) LoadFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return 0, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for _, doc := range file.Tenants {
		if err := c.Replace(doc); err != nil {
			return 0, err
		}
	}
	return len(file.Tenants), nil
}

// Replace swaps the whole catalog of doc.TenantID after validating it.
func (c *StaticCatalog) Replace(doc Document) error {
	built, err := build(doc)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tenants[doc.TenantID] = built
	c.mu.Unlock()
	return nil
}

func (c *StaticCatalog) Product(tenantID string, productID string) (Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tenants[tenantID]
	if !ok {
		return Product{}, false
	}
	p, ok := t.products[productID]
	return p, ok
}

func (c *StaticCatalog) Recipe(tenantID string, productID string) (Recipe, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tenants[tenantID]
	if !ok {
		return Recipe{}, false
	}
	r, ok := t.recipes[productID]
	if !ok {
		return Recipe{}, false
	}
	return Recipe{ProductID: r.ProductID, Items: slices.Clone(r.Items)}, true
}

func (c *StaticCatalog) Modifier(tenantID string, modifierID string) (Modifier, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tenants[tenantID]
	if !ok {
		return Modifier{}, false
	}
	m, ok := t.modifiers[modifierID]
	return m, ok
}

func (c *StaticCatalog) Counts(tenantID string) (products int, modifiers int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tenants[tenantID]
	if !ok {
		return 0, 0
	}
	return len(t.products), len(t.modifiers)
}

func build(doc Document) (*tenantCatalog, error) {
	if strings.TrimSpace(doc.TenantID) == "" {
		return nil, fmt.Errorf("%w: catalog tenant is required", store.ErrValidation)
	}
	t := &tenantCatalog{
		products:  make(map[string]Product, len(doc.Products)),
		recipes:   make(map[string]Recipe, len(doc.Products)),
		modifiers: make(map[string]Modifier, len(doc.Modifiers)),
	}

	for _, spec := range doc.Products {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: product id is required", store.ErrValidation)
		}
		if _, dup := t.products[id]; dup {
			return nil, fmt.Errorf("%w: duplicate product %s", store.ErrValidation, id)
		}
		if err := validateItems(id, spec.Recipe); err != nil {
			return nil, err
		}
		t.products[id] = Product{ID: id, Name: spec.Name, DirectIngredientID: strings.TrimSpace(spec.DirectIngredientID)}
		if len(spec.Recipe) > 0 {
			t.recipes[id] = Recipe{ProductID: id, Items: slices.Clone(spec.Recipe)}
		}
	}

	for _, spec := range doc.Modifiers {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: modifier id is required", store.ErrValidation)
		}
		if _, dup := t.modifiers[id]; dup {
			return nil, fmt.Errorf("%w: duplicate modifier %s", store.ErrValidation, id)
		}
		exclusion := strings.TrimSpace(spec.Exclusion)
		var effect Effect
		switch {
		case len(spec.Addition) > 0 && exclusion != "":
			return nil, fmt.Errorf("%w: modifier %s cannot both add and exclude", store.ErrValidation, id)
		case len(spec.Addition) > 0:
			if err := validateItems(id, spec.Addition); err != nil {
				return nil, err
			}
			effect = Addition{Items: slices.Clone(spec.Addition)}
		case exclusion != "":
			effect = Exclusion{IngredientID: exclusion}
		default:
			return nil, fmt.Errorf("%w: modifier %s has no effect", store.ErrValidation, id)
		}
		t.modifiers[id] = Modifier{ID: id, Name: spec.Name, Effect: effect}
	}
	return t, nil
}

func validateItems(owner string, items []Item) error {
	for _, item := range items {
		if strings.TrimSpace(item.IngredientID) == "" || !item.Quantity.IsPositive() {
			return fmt.Errorf("%w: %s has an item without ingredient or positive quantity", store.ErrValidation, owner)
		}
	}
	return nil
}
