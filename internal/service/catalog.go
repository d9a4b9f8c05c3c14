package service

import (
	"context"
	"fmt"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/recipe"
)

type CatalogSummary struct {
	TenantID  string `json:"tenant_id"`
	Products  int    `json:"products"`
	Modifiers int    `json:"modifiers"`
}

// ReplaceCatalog swaps the recipe catalog of the caller's tenant.
func (s *Service) ReplaceCatalog(ctx context.Context, doc recipe.Document) (*CatalogSummary, error) {
	actor, err := authorize(ctx, inventoryManagers)
	if err != nil {
		return nil, err
	}
	doc.TenantID = actor.TenantID
	if err := s.catalog.Replace(doc); err != nil {
		return nil, err
	}

	products, modifiers := s.catalog.Counts(actor.TenantID)
	s.recordActivity(ctx, "catalog.replace", "catalog", actor.TenantID, fmt.Sprintf("%d products, %d modifiers", products, modifiers))
	return &CatalogSummary{TenantID: actor.TenantID, Products: products, Modifiers: modifiers}, nil
}

func (s *Service) CatalogInfo(ctx context.Context) (*CatalogSummary, error) {
	actor, err := authorize(ctx, nil)
	if err != nil {
		return nil, err
	}
	products, modifiers := s.catalog.Counts(actor.TenantID)
	return &CatalogSummary{TenantID: actor.TenantID, Products: products, Modifiers: modifiers}, nil
}
