package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const auditSheet = "Audit"

var auditColumns = []string{
	"Ingredient ID", "Name", "Unit", "Snapshot", "Expected", "Physical",
	"Deviation %", "Purchases", "Units Sold", "Real Grammage", "Counted By", "Adjustment",
}

// ExportAuditSession renders a reviewed session as an XLSX workbook.
func (s *Service) ExportAuditSession(ctx context.Context, sessionID string) ([]byte, error) {
	review, err := s.ReviewAuditSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", auditSheet); err != nil {
		return nil, err
	}
	w := sheetWriter{f: f, sheet: auditSheet}
	for i, title := range auditColumns {
		w.set(i+1, 1, title)
	}

	for i, d := range review.Details {
		row := i + 2
		name, unit := d.IngredientID, ""
		if ing, err := s.repo.GetIngredient(ctx, review.Session.TenantID, d.IngredientID); err == nil {
			name, unit = ing.Name, string(ing.BaseUnit)
		}

		w.row(row,
			d.IngredientID,
			name,
			unit,
			d.SnapshotTheoretical.InexactFloat64(),
			optional(d.ExpectedAtCount),
			optional(d.PhysicalCount),
			optional(d.DeviationPercent),
			d.PeriodPurchases.InexactFloat64(),
			d.UnitsSold,
			optional(d.RealGrammage),
			d.CountedBy,
			d.AdjustmentMovementID,
		)
	}
	if w.err != nil {
		return nil, fmt.Errorf("write audit sheet: %w", w.err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func optional(v *decimal.Decimal) any {
	if v == nil {
		return ""
	}
	return v.InexactFloat64()
}

type sheetWriter struct {
	f     *excelize.File
	sheet string
	err   error
}

func (w *sheetWriter) set(col, row int, value any) {
	if w.err != nil {
		return
	}
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		w.err = err
		return
	}
	w.err = w.f.SetCellValue(w.sheet, cell, value)
}

func (w *sheetWriter) row(row int, values ...any) {
	for i, v := range values {
		w.set(i+1, row, v)
	}
}
