// Package reconcile holds the arithmetic of audit reconciliation.
package reconcile

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ExpectedAtCount is the theoretical stock when the count was taken: the
// session snapshot plus every ledger movement recorded between snapshot and
// count.
func ExpectedAtCount(snapshot decimal.Decimal, netSinceSnapshot decimal.Decimal) decimal.Decimal {
	return snapshot.Add(netSinceSnapshot)
}

// DeviationPercent compares a physical count against the expected stock.
// It is undefined when expected is zero.
func DeviationPercent(physical decimal.Decimal, expected decimal.Decimal) (decimal.Decimal, bool) {
	if expected.IsZero() {
		return decimal.Zero, false
	}
	return physical.Sub(expected).Div(expected).Mul(hundred).Round(4), true
}

// RealGrammage infers the actual consumption per unit sold over the audit
// window. It is undefined when nothing was sold.
func RealGrammage(snapshot decimal.Decimal, purchases decimal.Decimal, physical decimal.Decimal, unitsSold int64) (decimal.Decimal, bool) {
	if unitsSold <= 0 {
		return decimal.Zero, false
	}
	consumed := snapshot.Add(purchases).Sub(physical)
	return consumed.DivRound(decimal.NewFromInt(unitsSold), 4), true
}

// Adjustment is the signed correction that brings theoretical stock in line
// with the physical count.
func Adjustment(physical decimal.Decimal, expected decimal.Decimal) decimal.Decimal {
	return physical.Sub(expected)
}

// RebasedAdjustment discounts corrections already written after the count,
// such as another audit's ADJUST on the same ingredient.
func RebasedAdjustment(physical decimal.Decimal, expected decimal.Decimal, laterCorrections decimal.Decimal) decimal.Decimal {
	return Adjustment(physical, expected).Sub(laterCorrections)
}

func ExceedsThreshold(deviation decimal.Decimal, thresholdPercent decimal.Decimal) bool {
	return deviation.Abs().GreaterThan(thresholdPercent)
}

type Exposure struct {
	IngredientID string
	Stock        decimal.Decimal
	UnitCost     decimal.Decimal
}

func (e Exposure) Value() decimal.Decimal {
	return e.Stock.Mul(e.UnitCost)
}

// TopExposure returns the n ingredients with the highest stock value,
// ties broken by id.
func TopExposure(items []Exposure, n int) []Exposure {
	ranked := slices.Clone(items)
	slices.SortStableFunc(ranked, func(a, b Exposure) int {
		if c := b.Value().Cmp(a.Value()); c != 0 {
			return c
		}
		return strings.Compare(a.IngredientID, b.IngredientID)
	})
	if n >= 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
