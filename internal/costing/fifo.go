// Package costing plans first-in-first-out batch consumption. It never
// mutates its inputs; stores apply the returned allocations inside their
// own transaction.
package costing

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Lot struct {
	ID         string
	AcquiredAt time.Time
	Sequence   int64
	Initial    decimal.Decimal
	Remaining  decimal.Decimal
	UnitCost   decimal.Decimal
}

type Allocation struct {
	LotID    string
	Quantity decimal.Decimal
	UnitCost decimal.Decimal
}

func (a Allocation) Cost() decimal.Decimal {
	return a.Quantity.Mul(a.UnitCost)
}

type Depletion struct {
	Allocations       []Allocation
	Covered           decimal.Decimal
	Shortfall         decimal.Decimal
	ShortfallUnitCost decimal.Decimal
	Cost              decimal.Decimal
}

func (d Depletion) HasShortfall() bool {
	return d.Shortfall.IsPositive()
}

// UnitCost is the weighted cost per unit of the whole depletion.
func (d Depletion) UnitCost() decimal.Decimal {
	total := d.Covered.Add(d.Shortfall)
	if !total.IsPositive() {
		return decimal.Zero
	}
	return d.Cost.DivRound(total, 6)
}

func CompareFIFO(a, b Lot) int {
	if c := a.AcquiredAt.Compare(b.AcquiredAt); c != 0 {
		return c
	}
	if a.Sequence != b.Sequence {
		if a.Sequence < b.Sequence {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

func SortFIFO(lots []Lot) {
	slices.SortStableFunc(lots, CompareFIFO)
}

// LastUnitCost returns the unit cost of the most recently acquired lot, or
// zero when there is none.
func LastUnitCost(lots []Lot) decimal.Decimal {
	if len(lots) == 0 {
		return decimal.Zero
	}
	last := lots[0]
	for _, lot := range lots[1:] {
		if CompareFIFO(lot, last) > 0 {
			last = lot
		}
	}
	return last.UnitCost
}

// Deplete takes qty from lots in FIFO order, skipping exhausted lots. Lots
// named in preferred are drained first, in the given order. Quantity that no
// lot can cover is reported as shortfall and priced at shortfallCost.
func Deplete(lots []Lot, qty decimal.Decimal, shortfallCost decimal.Decimal, preferred ...string) Depletion {
	result := Depletion{
		Covered:           decimal.Zero,
		Shortfall:         decimal.Zero,
		ShortfallUnitCost: shortfallCost,
		Cost:              decimal.Zero,
	}
	if !qty.IsPositive() {
		return result
	}

	ordered := make([]Lot, len(lots))
	copy(ordered, lots)
	SortFIFO(ordered)
	if len(preferred) > 0 {
		ordered = preferFirst(ordered, preferred)
	}

	remaining := qty
	for _, lot := range ordered {
		if !remaining.IsPositive() {
			break
		}
		if !lot.Remaining.IsPositive() {
			continue
		}
		take := decimal.Min(remaining, lot.Remaining)
		result.Allocations = append(result.Allocations, Allocation{
			LotID:    lot.ID,
			Quantity: take,
			UnitCost: lot.UnitCost,
		})
		result.Covered = result.Covered.Add(take)
		result.Cost = result.Cost.Add(take.Mul(lot.UnitCost))
		remaining = remaining.Sub(take)
	}

	if remaining.IsPositive() {
		result.Shortfall = remaining
		result.Cost = result.Cost.Add(remaining.Mul(shortfallCost))
	}
	return result
}

// Placeable returns how much of an incoming qty lands in batches once any
// outstanding negative stock has been settled.
func Placeable(stock decimal.Decimal, qty decimal.Decimal) decimal.Decimal {
	if !qty.IsPositive() {
		return decimal.Zero
	}
	if !stock.IsNegative() {
		return qty
	}
	placed := stock.Add(qty)
	if placed.IsNegative() {
		return decimal.Zero
	}
	return placed
}

// Restore puts qty back into the target lots, never past a lot's initial
// quantity. It returns what was placed and what did not fit.
func Restore(lots []Lot, targets []Allocation, qty decimal.Decimal) ([]Allocation, decimal.Decimal) {
	byID := make(map[string]Lot, len(lots))
	for _, lot := range lots {
		byID[lot.ID] = lot
	}

	placed := make([]Allocation, 0, len(targets))
	remaining := qty
	for _, target := range targets {
		if !remaining.IsPositive() {
			break
		}
		lot, ok := byID[target.LotID]
		if !ok {
			continue
		}
		room := lot.Initial.Sub(lot.Remaining)
		put := decimal.Min(remaining, target.Quantity, room)
		if !put.IsPositive() {
			continue
		}
		lot.Remaining = lot.Remaining.Add(put)
		byID[lot.ID] = lot
		placed = append(placed, Allocation{LotID: lot.ID, Quantity: put, UnitCost: lot.UnitCost})
		remaining = remaining.Sub(put)
	}
	return placed, remaining
}

// WeightedUnitCost averages allocation costs by quantity.
func WeightedUnitCost(allocations []Allocation) decimal.Decimal {
	qty := decimal.Zero
	cost := decimal.Zero
	for _, a := range allocations {
		qty = qty.Add(a.Quantity)
		cost = cost.Add(a.Cost())
	}
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return cost.DivRound(qty, 6)
}

func Total(lots []Lot) decimal.Decimal {
	sum := decimal.Zero
	for _, lot := range lots {
		sum = sum.Add(lot.Remaining)
	}
	return sum
}

func preferFirst(ordered []Lot, preferred []string) []Lot {
	out := make([]Lot, 0, len(ordered))
	used := make(map[string]bool, len(preferred))
	for _, id := range preferred {
		for _, lot := range ordered {
			if lot.ID == id && !used[id] {
				out = append(out, lot)
				used[id] = true
			}
		}
	}
	for _, lot := range ordered {
		if !used[lot.ID] {
			out = append(out, lot)
		}
	}
	return out
}
