// Package alloc implements the allocation-target arithmetic for the pool:
// target validation, rebalance trade planning, and proportional splitting
// of fresh capital across the current target allocation.
//
// Everything here is pure — callers pass pool state in and get plans out.
// The engine accounts for allocations; it never executes the trades.
package alloc

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/navfund/pool-engine/internal/model"
)

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

var (
	// ErrNoTargets is returned when the target map is empty.
	ErrNoTargets = errors.New("alloc: no target allocations given")

	// ErrNegativeTarget is returned when any target percentage is negative.
	ErrNegativeTarget = errors.New("alloc: target percentage must not be negative")

	// ErrTargetSumInvalid is returned when target percentages do not sum
	// to 100 within the allowed tolerance.
	ErrTargetSumInvalid = errors.New("alloc: target percentages must sum to 100")

	// SumTolerance is the allowed deviation of the target-percentage sum
	// from 100.
	SumTolerance = decimal.NewFromFloat(0.1)
)

var hundred = decimal.NewFromInt(100)

// Trade is one implied rebalance leg for the execution layer to act on.
type Trade struct {
	Asset     string          `json:"asset"`
	Side      string          `json:"side"` // BUY or SELL
	AmountUsd decimal.Decimal `json:"amount_usd"`
}

// ValidateTargets checks that targets form a complete allocation:
// every percentage non-negative and the sum within SumTolerance of 100.
func ValidateTargets(targets map[string]decimal.Decimal) error {
	if len(targets) == 0 {
		return ErrNoTargets
	}
	sum := decimal.Zero
	for _, pct := range targets {
		if pct.IsNegative() {
			return ErrNegativeTarget
		}
		sum = sum.Add(pct)
	}
	if sum.Sub(hundred).Abs().GreaterThan(SumTolerance) {
		return ErrTargetSumInvalid
	}
	return nil
}

// PlanRebalance computes the USD delta between current holdings and the
// target allocation for every asset in either map. Deltas smaller than the
// dust threshold are dropped. Trades are sorted by asset for determinism.
func PlanRebalance(
	current map[string]model.Allocation,
	targets map[string]decimal.Decimal,
	totalValueUsd decimal.Decimal,
	dust decimal.Decimal,
) []Trade {
	assets := make(map[string]bool, len(current)+len(targets))
	for a := range current {
		assets[a] = true
	}
	for a := range targets {
		assets[a] = true
	}

	var trades []Trade
	for asset := range assets {
		targetVal := totalValueUsd.Mul(targets[asset]).Div(hundred)
		currentVal := current[asset].ValueUsd
		delta := targetVal.Sub(currentVal)

		if delta.Abs().LessThan(dust) {
			continue
		}

		side := SideBuy
		if delta.IsNegative() {
			side = SideSell
		}
		trades = append(trades, Trade{
			Asset:     asset,
			Side:      side,
			AmountUsd: delta.Abs().Round(2),
		})
	}

	sort.Slice(trades, func(i, j int) bool { return trades[i].Asset < trades[j].Asset })
	return trades
}

// SplitDeposit divides fresh capital across the target allocation in
// proportion to each asset's percentage. Rounding remainders are assigned
// to the largest target so the parts always sum exactly to amountUsd.
func SplitDeposit(amountUsd decimal.Decimal, targets map[string]decimal.Decimal) map[string]decimal.Decimal {
	parts := make(map[string]decimal.Decimal, len(targets))
	if len(targets) == 0 || amountUsd.LessThanOrEqual(decimal.Zero) {
		return parts
	}

	largest := ""
	assigned := decimal.Zero
	for asset, pct := range targets {
		if pct.LessThanOrEqual(decimal.Zero) {
			continue
		}
		part := amountUsd.Mul(pct).Div(hundred).RoundFloor(8)
		parts[asset] = part
		assigned = assigned.Add(part)
		if largest == "" || pct.GreaterThan(targets[largest]) {
			largest = asset
		}
	}
	if largest != "" {
		parts[largest] = parts[largest].Add(amountUsd.Sub(assigned))
	}
	return parts
}
