package alloc

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/navfund/pool-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Target validation ---

func TestValidateTargets_Valid(t *testing.T) {
	targets := map[string]decimal.Decimal{"BTC": d(60), "ETH": d(30), "USDC": d(10)}
	if err := ValidateTargets(targets); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateTargets_WithinTolerance(t *testing.T) {
	targets := map[string]decimal.Decimal{"BTC": d(50.05), "ETH": d(50)}
	if err := ValidateTargets(targets); err != nil {
		t.Errorf("sum 100.05 should pass the 0.1 tolerance, got %v", err)
	}
}

func TestValidateTargets_SumOff(t *testing.T) {
	targets := map[string]decimal.Decimal{"BTC": d(60), "ETH": d(30)}
	if err := ValidateTargets(targets); err != ErrTargetSumInvalid {
		t.Errorf("expected ErrTargetSumInvalid, got %v", err)
	}
}

func TestValidateTargets_Negative(t *testing.T) {
	targets := map[string]decimal.Decimal{"BTC": d(110), "ETH": d(-10)}
	if err := ValidateTargets(targets); err != ErrNegativeTarget {
		t.Errorf("expected ErrNegativeTarget, got %v", err)
	}
}

func TestValidateTargets_Empty(t *testing.T) {
	if err := ValidateTargets(nil); err != ErrNoTargets {
		t.Errorf("expected ErrNoTargets, got %v", err)
	}
}

// --- Rebalance planning ---

func TestPlanRebalance_BuysAndSells(t *testing.T) {
	current := map[string]model.Allocation{
		"BTC":  {ValueUsd: d(800)},
		"USDC": {ValueUsd: d(200)},
	}
	targets := map[string]decimal.Decimal{"BTC": d(50), "ETH": d(40), "USDC": d(10)}

	trades := PlanRebalance(current, targets, d(1000), d(1))
	if len(trades) != 3 {
		t.Fatalf("expected 3 trades, got %d: %+v", len(trades), trades)
	}

	// Sorted by asset: BTC, ETH, USDC.
	if trades[0].Asset != "BTC" || trades[0].Side != SideSell || !trades[0].AmountUsd.Equal(d(300)) {
		t.Errorf("unexpected BTC leg: %+v", trades[0])
	}
	if trades[1].Asset != "ETH" || trades[1].Side != SideBuy || !trades[1].AmountUsd.Equal(d(400)) {
		t.Errorf("unexpected ETH leg: %+v", trades[1])
	}
	if trades[2].Asset != "USDC" || trades[2].Side != SideSell || !trades[2].AmountUsd.Equal(d(100)) {
		t.Errorf("unexpected USDC leg: %+v", trades[2])
	}
}

func TestPlanRebalance_ZeroDeltaDropped(t *testing.T) {
	current := map[string]model.Allocation{
		"BTC":  {ValueUsd: d(800)},
		"USDC": {ValueUsd: d(200)},
	}
	// USDC already sits exactly at its 20% target: only two legs remain.
	targets := map[string]decimal.Decimal{"BTC": d(50), "ETH": d(30), "USDC": d(20)}

	trades := PlanRebalance(current, targets, d(1000), d(1))
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d: %+v", len(trades), trades)
	}
	if trades[0].Asset != "BTC" || trades[0].Side != SideSell || !trades[0].AmountUsd.Equal(d(300)) {
		t.Errorf("unexpected BTC leg: %+v", trades[0])
	}
	if trades[1].Asset != "ETH" || trades[1].Side != SideBuy || !trades[1].AmountUsd.Equal(d(300)) {
		t.Errorf("unexpected ETH leg: %+v", trades[1])
	}
}

func TestPlanRebalance_DustIgnored(t *testing.T) {
	current := map[string]model.Allocation{"BTC": d2alloc(499.8), "ETH": d2alloc(500.2)}
	targets := map[string]decimal.Decimal{"BTC": d(50), "ETH": d(50)}

	trades := PlanRebalance(current, targets, d(1000), d(1))
	if len(trades) != 0 {
		t.Errorf("sub-dust deltas should be dropped, got %+v", trades)
	}
}

func TestPlanRebalance_AlreadyBalanced(t *testing.T) {
	current := map[string]model.Allocation{"BTC": d2alloc(500), "ETH": d2alloc(500)}
	targets := map[string]decimal.Decimal{"BTC": d(50), "ETH": d(50)}

	if trades := PlanRebalance(current, targets, d(1000), d(1)); len(trades) != 0 {
		t.Errorf("expected no trades, got %+v", trades)
	}
}

func d2alloc(value float64) model.Allocation {
	return model.Allocation{ValueUsd: d(value)}
}

// --- Deposit splitting ---

func TestSplitDeposit_SumsExactly(t *testing.T) {
	targets := map[string]decimal.Decimal{"BTC": d(33.33), "ETH": d(33.33), "USDC": d(33.34)}
	amount := d(1000.01)

	parts := SplitDeposit(amount, targets)
	sum := decimal.Zero
	for _, p := range parts {
		sum = sum.Add(p)
	}
	if !sum.Equal(amount) {
		t.Errorf("parts must sum exactly to the deposit: %s != %s", sum, amount)
	}
}

func TestSplitDeposit_Proportional(t *testing.T) {
	targets := map[string]decimal.Decimal{"BTC": d(75), "USDC": d(25)}
	parts := SplitDeposit(d(400), targets)

	if !parts["BTC"].Equal(d(300)) {
		t.Errorf("expected $300 to BTC, got %s", parts["BTC"])
	}
	if !parts["USDC"].Equal(d(100)) {
		t.Errorf("expected $100 to USDC, got %s", parts["USDC"])
	}
}

func TestSplitDeposit_Empty(t *testing.T) {
	if parts := SplitDeposit(d(100), nil); len(parts) != 0 {
		t.Errorf("expected no parts, got %+v", parts)
	}
	if parts := SplitDeposit(d(0), map[string]decimal.Decimal{"BTC": d(100)}); len(parts) != 0 {
		t.Errorf("expected no parts for zero amount, got %+v", parts)
	}
}
