package shares

import (
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Constructor tests ---

func TestNewConverter_Valid(t *testing.T) {
	c, err := NewConverter(d(1), d(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.VirtualShares().Equal(d(1)) || !c.VirtualAssets().Equal(d(1)) {
		t.Errorf("expected offsets 1/1, got %s/%s", c.VirtualShares(), c.VirtualAssets())
	}
}

func TestNewConverter_ZeroOffsets(t *testing.T) {
	if _, err := NewConverter(d(0), d(1)); err != ErrInvalidOffsets {
		t.Errorf("expected ErrInvalidOffsets for VS=0, got %v", err)
	}
	if _, err := NewConverter(d(1), d(-1)); err != ErrInvalidOffsets {
		t.Errorf("expected ErrInvalidOffsets for VA=-1, got %v", err)
	}
}

// --- Share price tests ---

func TestSharePrice_EmptyPool(t *testing.T) {
	c := DefaultConverter()
	price := c.SharePrice(d(0), d(0))
	if !price.Equal(d(1)) {
		t.Errorf("empty pool share price should be 1, got %s", price)
	}
}

func TestSharePrice_GrowsWithNav(t *testing.T) {
	c := DefaultConverter()
	before := c.SharePrice(d(1000), d(1000))
	after := c.SharePrice(d(1100), d(1000))
	if after.LessThanOrEqual(before) {
		t.Errorf("share price should rise with NAV: before=%s after=%s", before, after)
	}
}

// --- Conversion tests ---

func TestToShares_EmptyPoolScenario(t *testing.T) {
	c := DefaultConverter()
	minted, err := c.ToShares(d(100), d(0), d(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// floor(100 * (0+1) / (0+1)) = 100
	if !minted.Equal(d(100)) {
		t.Errorf("expected 100 shares on empty pool, got %s", minted)
	}
}

func TestToShares_NonPositiveAmount(t *testing.T) {
	c := DefaultConverter()
	if _, err := c.ToShares(d(0), d(0), d(0)); err != ErrNonPositiveAmount {
		t.Errorf("expected ErrNonPositiveAmount, got %v", err)
	}
	if _, err := c.ToShares(d(-5), d(0), d(0)); err != ErrNonPositiveAmount {
		t.Errorf("expected ErrNonPositiveAmount for negative, got %v", err)
	}
}

func TestToShares_TinyAmountFloorsToZero(t *testing.T) {
	c := DefaultConverter()
	// A satoshi-scale deposit against a huge pool floors to zero shares.
	_, err := c.ToShares(d(0.00000001), d(1e12), d(1))
	if err != ErrZeroShares {
		t.Errorf("expected ErrZeroShares, got %v", err)
	}
}

func TestToAssets_FullExitScenario(t *testing.T) {
	c := DefaultConverter()
	// Pool holds $100 / 100 shares after the first deposit.
	out, err := c.ToAssets(d(100), d(100), d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// floor(100 * 101 / 101) = 100: full exit recovers the deposit.
	if !out.Equal(d(100)) {
		t.Errorf("expected $100 payout, got %s", out)
	}
}

// --- Floor-rounding determinism ---

// A deposit followed immediately by a withdrawal of the minted shares must
// never return more USD than was deposited.
func TestRoundTrip_NeverProfits(t *testing.T) {
	c := DefaultConverter()
	cases := []struct {
		totalValue, totalShares, amount float64
	}{
		{0, 0, 100},
		{1000, 900, 123.456789},
		{5000.12345678, 4321.87654321, 250.5},
		{1, 1000000, 10},
		{1e9, 3, 999.99},
	}

	for _, tc := range cases {
		v, s := d(tc.totalValue), d(tc.totalShares)
		amount := d(tc.amount)

		minted, err := c.ToShares(amount, v, s)
		if err != nil {
			t.Fatalf("ToShares(%v): %v", tc, err)
		}

		out, err := c.ToAssets(minted, v.Add(amount), s.Add(minted))
		if err != nil {
			t.Fatalf("ToAssets(%v): %v", tc, err)
		}

		if out.GreaterThan(amount) {
			t.Errorf("round trip profited: in=%s out=%s (pool %v/%v)",
				amount, out, tc.totalValue, tc.totalShares)
		}
	}
}

// --- Ownership ---

func TestOwnershipPct(t *testing.T) {
	pct := OwnershipPct(d(25), d(100))
	if !pct.Equal(d(25)) {
		t.Errorf("expected 25%%, got %s", pct)
	}
	if !OwnershipPct(d(25), d(0)).IsZero() {
		t.Error("ownership of an empty pool should be zero")
	}
}
