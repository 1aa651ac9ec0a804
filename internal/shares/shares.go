// Package shares implements the share-conversion arithmetic for the pooled
// fund: virtual-offset share pricing and floor-rounded conversions between
// USD amounts and pool shares.
//
// The virtual offsets (VS shares, VA dollars) are added to both sides of the
// share-price formula so that an empty or near-empty pool cannot be gamed by
// a first depositor minting disproportionate shares. Conversions always floor
// — rounding in the pool's favor — to stay bit-for-bit compatible with the
// on-chain accounting contract this ledger mirrors.
//
// All values use shopspring/decimal — never float64 for money.
package shares

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidOffsets is returned when a Converter is constructed with a
	// non-positive virtual share or virtual asset offset.
	ErrInvalidOffsets = errors.New("shares: virtual offsets must be positive")

	// ErrNonPositiveAmount is returned when a conversion input is zero or
	// negative.
	ErrNonPositiveAmount = errors.New("shares: amount must be positive")

	// ErrZeroShares is returned when a conversion floors to zero — the
	// input is too small to mint or redeem anything.
	ErrZeroShares = errors.New("shares: amount too small, converts to zero")
)

// ShareScale is the number of fractional digits carried by share and USD
// conversion results. Floor rounding happens at this scale.
const ShareScale int32 = 8

// PriceScale is the number of fractional digits for the derived share price.
const PriceScale int32 = 8

// Converter performs share/asset conversions for a pool. It is stateless —
// pool totals are passed as arguments, not stored.
type Converter struct {
	vs decimal.Decimal // virtual shares
	va decimal.Decimal // virtual assets, USD
}

// NewConverter creates a converter with the given virtual offsets.
func NewConverter(virtualShares, virtualAssets decimal.Decimal) (*Converter, error) {
	if virtualShares.LessThanOrEqual(decimal.Zero) || virtualAssets.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidOffsets
	}
	return &Converter{vs: virtualShares, va: virtualAssets}, nil
}

// DefaultConverter returns a converter with the canonical offsets
// VS = 1 share, VA = $1, matching the on-chain contract.
func DefaultConverter() *Converter {
	c, _ := NewConverter(decimal.NewFromInt(1), decimal.NewFromInt(1))
	return c
}

// VirtualShares returns the virtual share offset.
func (c *Converter) VirtualShares() decimal.Decimal { return c.vs }

// VirtualAssets returns the virtual asset offset in USD.
func (c *Converter) VirtualAssets() decimal.Decimal { return c.va }

// SharePrice computes the derived share price:
//
//	price = (totalValueUsd + VA) / (totalShares + VS)
//
// This is a display value, rounded (not floored) at PriceScale. It is well
// defined for an empty pool: (0 + VA) / (0 + VS).
func (c *Converter) SharePrice(totalValueUsd, totalShares decimal.Decimal) decimal.Decimal {
	return totalValueUsd.Add(c.va).DivRound(totalShares.Add(c.vs), PriceScale+2).Round(PriceScale)
}

// ToShares converts a USD deposit into shares:
//
//	shares = floor(amountUsd * (totalShares + VS) / (totalValueUsd + VA))
//
// Floored at ShareScale, always in the pool's favor.
func (c *Converter) ToShares(amountUsd, totalValueUsd, totalShares decimal.Decimal) (decimal.Decimal, error) {
	if amountUsd.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrNonPositiveAmount
	}
	out := amountUsd.Mul(totalShares.Add(c.vs)).Div(totalValueUsd.Add(c.va)).RoundFloor(ShareScale)
	if out.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrZeroShares
	}
	return out, nil
}

// ToAssets converts burned shares into a USD payout:
//
//	amountUsd = floor(shares * (totalValueUsd + VA) / (totalShares + VS))
//
// Floored at ShareScale, always in the pool's favor.
func (c *Converter) ToAssets(sharesToBurn, totalValueUsd, totalShares decimal.Decimal) (decimal.Decimal, error) {
	if sharesToBurn.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrNonPositiveAmount
	}
	out := sharesToBurn.Mul(totalValueUsd.Add(c.va)).Div(totalShares.Add(c.vs)).RoundFloor(ShareScale)
	if out.IsNegative() {
		out = decimal.Zero
	}
	return out, nil
}

// OwnershipPct returns a holder's percentage of the pool, rounded to 4
// decimal places. Zero when the pool has no shares outstanding.
func OwnershipPct(holderShares, totalShares decimal.Decimal) decimal.Decimal {
	if totalShares.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return holderShares.Div(totalShares).Mul(decimal.NewFromInt(100)).Round(4)
}
