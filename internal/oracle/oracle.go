// Package oracle defines the price-feed capability the ledger consumes.
// The ledger never proceeds on a guessed price: when the oracle cannot
// serve an asset the whole operation aborts. The only exception is the
// stablecoin allow-list, where $1 is the defined value, not a fallback.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable is returned when a price cannot be served.
// Callers must abort rather than substitute a stale or hardcoded value.
var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// Stablecoins is the explicit allow-list of assets defined as $1.
// This is a definition, not a fallback: unknown assets still fail.
var Stablecoins = map[string]bool{
	"USDC": true,
	"USDT": true,
	"DAI":  true,
}

var one = decimal.NewFromInt(1)

// PriceOracle supplies current USD prices per supported asset.
type PriceOracle interface {
	// GetPrice returns the USD price for one asset or ErrPriceUnavailable.
	GetPrice(ctx context.Context, asset string) (decimal.Decimal, error)

	// GetBatchPrices returns prices for the requested assets. On partial
	// failure it returns the prices it has plus an error naming the
	// missing assets — callers decide whether partial is acceptable.
	GetBatchPrices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error)
}

// StaticOracle serves prices from a mutex-guarded map. Used in development
// and tests; production wires a live feed behind the same interface.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticOracle creates an oracle with the given initial prices.
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	p := make(map[string]decimal.Decimal, len(prices))
	for asset, price := range prices {
		p[strings.ToUpper(asset)] = price
	}
	return &StaticOracle{prices: p}
}

// SetPrice sets or updates one asset's price.
func (o *StaticOracle) SetPrice(asset string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[strings.ToUpper(asset)] = price
}

// Unset removes an asset, making subsequent lookups fail. Lets tests
// exercise the fail-closed path.
func (o *StaticOracle) Unset(asset string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.prices, strings.ToUpper(asset))
}

func (o *StaticOracle) GetPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, asset, err)
	}

	symbol := strings.ToUpper(asset)

	o.mu.RLock()
	price, ok := o.prices[symbol]
	o.mu.RUnlock()

	if ok {
		return price, nil
	}
	if Stablecoins[symbol] {
		return one, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, asset)
}

func (o *StaticOracle) GetBatchPrices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(assets))
	var missing []string

	for _, asset := range assets {
		price, err := o.GetPrice(ctx, asset)
		if err != nil {
			missing = append(missing, asset)
			continue
		}
		out[strings.ToUpper(asset)] = price
	}

	if len(missing) > 0 {
		return out, fmt.Errorf("%w: %s", ErrPriceUnavailable, strings.Join(missing, ", "))
	}
	return out, nil
}
