package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestGetPrice_Known(t *testing.T) {
	o := NewStaticOracle(map[string]decimal.Decimal{"BTC": d(65000)})
	price, err := o.GetPrice(context.Background(), "btc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(d(65000)) {
		t.Errorf("expected 65000, got %s", price)
	}
}

func TestGetPrice_StablecoinAllowList(t *testing.T) {
	o := NewStaticOracle(nil)
	price, err := o.GetPrice(context.Background(), "USDC")
	if err != nil {
		t.Fatalf("stablecoins are defined as $1: %v", err)
	}
	if !price.Equal(d(1)) {
		t.Errorf("expected $1, got %s", price)
	}
}

func TestGetPrice_FailsClosed(t *testing.T) {
	o := NewStaticOracle(nil)
	_, err := o.GetPrice(context.Background(), "DOGE")
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("unknown non-stablecoin must fail, got %v", err)
	}
}

func TestGetPrice_CancelledContext(t *testing.T) {
	o := NewStaticOracle(map[string]decimal.Decimal{"BTC": d(65000)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := o.GetPrice(ctx, "BTC"); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("cancelled context must surface as unavailable, got %v", err)
	}
}

func TestGetBatchPrices_PartialFailure(t *testing.T) {
	o := NewStaticOracle(map[string]decimal.Decimal{"BTC": d(65000)})
	prices, err := o.GetBatchPrices(context.Background(), []string{"BTC", "DOGE"})

	if !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("missing asset must surface an error, got %v", err)
	}
	// The partial map still carries what was resolvable.
	if !prices["BTC"].Equal(d(65000)) {
		t.Errorf("expected BTC in partial map, got %+v", prices)
	}
	if _, ok := prices["DOGE"]; ok {
		t.Error("DOGE must not appear in the map")
	}
}

func TestUnset(t *testing.T) {
	o := NewStaticOracle(map[string]decimal.Decimal{"SOL": d(150)})
	o.Unset("SOL")
	if _, err := o.GetPrice(context.Background(), "SOL"); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("unset asset must fail, got %v", err)
	}
}
