package risk

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/navfund/pool-engine/internal/model"
	"github.com/navfund/pool-engine/internal/store"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// seedSnapshots inserts one snapshot per price, spaced a day apart.
func seedSnapshots(t *testing.T, ms *store.MemoryStore, prices ...float64) {
	t.Helper()
	for i, p := range prices {
		err := ms.InsertSnapshot(context.Background(), &model.NavSnapshot{
			Timestamp:  base.Add(time.Duration(i) * 24 * time.Hour),
			SharePrice: decimal.NewFromFloat(p),
			TotalNav:   decimal.NewFromFloat(p * 1000),
			Source:     "scheduler",
		})
		if err != nil {
			t.Fatalf("seed snapshot: %v", err)
		}
	}
}

// seedLedger records one priced deposit transaction per (offset, price) pair.
func seedLedger(t *testing.T, ms *store.MemoryStore, points map[time.Duration]float64) {
	t.Helper()
	account := &model.UserShareAccount{Wallet: "0xcccccccccccccccccccccccccccccccccccccccc"}
	for offset, price := range points {
		pool, err := ms.GetPool(context.Background())
		if err != nil {
			t.Fatalf("seed pool read: %v", err)
		}
		err = ms.ApplyDeposit(context.Background(), pool, account, &model.LedgerTransaction{
			ID:         uuid.NewString(),
			Kind:       model.TxDeposit,
			Wallet:     account.Wallet,
			AmountUsd:  decimal.NewFromInt(100),
			SharePrice: decimal.NewFromFloat(price),
			Timestamp:  base.Add(offset),
		})
		if err != nil {
			t.Fatalf("seed transaction: %v", err)
		}
	}
}

func TestGetRiskMetrics_NoHistory(t *testing.T) {
	ms := store.NewMemoryStore()
	e := NewEngine(ms, nil)

	m, err := e.GetRiskMetrics(context.Background())
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	if !m.InsufficientData {
		t.Error("empty history must report insufficient data")
	}
	if m.DataPoints != 0 || m.Source != SourceNone {
		t.Errorf("got %d points from %q, want 0 from %q", m.DataPoints, m.Source, SourceNone)
	}
	if m.SharpeRatio != 0 || m.MaxDrawdown != 0 || m.ReturnInception != 0 {
		t.Error("no figure may be fabricated without data")
	}
}

func TestGetRiskMetrics_PartialTier(t *testing.T) {
	ms := store.NewMemoryStore()
	// 4 points: enough for drawdowns and inception, not the full set.
	seedSnapshots(t, ms, 1.0, 1.2, 0.9, 1.1)
	e := NewEngine(ms, nil)

	m, err := e.GetRiskMetrics(context.Background())
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	if !m.InsufficientData {
		t.Error("4 points must still flag insufficient data")
	}
	if m.DataPoints != 4 || m.Source != SourceSnapshots {
		t.Errorf("got %d points from %q", m.DataPoints, m.Source)
	}

	// Peak 1.2 → trough 0.9 is a 25% drawdown; latest 1.1 sits 8.33% below peak.
	if m.MaxDrawdown != 25.0 {
		t.Errorf("expected 25%% max drawdown, got %v", m.MaxDrawdown)
	}
	if m.MaxDrawdownAt == nil || !m.MaxDrawdownAt.Equal(base.Add(2*24*time.Hour)) {
		t.Errorf("drawdown trough timestamp wrong: %v", m.MaxDrawdownAt)
	}
	if math.Abs(m.CurrentDrawdown-8.3333) > 0.001 {
		t.Errorf("expected ~8.33%% current drawdown, got %v", m.CurrentDrawdown)
	}
	if math.Abs(m.ReturnInception-10.0) > 0.001 {
		t.Errorf("expected 10%% since inception, got %v", m.ReturnInception)
	}

	// The statistical block stays zero at this tier.
	if m.SharpeRatio != 0 || m.AnnualizedVolatility != 0 || m.VaR95 != 0 {
		t.Error("statistical metrics must stay zero below the minimum series length")
	}
}

func TestGetRiskMetrics_FullTier_RisingSeries(t *testing.T) {
	ms := store.NewMemoryStore()
	seedSnapshots(t, ms, 1.00, 1.01, 1.02, 1.03, 1.04, 1.05, 1.06, 1.07, 1.08, 1.09)
	e := NewEngine(ms, nil)

	m, err := e.GetRiskMetrics(context.Background())
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	if m.InsufficientData {
		t.Fatalf("10 points must unlock the full set: %s", m.Reason)
	}

	if m.MaxDrawdown != 0 {
		t.Errorf("monotone rise has no drawdown, got %v", m.MaxDrawdown)
	}
	if m.MaxDrawdownAt != nil {
		t.Error("no drawdown timestamp without a drawdown")
	}
	if m.SharpeRatio <= 0 {
		t.Errorf("steady gains must have positive Sharpe, got %v", m.SharpeRatio)
	}
	if m.SharpeRatio > 10 || m.SortinoRatio > 10 || m.CalmarRatio > 10 {
		t.Errorf("ratios must clamp at ±10: sharpe=%v sortino=%v calmar=%v",
			m.SharpeRatio, m.SortinoRatio, m.CalmarRatio)
	}
	if m.WinRate != 100 {
		t.Errorf("every return positive, want 100%% win rate, got %v", m.WinRate)
	}
	if m.VaR95 != 0 {
		t.Errorf("no negative returns, VaR95 must be 0, got %v", m.VaR95)
	}
	if !m.BenchmarkNeutral {
		t.Error("no benchmark wired: neutrality must be reported")
	}
	if m.Beta != 0 {
		t.Errorf("neutral benchmark yields Beta 0, got %v", m.Beta)
	}
}

func TestGetRiskMetrics_MixedSeries_VaROrdering(t *testing.T) {
	ms := store.NewMemoryStore()
	seedSnapshots(t, ms, 1.00, 1.03, 0.99, 1.05, 1.01, 1.08, 1.02, 1.10, 1.04, 1.12,
		1.06, 1.14, 1.05, 1.16, 1.08, 1.18, 1.10, 1.20, 1.12, 1.22)
	e := NewEngine(ms, nil)

	m, err := e.GetRiskMetrics(context.Background())
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	if m.InsufficientData {
		t.Fatal("expected the full tier")
	}
	if m.VaR95 <= 0 {
		t.Errorf("mixed series must show positive VaR95, got %v", m.VaR95)
	}
	if m.CVaR95 < m.VaR95 {
		t.Errorf("expected-shortfall must not undercut the cutoff: CVaR %v < VaR %v",
			m.CVaR95, m.VaR95)
	}
	if m.AverageLoss >= 0 {
		t.Errorf("average loss must be negative, got %v", m.AverageLoss)
	}
	if m.ProfitFactor <= 0 || m.ProfitFactor > 100 {
		t.Errorf("profit factor out of range: %v", m.ProfitFactor)
	}
}

type sliceBenchmark struct{ returns []float64 }

func (b sliceBenchmark) Returns(_ context.Context, n int) ([]float64, error) {
	if n > len(b.returns) {
		n = len(b.returns)
	}
	return b.returns[:n], nil
}

func TestGetRiskMetrics_BenchmarkBeta(t *testing.T) {
	ms := store.NewMemoryStore()
	prices := []float64{1.00, 1.02, 1.01, 1.04, 1.03, 1.07, 1.05, 1.09}
	seedSnapshots(t, ms, prices...)

	// Benchmark identical to the pool's own returns: Beta must be 1 and the
	// information ratio 0.
	var rets []float64
	for i := 1; i < len(prices); i++ {
		rets = append(rets, (prices[i]-prices[i-1])/prices[i-1])
	}
	e := NewEngine(ms, sliceBenchmark{returns: rets})

	m, err := e.GetRiskMetrics(context.Background())
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	if m.BenchmarkNeutral {
		t.Fatal("a live benchmark must not be reported neutral")
	}
	if math.Abs(m.Beta-1) > 0.001 {
		t.Errorf("self-benchmark Beta should be 1, got %v", m.Beta)
	}
	if m.InformationRatio != 0 {
		t.Errorf("zero tracking difference means zero information ratio, got %v", m.InformationRatio)
	}
}

// --- history acquisition ---

func TestAcquireHistory_PrefersVaryingSnapshots(t *testing.T) {
	ms := store.NewMemoryStore()
	seedSnapshots(t, ms, 1.0, 1.1, 1.2)

	hist, err := acquireHistory(context.Background(), ms, DefaultHistoryConfig())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if hist.Source != SourceSnapshots || len(hist.Points) != 3 {
		t.Errorf("got %d points from %q", len(hist.Points), hist.Source)
	}
}

func TestAcquireHistory_FlatSnapshotsFallToLedgerDaily(t *testing.T) {
	ms := store.NewMemoryStore()
	// Placeholder snapshots that never move.
	seedSnapshots(t, ms, 1.0, 1.0, 1.0)
	seedLedger(t, ms, map[time.Duration]float64{
		0:                  1.00,
		24 * time.Hour:     1.05,
		2 * 24 * time.Hour: 1.10,
	})

	hist, err := acquireHistory(context.Background(), ms, DefaultHistoryConfig())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if hist.Source != SourceLedgerDaily {
		t.Errorf("expected daily ledger reconstruction, got %q", hist.Source)
	}
	if len(hist.Points) != 3 {
		t.Errorf("expected 3 daily buckets, got %d", len(hist.Points))
	}
}

func TestAcquireHistory_SingleDayFallsToHourly(t *testing.T) {
	ms := store.NewMemoryStore()
	seedLedger(t, ms, map[time.Duration]float64{
		0:             1.00,
		1 * time.Hour: 1.02,
		3 * time.Hour: 1.04,
	})

	hist, err := acquireHistory(context.Background(), ms, DefaultHistoryConfig())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if hist.Source != SourceLedgerHourly {
		t.Errorf("expected hourly ledger reconstruction, got %q", hist.Source)
	}
	if len(hist.Points) != 3 {
		t.Errorf("expected 3 hourly buckets, got %d", len(hist.Points))
	}
}

func TestAcquireHistory_SingleHourFallsToSampling(t *testing.T) {
	ms := store.NewMemoryStore()
	seedLedger(t, ms, map[time.Duration]float64{
		0:                1.00,
		5 * time.Minute:  1.01,
		20 * time.Minute: 1.02,
	})

	hist, err := acquireHistory(context.Background(), ms, DefaultHistoryConfig())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if hist.Source != SourceLedgerSample {
		t.Errorf("expected sampled reconstruction, got %q", hist.Source)
	}
}

func TestAcquireHistory_FlatEverythingKeepsSnapshots(t *testing.T) {
	ms := store.NewMemoryStore()
	seedSnapshots(t, ms, 1.0, 1.0)

	hist, err := acquireHistory(context.Background(), ms, DefaultHistoryConfig())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	// A flat series still feeds the drawdown/inception tier.
	if hist.Source != SourceSnapshots || len(hist.Points) != 2 {
		t.Errorf("got %d points from %q", len(hist.Points), hist.Source)
	}
}

func TestSample(t *testing.T) {
	pts := make([]Point, 50)
	for i := range pts {
		pts[i] = Point{Timestamp: base.Add(time.Duration(i) * time.Minute), SharePrice: float64(i)}
	}

	out := sample(pts, 20)
	if len(out) != 20 {
		t.Fatalf("expected 20 samples, got %d", len(out))
	}
	if out[0] != pts[0] {
		t.Error("first point must survive sampling")
	}
	if out[len(out)-1] != pts[len(pts)-1] {
		t.Error("last point must survive sampling")
	}

	// Short series pass through untouched.
	if got := sample(pts[:5], 20); len(got) != 5 {
		t.Errorf("short series must not be resampled, got %d", len(got))
	}
}

func TestHasVariation(t *testing.T) {
	eps := DefaultHistoryConfig().VariationEpsilon
	flat := []Point{{SharePrice: 1}, {SharePrice: 1}, {SharePrice: 1}}
	if hasVariation(flat, eps) {
		t.Error("flat series has no variation")
	}
	moving := []Point{{SharePrice: 1}, {SharePrice: 1.01}}
	if !hasVariation(moving, eps) {
		t.Error("moving series has variation")
	}
	if hasVariation(moving[:1], eps) {
		t.Error("a single point cannot vary")
	}
}

// --- rating ---

func TestRateRisk(t *testing.T) {
	cfg := DefaultRatingConfig()

	cases := []struct {
		name  string
		m     Metrics
		want  string
		score int
	}{
		{
			name:  "calm pool",
			m:     Metrics{SharpeRatio: 2.0, MaxDrawdown: 5, AnnualizedVolatility: 20, VaR95: 2},
			want:  RatingLow,
			score: 0,
		},
		{
			name:  "boundary low",
			m:     Metrics{SharpeRatio: 0.5, MaxDrawdown: 20, AnnualizedVolatility: 20, VaR95: 2},
			want:  RatingLow,
			score: 2,
		},
		{
			name:  "choppy pool",
			m:     Metrics{SharpeRatio: 0.5, MaxDrawdown: 20, AnnualizedVolatility: 50, VaR95: 6},
			want:  RatingModerate,
			score: 4,
		},
		{
			name:  "blown up",
			m:     Metrics{SharpeRatio: -1, MaxDrawdown: 40, AnnualizedVolatility: 100, VaR95: 12},
			want:  RatingHigh,
			score: 8,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := RateRisk(&tc.m, cfg)
			if got.Rating != tc.want || got.Score != tc.score {
				t.Errorf("got %s (score %d), want %s (score %d)",
					got.Rating, got.Score, tc.want, tc.score)
			}
		})
	}
}

func TestRateRisk_InsufficientDataDefaultsModerate(t *testing.T) {
	got := RateRisk(&Metrics{InsufficientData: true}, DefaultRatingConfig())
	if got.Rating != RatingModerate {
		t.Errorf("expected the Moderate default, got %s", got.Rating)
	}
}
