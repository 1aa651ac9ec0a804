// Package risk derives performance and risk statistics from the pool's NAV
// history. It is strictly read-only: a pure function of the snapshot and
// ledger history, safe to run concurrently with ledger mutations.
package risk

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/navfund/pool-engine/internal/model"
	"github.com/navfund/pool-engine/internal/store"
)

// History sources, in preference order.
const (
	SourceSnapshots    = "snapshots"
	SourceLedgerDaily  = "ledger-daily"
	SourceLedgerHourly = "ledger-hourly"
	SourceLedgerSample = "ledger-sampled"
	SourceNone         = "none"
)

// HistoryConfig tunes the reconstruction heuristics. The thresholds are
// heuristic, not load-bearing: they decide which aggregation tier wins,
// not what any metric means.
type HistoryConfig struct {
	// VariationEpsilon is the minimum share-price spread (max − min) for a
	// series to count as showing real variation rather than a flat
	// placeholder.
	VariationEpsilon float64

	// SampleTarget is the approximate number of evenly spaced raw
	// transactions used by the last-resort sampling tier.
	SampleTarget int
}

// DefaultHistoryConfig returns the default reconstruction thresholds.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		VariationEpsilon: 1e-6,
		SampleTarget:     20,
	}
}

// Point is one share-price observation. Statistics run on float64 — these
// are measurements, not money.
type Point struct {
	Timestamp  time.Time
	SharePrice float64
}

// History is the acquired share-price series plus the tier that produced
// it, so callers can judge the quality of what they are looking at.
type History struct {
	Points []Point
	Source string
}

// acquireHistory implements the ordered input-acquisition policy:
// dedicated snapshots when they show real variation, otherwise ledger
// reconstruction at daily, then hourly, then sampled granularity. Nothing
// is ever fabricated: a pool with no usable history reports SourceNone.
func acquireHistory(ctx context.Context, st store.Store, cfg HistoryConfig) (History, error) {
	snaps, err := st.ListSnapshots(ctx, time.Time{})
	if err != nil {
		return History{Source: SourceNone}, fmt.Errorf("risk: list snapshots: %w", err)
	}

	snapPoints := make([]Point, 0, len(snaps))
	for _, s := range snaps {
		snapPoints = append(snapPoints, Point{
			Timestamp:  s.Timestamp,
			SharePrice: s.SharePrice.InexactFloat64(),
		})
	}
	if len(snapPoints) >= 1 && hasVariation(snapPoints, cfg.VariationEpsilon) {
		return History{Points: snapPoints, Source: SourceSnapshots}, nil
	}

	// Early-stage pools have too few snapshots to show anything; rebuild
	// the series from the transaction ledger instead.
	txs, err := st.ListTransactions(ctx, 0)
	if err != nil {
		return History{Source: SourceNone}, fmt.Errorf("risk: list transactions: %w", err)
	}
	priced := pricedTransactions(txs)

	if daily := bucketLast(priced, dayKey); len(daily) >= 2 && hasVariation(daily, cfg.VariationEpsilon) {
		return History{Points: daily, Source: SourceLedgerDaily}, nil
	}
	if hourly := bucketLast(priced, hourKey); len(hourly) >= 2 && hasVariation(hourly, cfg.VariationEpsilon) {
		return History{Points: hourly, Source: SourceLedgerHourly}, nil
	}
	if sampled := sample(priced, cfg.SampleTarget); len(sampled) >= 2 {
		return History{Points: sampled, Source: SourceLedgerSample}, nil
	}

	// Nothing reconstructable; a flat snapshot series is still better
	// than nothing for the drawdown/inception tier.
	if len(snapPoints) >= 1 {
		return History{Points: snapPoints, Source: SourceSnapshots}, nil
	}
	return History{Source: SourceNone}, nil
}

// pricedTransactions keeps ledger entries carrying an execution share
// price, in chronological order.
func pricedTransactions(txs []model.LedgerTransaction) []Point {
	pts := make([]Point, 0, len(txs))
	for _, tx := range txs {
		price := tx.SharePrice.InexactFloat64()
		if price <= 0 {
			continue
		}
		pts = append(pts, Point{Timestamp: tx.Timestamp, SharePrice: price})
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].Timestamp.Before(pts[j].Timestamp) })
	return pts
}

func dayKey(t time.Time) string  { return t.UTC().Format("2006-01-02") }
func hourKey(t time.Time) string { return t.UTC().Format("2006-01-02T15") }

// bucketLast keeps the last observation per bucket, ordered by time.
func bucketLast(pts []Point, key func(time.Time) string) []Point {
	last := make(map[string]Point)
	var order []string
	for _, p := range pts {
		k := key(p.Timestamp)
		if _, seen := last[k]; !seen {
			order = append(order, k)
		}
		last[k] = p
	}
	out := make([]Point, 0, len(order))
	for _, k := range order {
		out = append(out, last[k])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// sample picks ~target evenly spaced points, always keeping the last.
func sample(pts []Point, target int) []Point {
	if target <= 0 || len(pts) <= target {
		return pts
	}
	step := float64(len(pts)-1) / float64(target-1)
	out := make([]Point, 0, target)
	for i := 0; i < target; i++ {
		out = append(out, pts[int(float64(i)*step+0.5)])
	}
	out[len(out)-1] = pts[len(pts)-1]
	return out
}

// hasVariation reports whether the series moves at all: a spread above
// epsilon, and not a flat 1.0 placeholder.
func hasVariation(pts []Point, epsilon float64) bool {
	if len(pts) < 2 {
		return false
	}
	minP, maxP := pts[0].SharePrice, pts[0].SharePrice
	for _, p := range pts[1:] {
		if p.SharePrice < minP {
			minP = p.SharePrice
		}
		if p.SharePrice > maxP {
			maxP = p.SharePrice
		}
	}
	return maxP-minP > epsilon
}
