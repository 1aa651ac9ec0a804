package risk

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/navfund/pool-engine/internal/store"
)

// MinPoints is the series length needed for the full metric set. Below it
// only drawdowns and the since-inception return are trustworthy.
const MinPoints = 7

// annFactor annualizes daily statistics. Crypto trades continuously, so a
// year has 365 trading days.
var annFactor = math.Sqrt(365)

// reportScale is the fixed decimal precision of every reported figure.
const reportScale = 4

// Clamp bounds. A single outlier must not produce a meaningless or
// alarming figure.
const (
	maxAbsRatio  = 10.0  // Sharpe, Sortino, Calmar, Treynor, InformationRatio
	maxDrawdownP = 99.9  // percent
	maxVolP      = 500.0 // percent
	maxVaRP      = 100.0 // percent
	maxProfitF   = 100.0
)

// BenchmarkSource supplies a benchmark return series aligned to the pool's
// return series length. Implemented by an external collaborator.
type BenchmarkSource interface {
	Returns(ctx context.Context, n int) ([]float64, error)
}

// Metrics is the full risk/performance report. Percent-type fields are in
// percent units; ratios are dimensionless. Every value is clamped to its
// documented sane range and rounded to a fixed precision.
type Metrics struct {
	InsufficientData bool   `json:"insufficient_data"`
	Reason           string `json:"reason,omitempty"`
	DataPoints       int    `json:"data_points"`
	Source           string `json:"source"`
	// BenchmarkNeutral is true when no benchmark series was available and
	// the relative metrics were computed against an all-zero neutral
	// series instead of fabricated data.
	BenchmarkNeutral bool `json:"benchmark_neutral"`

	DailyReturnMean      float64 `json:"daily_return_mean"`     // percent
	DailyReturnStdDev    float64 `json:"daily_return_stddev"`   // percent
	AnnualizedReturn     float64 `json:"annualized_return"`     // percent
	AnnualizedVolatility float64 `json:"annualized_volatility"` // percent
	DownsideDeviation    float64 `json:"downside_deviation"`    // percent, annualized

	SharpeRatio  float64 `json:"sharpe_ratio"`
	SortinoRatio float64 `json:"sortino_ratio"`
	CalmarRatio  float64 `json:"calmar_ratio"`

	MaxDrawdown     float64    `json:"max_drawdown"` // percent
	MaxDrawdownAt   *time.Time `json:"max_drawdown_at,omitempty"`
	CurrentDrawdown float64    `json:"current_drawdown"` // percent

	VaR95       float64 `json:"var_95"`        // percent, positive
	VaR95Weekly float64 `json:"var_95_weekly"` // percent, positive
	CVaR95      float64 `json:"cvar_95"`       // percent, positive

	Beta             float64 `json:"beta"`
	Alpha            float64 `json:"alpha"` // percent, annualized
	TreynorRatio     float64 `json:"treynor_ratio"`
	InformationRatio float64 `json:"information_ratio"`

	Return7Days      float64 `json:"return_7d"`  // percent
	Return30Days     float64 `json:"return_30d"` // percent
	Return90Days     float64 `json:"return_90d"` // percent
	ReturnYTD        float64 `json:"return_ytd"` // percent
	ReturnInception  float64 `json:"return_inception"`
	WinRate          float64 `json:"win_rate"` // percent
	ProfitFactor     float64 `json:"profit_factor"`
	AverageWin       float64 `json:"average_win"`  // percent
	AverageLoss      float64 `json:"average_loss"` // percent, negative
	ComputedAt       time.Time `json:"computed_at"`
}

// Engine computes risk metrics from stored history. It holds no mutable
// state: results are a pure function of the data it reads, which may be up
// to one snapshot interval stale.
type Engine struct {
	store     store.Store
	benchmark BenchmarkSource // nil → neutral all-zero series
	hcfg      HistoryConfig
	rcfg      RatingConfig
	riskFree  float64 // annual risk-free rate, fraction
}

// NewEngine creates an engine over st. benchmark may be nil.
func NewEngine(st store.Store, benchmark BenchmarkSource) *Engine {
	return &Engine{
		store:     st,
		benchmark: benchmark,
		hcfg:      DefaultHistoryConfig(),
		rcfg:      DefaultRatingConfig(),
		riskFree:  0.02,
	}
}

// GetRiskMetrics acquires history and computes the report for the data
// tier it supports.
func (e *Engine) GetRiskMetrics(ctx context.Context) (*Metrics, error) {
	hist, err := acquireHistory(ctx, e.store, e.hcfg)
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		DataPoints: len(hist.Points),
		Source:     hist.Source,
		ComputedAt: time.Now().UTC(),
	}

	if len(hist.Points) < 2 {
		m.InsufficientData = true
		m.Reason = "need at least 2 NAV points to compute returns"
		return m, nil
	}

	pts := hist.Points
	returns := seriesReturns(pts)

	maxDD, maxDDAt, currentDD := drawdowns(pts)
	m.MaxDrawdown = roundClamp(maxDD*100, 0, maxDrawdownP)
	if maxDD > 0 {
		m.MaxDrawdownAt = &maxDDAt
	}
	m.CurrentDrawdown = roundClamp(currentDD*100, 0, maxDrawdownP)
	if first := pts[0].SharePrice; first > 0 {
		m.ReturnInception = round((pts[len(pts)-1].SharePrice - first) / first * 100)
	}

	if len(pts) < MinPoints {
		// Drawdowns and since-inception are the only trustworthy figures
		// at this tier; everything else stays zero.
		m.InsufficientData = true
		m.Reason = "partial metrics: fewer points than required for the full set"
		return m, nil
	}

	mean := meanOf(returns)
	std := stddevOf(returns, mean)
	downside := downsideDeviation(returns)

	m.DailyReturnMean = round(mean * 100)
	m.DailyReturnStdDev = round(std * 100)

	annReturn := mean * 365
	annVol := std * annFactor
	annDownside := downside * annFactor
	m.AnnualizedReturn = round(annReturn * 100)
	m.AnnualizedVolatility = roundClamp(annVol*100, 0, maxVolP)
	m.DownsideDeviation = roundClamp(annDownside*100, 0, maxVolP)

	m.SharpeRatio = roundClamp(safeDiv(annReturn-e.riskFree, annVol), -maxAbsRatio, maxAbsRatio)
	m.SortinoRatio = roundClamp(safeDiv(annReturn-e.riskFree, annDownside), -maxAbsRatio, maxAbsRatio)
	m.CalmarRatio = roundClamp(safeDiv(annReturn, maxDD), -maxAbsRatio, maxAbsRatio)

	varCut, cvar := valueAtRisk(returns)
	m.VaR95 = roundClamp(varCut*100, 0, maxVaRP)
	m.VaR95Weekly = roundClamp(varCut*100*math.Sqrt(7), 0, maxVaRP)
	m.CVaR95 = roundClamp(cvar*100, 0, maxVaRP)

	bench, neutral := e.benchmarkReturns(ctx, len(returns))
	m.BenchmarkNeutral = neutral
	beta, alpha, treynor, info := relativeMetrics(returns, bench, annReturn, e.riskFree)
	m.Beta = round(beta)
	m.Alpha = round(alpha * 100)
	m.TreynorRatio = roundClamp(treynor, -maxAbsRatio, maxAbsRatio)
	m.InformationRatio = roundClamp(info, -maxAbsRatio, maxAbsRatio)

	m.Return7Days = round(periodReturn(pts, 7*24*time.Hour) * 100)
	m.Return30Days = round(periodReturn(pts, 30*24*time.Hour) * 100)
	m.Return90Days = round(periodReturn(pts, 90*24*time.Hour) * 100)
	m.ReturnYTD = round(ytdReturn(pts) * 100)

	winRate, profitFactor, avgWin, avgLoss := tradingStats(returns)
	m.WinRate = round(winRate * 100)
	m.ProfitFactor = roundClamp(profitFactor, 0, maxProfitF)
	m.AverageWin = round(avgWin * 100)
	m.AverageLoss = round(avgLoss * 100)

	return m, nil
}

// benchmarkReturns fetches the benchmark series or falls back to the
// explicit neutral (all-zero) series. Neutrality is reported, never hidden
// behind a fabricated Beta of 1.
func (e *Engine) benchmarkReturns(ctx context.Context, n int) ([]float64, bool) {
	if e.benchmark != nil {
		if bench, err := e.benchmark.Returns(ctx, n); err == nil && len(bench) == n {
			return bench, false
		}
	}
	return make([]float64, n), true
}

// --- statistics ---

// seriesReturns computes simple returns over consecutive share prices.
// Returns run on share price, not NAV: NAV moves mechanically with
// deposits and withdrawals and would conflate flows with performance.
func seriesReturns(pts []Point) []float64 {
	returns := make([]float64, 0, len(pts)-1)
	for i := 1; i < len(pts); i++ {
		prev := pts[i-1].SharePrice
		if prev <= 0 {
			continue
		}
		returns = append(returns, (pts[i].SharePrice-prev)/prev)
	}
	return returns
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddevOf(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// downsideDeviation uses only sub-zero returns, against a zero target.
func downsideDeviation(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var ss float64
	for _, r := range returns {
		if r < 0 {
			ss += r * r
		}
	}
	return math.Sqrt(ss / float64(len(returns)))
}

// drawdowns returns the largest peak-to-trough decline with its trough
// time, and the decline from the all-time peak to the latest point. Both
// are fractions.
func drawdowns(pts []Point) (maxDD float64, maxDDAt time.Time, currentDD float64) {
	peak := pts[0].SharePrice
	for _, p := range pts {
		if p.SharePrice > peak {
			peak = p.SharePrice
		}
		if peak > 0 {
			dd := (peak - p.SharePrice) / peak
			if dd > maxDD {
				maxDD = dd
				maxDDAt = p.Timestamp
			}
		}
	}
	last := pts[len(pts)-1].SharePrice
	if peak > 0 {
		currentDD = (peak - last) / peak
	}
	if currentDD < 0 {
		currentDD = 0
	}
	return maxDD, maxDDAt, currentDD
}

// valueAtRisk returns the historical VaR95 (absolute 5th-percentile
// return) and CVaR95 (mean of returns at or below the cutoff), both as
// positive fractions.
func valueAtRisk(returns []float64) (float64, float64) {
	if len(returns) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)) * 0.05)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	cutoff := sorted[idx]

	var sum float64
	var n int
	for _, r := range sorted {
		if r <= cutoff {
			sum += r
			n++
		}
	}
	v := 0.0
	if cutoff < 0 {
		v = -cutoff
	}
	cv := 0.0
	if n > 0 && sum < 0 {
		cv = -sum / float64(n)
	}
	return v, cv
}

// relativeMetrics computes Beta/Alpha/Treynor/InformationRatio against the
// benchmark series. A neutral (all-zero) benchmark yields Beta 0 and an
// Alpha of annReturn minus riskFree, the annualized excess over the
// risk-free rate. Reported as neutral, not measured.
func relativeMetrics(returns, bench []float64, annReturn, riskFree float64) (beta, alpha, treynor, info float64) {
	n := len(returns)
	if n == 0 || len(bench) != n {
		return 0, 0, 0, 0
	}

	meanR := meanOf(returns)
	meanB := meanOf(bench)

	var cov, varB float64
	for i := 0; i < n; i++ {
		cov += (returns[i] - meanR) * (bench[i] - meanB)
		varB += (bench[i] - meanB) * (bench[i] - meanB)
	}
	if varB > 0 {
		beta = cov / varB
	}

	benchAnn := meanB * 365
	alpha = annReturn - (riskFree + beta*(benchAnn-riskFree))
	treynor = safeDiv(annReturn-riskFree, beta)

	diffs := make([]float64, n)
	for i := range returns {
		diffs[i] = returns[i] - bench[i]
	}
	meanD := meanOf(diffs)
	stdD := stddevOf(diffs, meanD)
	info = safeDiv(meanD*365, stdD*annFactor)
	return beta, alpha, treynor, info
}

// periodReturn looks up the point nearest to (latest − horizon) and
// returns the fraction gained since then.
func periodReturn(pts []Point, horizon time.Duration) float64 {
	last := pts[len(pts)-1]
	target := last.Timestamp.Add(-horizon)

	base := nearestPoint(pts, target)
	if base.SharePrice <= 0 {
		return 0
	}
	return (last.SharePrice - base.SharePrice) / base.SharePrice
}

// ytdReturn measures from the point nearest to January 1 of the latest
// point's year.
func ytdReturn(pts []Point) float64 {
	last := pts[len(pts)-1]
	jan1 := time.Date(last.Timestamp.UTC().Year(), time.January, 1, 0, 0, 0, 0, time.UTC)

	base := nearestPoint(pts, jan1)
	if base.SharePrice <= 0 {
		return 0
	}
	return (last.SharePrice - base.SharePrice) / base.SharePrice
}

func nearestPoint(pts []Point, target time.Time) Point {
	best := pts[0]
	bestGap := absDuration(pts[0].Timestamp.Sub(target))
	for _, p := range pts[1:] {
		gap := absDuration(p.Timestamp.Sub(target))
		if gap < bestGap {
			best = p
			bestGap = gap
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// tradingStats derives win rate, profit factor, and average win/loss from
// the sign of each return. All fractions.
func tradingStats(returns []float64) (winRate, profitFactor, avgWin, avgLoss float64) {
	var wins, losses int
	var winSum, lossSum float64
	for _, r := range returns {
		switch {
		case r > 0:
			wins++
			winSum += r
		case r < 0:
			losses++
			lossSum += r
		}
	}
	if wins+losses > 0 {
		winRate = float64(wins) / float64(wins+losses)
	}
	if lossSum < 0 {
		profitFactor = winSum / -lossSum
	} else if winSum > 0 {
		profitFactor = maxProfitF
	}
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	if losses > 0 {
		avgLoss = lossSum / float64(losses)
	}
	return winRate, profitFactor, avgWin, avgLoss
}

// --- rounding/clamping ---

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func round(v float64) float64 {
	p := math.Pow10(reportScale)
	return math.Round(v*p) / p
}

func roundClamp(v, lo, hi float64) float64 {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return round(v)
}
