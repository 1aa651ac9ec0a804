package risk

import "fmt"

// Risk ratings.
const (
	RatingLow      = "Low"
	RatingModerate = "Moderate"
	RatingHigh     = "High"
)

// RatingConfig is the weighted-threshold decision table behind the risk
// rating. A simple scorer, not a model: each metric past its warn/high
// threshold adds weight, and the total maps onto a rating band. Defaults
// are reproduced from the production table but everything is tunable.
type RatingConfig struct {
	SharpeWarn float64 // below this: +1
	SharpeHigh float64 // below this: +2

	DrawdownWarn float64 // percent; above: +1
	DrawdownHigh float64 // percent; above: +2

	VolatilityWarn float64 // percent; above: +1
	VolatilityHigh float64 // percent; above: +2

	VaRWarn float64 // percent; above: +1
	VaRHigh float64 // percent; above: +2

	LowMax      int // score ≤ LowMax → Low
	ModerateMax int // score ≤ ModerateMax → Moderate, else High
}

// DefaultRatingConfig returns the production thresholds.
func DefaultRatingConfig() RatingConfig {
	return RatingConfig{
		SharpeWarn:     1.0,
		SharpeHigh:     0.0,
		DrawdownWarn:   15.0,
		DrawdownHigh:   30.0,
		VolatilityWarn: 40.0,
		VolatilityHigh: 80.0,
		VaRWarn:        5.0,
		VaRHigh:        10.0,
		LowMax:         2,
		ModerateMax:    5,
	}
}

// Rating is the deterministic risk classification of a metrics report.
type Rating struct {
	Rating      string `json:"rating"`
	Score       int    `json:"score"`
	Description string `json:"description"`
}

// RateRisk scores a metrics report against the decision table.
func RateRisk(m *Metrics, cfg RatingConfig) Rating {
	if m.InsufficientData {
		return Rating{
			Rating:      RatingModerate,
			Description: "insufficient history for a full risk assessment; defaulting to Moderate",
		}
	}

	score := 0
	switch {
	case m.SharpeRatio < cfg.SharpeHigh:
		score += 2
	case m.SharpeRatio < cfg.SharpeWarn:
		score++
	}
	switch {
	case m.MaxDrawdown > cfg.DrawdownHigh:
		score += 2
	case m.MaxDrawdown > cfg.DrawdownWarn:
		score++
	}
	switch {
	case m.AnnualizedVolatility > cfg.VolatilityHigh:
		score += 2
	case m.AnnualizedVolatility > cfg.VolatilityWarn:
		score++
	}
	switch {
	case m.VaR95 > cfg.VaRHigh:
		score += 2
	case m.VaR95 > cfg.VaRWarn:
		score++
	}

	rating := RatingHigh
	switch {
	case score <= cfg.LowMax:
		rating = RatingLow
	case score <= cfg.ModerateMax:
		rating = RatingModerate
	}

	return Rating{
		Rating: rating,
		Score:  score,
		Description: fmt.Sprintf(
			"%s risk: Sharpe %.2f, max drawdown %.1f%%, volatility %.1f%%, daily VaR95 %.1f%%",
			rating, m.SharpeRatio, m.MaxDrawdown, m.AnnualizedVolatility, m.VaR95,
		),
	}
}
