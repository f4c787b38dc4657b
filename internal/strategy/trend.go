// Package strategy turns funding-rate history into entry and exit signals
// and folds them with the risk assessment into a single trading intent.
package strategy

import (
	"fundarb/internal/config"
	"fundarb/internal/core"

	"github.com/shopspring/decimal"
)

// Regime classification thresholds, in basis points per funding interval.
// Funding above highRegimeBps counts as a high environment; volatility above
// the config threshold marks it volatile.
const highRegimeBps = 10

// AnalyzeTrend computes the windowed statistics over the most recent
// snapshots. Pure: same inputs always give the same history.
func AnalyzeTrend(snapshots []core.FundingRateSnapshot, cfg config.StrategyConfig) core.FundingRateHistory {
	window := snapshots
	if len(window) > cfg.TrendWindow {
		window = window[len(window)-cfg.TrendWindow:]
	}

	history := core.FundingRateHistory{
		Snapshots: window,
		Trend:     core.TrendStable,
		Regime:    core.RegimeLowStable,
	}
	if len(window) == 0 {
		return history
	}

	history.AverageRateBps = meanRateBps(window)
	history.VolatilityBps = volatilityBps(window, history.AverageRateBps)
	history.Trend = classifyTrend(window, decimal.NewFromInt(cfg.TrendThresholdBps))
	history.Regime = classifyRegime(history.AverageRateBps, history.VolatilityBps,
		decimal.NewFromInt(cfg.VolatilityThresholdBps))
	return history
}

// TrimHistory drops the oldest snapshots beyond the retention cap
func TrimHistory(snapshots []core.FundingRateSnapshot, maxSize int) []core.FundingRateSnapshot {
	if maxSize <= 0 || len(snapshots) <= maxSize {
		return snapshots
	}
	return snapshots[len(snapshots)-maxSize:]
}

func meanRateBps(window []core.FundingRateSnapshot) decimal.Decimal {
	var sum decimal.Decimal
	for _, s := range window {
		sum = sum.Add(s.CurrentRateBps)
	}
	return core.DivTrunc(sum, decimal.NewFromInt(int64(len(window))))
}

// volatilityBps is the population standard deviation of the window, rounded
// down to an integer via the big-int square root
func volatilityBps(window []core.FundingRateSnapshot, mean decimal.Decimal) decimal.Decimal {
	var sumSquares decimal.Decimal
	for _, s := range window {
		diff := s.CurrentRateBps.Sub(mean)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}
	variance := core.DivTrunc(sumSquares, decimal.NewFromInt(int64(len(window))))
	return core.IntSqrt(variance)
}

// classifyTrend compares the first-half mean against the second-half mean
// with a dead-band around zero
func classifyTrend(window []core.FundingRateSnapshot, threshold decimal.Decimal) core.FundingTrend {
	if len(window) < 2 {
		return core.TrendStable
	}
	mid := len(window) / 2
	firstMean := meanRateBps(window[:mid])
	secondMean := meanRateBps(window[mid:])

	diff := secondMean.Sub(firstMean)
	switch {
	case diff.GreaterThan(threshold):
		return core.TrendIncreasing
	case diff.Neg().GreaterThan(threshold):
		return core.TrendDecreasing
	default:
		return core.TrendStable
	}
}

func classifyRegime(average, volatility, volThreshold decimal.Decimal) core.FundingRegime {
	high := average.GreaterThan(decimal.NewFromInt(highRegimeBps))
	volatile := volatility.GreaterThan(volThreshold)

	switch {
	case high && volatile:
		return core.RegimeHighVolatile
	case high:
		return core.RegimeHighStable
	case volatile:
		return core.RegimeLowVolatile
	default:
		return core.RegimeLowStable
	}
}
