package strategy_test

import (
	"testing"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func strategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		MinFundingRateBps:      10,
		MinPredictedRateBps:    5,
		ExitFundingRateBps:     3,
		TargetYieldBps:         100,
		TrendWindow:            24,
		TrendThresholdBps:      5,
		VolatilityThresholdBps: 5,
		MaxHistorySize:         48,
	}
}

func riskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionSizeQuote:        10_000_000_000,
		MaxLeverageBps:              30_000,
		MaxDailyLossQuote:           500_000_000,
		MaxDrawdownBps:              1_500,
		MinLiquidationBufferBps:     1_000,
		MaxMarginUtilizationBps:     8_000,
		WarningLeverageBps:          20_000,
		WarningDrawdownBps:          1_000,
		WarningLiquidationBufferBps: 2_000,
		WarningMarginUtilizationBps: 6_000,
	}
}

func snapshots(rates ...int64) []core.FundingRateSnapshot {
	out := make([]core.FundingRateSnapshot, len(rates))
	for i, r := range rates {
		out[i] = core.FundingRateSnapshot{Symbol: "BTCUSDT", CurrentRateBps: d(r)}
	}
	return out
}

func risingHistory(t *testing.T) core.FundingRateHistory {
	t.Helper()
	rates := make([]int64, 24)
	for i := range rates {
		if i < 12 {
			rates[i] = 12
		} else {
			rates[i] = 18
		}
	}
	h := strategy.AnalyzeTrend(snapshots(rates...), strategyConfig())
	require.Equal(t, core.TrendIncreasing, h.Trend)
	require.Equal(t, core.RegimeHighStable, h.Regime)
	return h
}

func allow() core.RiskAssessment {
	return core.RiskAssessment{Level: core.RiskLevelSafe, Action: core.RiskActionAllow}
}

func TestAnalyzeTrendStatistics(t *testing.T) {
	h := risingHistory(t)
	assert.True(t, h.AverageRateBps.Equal(d(15)), "avg %s", h.AverageRateBps)
	assert.True(t, h.VolatilityBps.Equal(d(3)), "vol %s", h.VolatilityBps)
}

func TestAnalyzeTrendClassification(t *testing.T) {
	cfg := strategyConfig()

	tests := []struct {
		name     string
		rates    []int64
		expected core.FundingTrend
	}{
		{"increasing", []int64{10, 10, 10, 10, 20, 20, 20, 20}, core.TrendIncreasing},
		{"decreasing", []int64{20, 20, 20, 20, 10, 10, 10, 10}, core.TrendDecreasing},
		{"stable within dead-band", []int64{12, 12, 12, 12, 15, 15, 15, 15}, core.TrendStable},
		{"single snapshot", []int64{15}, core.TrendStable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := strategy.AnalyzeTrend(snapshots(tt.rates...), cfg)
			assert.Equal(t, tt.expected, h.Trend)
		})
	}
}

func TestAnalyzeTrendRegimeGrid(t *testing.T) {
	cfg := strategyConfig()

	// High average, low volatility
	h := strategy.AnalyzeTrend(snapshots(15, 15, 15, 15), cfg)
	assert.Equal(t, core.RegimeHighStable, h.Regime)

	// High average, high volatility
	h = strategy.AnalyzeTrend(snapshots(2, 40, 2, 40), cfg)
	assert.Equal(t, core.RegimeHighVolatile, h.Regime)

	// Low average, low volatility
	h = strategy.AnalyzeTrend(snapshots(3, 3, 3, 3), cfg)
	assert.Equal(t, core.RegimeLowStable, h.Regime)

	// Low average, high volatility
	h = strategy.AnalyzeTrend(snapshots(0, 16, 0, 16), cfg)
	assert.Equal(t, core.RegimeLowVolatile, h.Regime)
}

// AnalyzeTrend is a pure function: identical inputs give identical outputs
func TestAnalyzeTrendDeterministic(t *testing.T) {
	cfg := strategyConfig()
	input := snapshots(12, 14, 9, 22, 17, 11, 16, 13)

	a := strategy.AnalyzeTrend(input, cfg)
	b := strategy.AnalyzeTrend(input, cfg)

	assert.True(t, a.AverageRateBps.Equal(b.AverageRateBps))
	assert.True(t, a.VolatilityBps.Equal(b.VolatilityBps))
	assert.Equal(t, a.Trend, b.Trend)
	assert.Equal(t, a.Regime, b.Regime)
}

func TestTrimHistory(t *testing.T) {
	input := snapshots(1, 2, 3, 4, 5)
	trimmed := strategy.TrimHistory(input, 3)
	require.Len(t, trimmed, 3)
	assert.True(t, trimmed[0].CurrentRateBps.Equal(d(3)))

	assert.Len(t, strategy.TrimHistory(input, 10), 5)
}

func TestHighConfidenceEntry(t *testing.T) {
	history := risingHistory(t)
	funding := core.FundingRateSnapshot{
		Symbol:           "BTCUSDT",
		CurrentRateBps:   d(15),
		PredictedRateBps: d(18),
		MarkPriceQuote:   d(50_000_000_000),
	}

	intent := strategy.Evaluate(strategy.Input{
		Funding:         funding,
		History:         history,
		EquityQuote:     d(100_000_000_000),
		MarginUsedQuote: d(5_000_000_000),
	}, allow(), riskConfig(), strategyConfig())

	require.Equal(t, core.IntentEnterHedge, intent.Type)
	require.NotNil(t, intent.Enter)
	assert.True(t, intent.Enter.SizeQuote.Equal(d(10_000_000_000)), "size %s", intent.Enter.SizeQuote)
	assert.True(t, intent.Enter.ExpectedYieldBps.Equal(d(18)))
	assert.Equal(t, core.ConfidenceHigh, intent.Enter.Confidence)
}

func TestEntryRejections(t *testing.T) {
	cfg := strategyConfig()
	history := risingHistory(t)

	// Rate below entry threshold
	signal := strategy.EvaluateEntry(core.FundingRateSnapshot{
		CurrentRateBps: d(9), PredictedRateBps: d(18),
	}, history, cfg)
	assert.Nil(t, signal)

	// Low regime
	low := strategy.AnalyzeTrend(snapshots(3, 3, 3, 3), cfg)
	signal = strategy.EvaluateEntry(core.FundingRateSnapshot{
		CurrentRateBps: d(15), PredictedRateBps: d(18),
	}, low, cfg)
	assert.Nil(t, signal)
}

func TestEntryConfidenceDowngrades(t *testing.T) {
	cfg := strategyConfig()
	history := risingHistory(t)

	// Predicted below current: one downgrade
	signal := strategy.EvaluateEntry(core.FundingRateSnapshot{
		CurrentRateBps: d(15), PredictedRateBps: d(12),
	}, history, cfg)
	require.NotNil(t, signal)
	assert.Equal(t, core.ConfidenceMedium, signal.Confidence)

	// Predicted below current and below minimum: two downgrades
	signal = strategy.EvaluateEntry(core.FundingRateSnapshot{
		CurrentRateBps: d(15), PredictedRateBps: d(4),
	}, history, cfg)
	require.NotNil(t, signal)
	assert.Equal(t, core.ConfidenceLow, signal.Confidence)

	// Volatile regime starts at MEDIUM
	volatile := strategy.AnalyzeTrend(snapshots(2, 40, 2, 40), cfg)
	signal = strategy.EvaluateEntry(core.FundingRateSnapshot{
		CurrentRateBps: d(21), PredictedRateBps: d(25),
	}, volatile, cfg)
	require.NotNil(t, signal)
	assert.Equal(t, core.ConfidenceMedium, signal.Confidence)
}

func openShort(entryRateBps int64, entryAge time.Duration) *core.DerivedPosition {
	now := time.Now()
	return &core.DerivedPosition{
		Open:                   true,
		Side:                   core.PositionSideShort,
		PerpQuantityBase:       d(2_000_000),
		NotionalQuote:          d(1_000_000_000),
		EntryTime:              now.Add(-entryAge),
		EntryFundingRateBps:    d(entryRateBps),
		LiquidationDistanceBps: d(5_000),
		LastUpdated:            now,
	}
}

func TestExitOnRateDrop(t *testing.T) {
	history := risingHistory(t)
	funding := core.FundingRateSnapshot{
		CurrentRateBps:   d(5),
		PredictedRateBps: d(2),
	}

	intent := strategy.Evaluate(strategy.Input{
		Funding:     funding,
		History:     history,
		Position:    openShort(20, time.Hour),
		Entry:       &strategy.EntryContext{TrendAtEntry: core.TrendIncreasing, RegimeAtEntry: core.RegimeHighStable},
		EquityQuote: d(100_000_000_000),
	}, allow(), riskConfig(), strategyConfig())

	require.Equal(t, core.IntentExitHedge, intent.Type)
	assert.Equal(t, "rate_drop", intent.Exit.Reason)
}

func TestExitPriorityOrder(t *testing.T) {
	cfg := strategyConfig()
	entry := &strategy.EntryContext{TrendAtEntry: core.TrendIncreasing, RegimeAtEntry: core.RegimeHighStable}

	// Trend change, no rate drop
	falling := strategy.AnalyzeTrend(snapshots(20, 20, 20, 20, 10, 10, 10, 10), cfg)
	signal := strategy.EvaluateExit(openShort(20, time.Hour), entry,
		core.FundingRateSnapshot{PredictedRateBps: d(12)}, falling, cfg)
	require.NotNil(t, signal)
	assert.Equal(t, "trend_change", signal.Reason)

	// Regime change, stable trend
	low := strategy.AnalyzeTrend(snapshots(3, 3, 3, 3), cfg)
	signal = strategy.EvaluateExit(openShort(20, time.Hour), entry,
		core.FundingRateSnapshot{PredictedRateBps: d(12)}, low, cfg)
	require.NotNil(t, signal)
	assert.Equal(t, "regime_change", signal.Reason)

	// Rate drop wins over everything
	signal = strategy.EvaluateExit(openShort(20, time.Hour), entry,
		core.FundingRateSnapshot{PredictedRateBps: d(1)}, low, cfg)
	require.NotNil(t, signal)
	assert.Equal(t, "rate_drop", signal.Reason)
}

func TestExitOnTargetReached(t *testing.T) {
	cfg := strategyConfig()
	high := risingHistory(t)
	entry := &strategy.EntryContext{TrendAtEntry: core.TrendIncreasing, RegimeAtEntry: core.RegimeHighStable}

	// Entry rate 20 bps, target 100 bps: five completed periods needed
	held := openShort(20, 41*time.Hour)
	signal := strategy.EvaluateExit(held, entry,
		core.FundingRateSnapshot{PredictedRateBps: d(12)}, high, cfg)
	require.NotNil(t, signal)
	assert.Equal(t, "target_reached", signal.Reason)

	// Four periods is not enough
	held = openShort(20, 33*time.Hour)
	signal = strategy.EvaluateExit(held, entry,
		core.FundingRateSnapshot{PredictedRateBps: d(12)}, high, cfg)
	assert.Nil(t, signal)
}

func TestRiskOverridesStrategy(t *testing.T) {
	history := risingHistory(t)
	funding := core.FundingRateSnapshot{CurrentRateBps: d(15), PredictedRateBps: d(18)}

	// BLOCK yields NOOP even with a perfect entry setup
	intent := strategy.Evaluate(strategy.Input{
		Funding: funding, History: history, EquityQuote: d(100_000_000_000),
	}, core.RiskAssessment{Action: core.RiskActionBlock}, riskConfig(), strategyConfig())
	assert.Equal(t, core.IntentNoop, intent.Type)

	// EXIT with open position forces an exit for reason risk
	intent = strategy.Evaluate(strategy.Input{
		Funding: funding, History: history,
		Position:    openShort(20, time.Hour),
		EquityQuote: d(100_000_000_000),
	}, core.RiskAssessment{Action: core.RiskActionExit}, riskConfig(), strategyConfig())
	require.Equal(t, core.IntentExitHedge, intent.Type)
	assert.Equal(t, "risk", intent.Exit.Reason)

	// EXIT when flat is a no-op
	intent = strategy.Evaluate(strategy.Input{
		Funding: funding, History: history, EquityQuote: d(100_000_000_000),
	}, core.RiskAssessment{Action: core.RiskActionExit}, riskConfig(), strategyConfig())
	assert.Equal(t, core.IntentNoop, intent.Type)

	// PAUSE suppresses entries
	intent = strategy.Evaluate(strategy.Input{
		Funding: funding, History: history, EquityQuote: d(100_000_000_000),
	}, core.RiskAssessment{Action: core.RiskActionPause}, riskConfig(), strategyConfig())
	assert.Equal(t, core.IntentNoop, intent.Type)
}
