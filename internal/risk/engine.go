// Package risk grades the current exposure against hard and soft limits and
// tells the evaluator what it may do next. Evaluation is a pure function of
// the snapshot and config.
package risk

import (
	"fmt"

	"fundarb/internal/config"
	"fundarb/internal/core"

	"github.com/shopspring/decimal"
)

// Evaluate computes risk metrics from the snapshot and applies the decision
// ladder: BLOCK, then EXIT, then PAUSE, then ALLOW. First match wins.
// Integer truncation never relaxes a limit because every comparison is
// strict on the risky side.
func Evaluate(snapshot core.RiskSnapshot, cfg config.RiskConfig) core.RiskAssessment {
	metrics := computeMetrics(snapshot)
	open := snapshot.Position != nil && snapshot.Position.Open

	var reasons []string

	// Hard limits
	if metrics.NotionalQuote.GreaterThan(cfg.MaxPositionSize()) {
		reasons = append(reasons, fmt.Sprintf("notional %s exceeds max position size %s",
			metrics.NotionalQuote, cfg.MaxPositionSize()))
	}
	if metrics.LeverageBps.GreaterThan(cfg.MaxLeverage()) {
		reasons = append(reasons, fmt.Sprintf("leverage %s bps exceeds max %d",
			metrics.LeverageBps, cfg.MaxLeverageBps))
	}
	if metrics.MarginUtilizationBps.GreaterThan(cfg.MaxMarginUtilization()) {
		reasons = append(reasons, fmt.Sprintf("margin utilization %s bps exceeds max %d",
			metrics.MarginUtilizationBps, cfg.MaxMarginUtilizationBps))
	}
	if metrics.DrawdownBps.GreaterThan(cfg.MaxDrawdown()) {
		reasons = append(reasons, fmt.Sprintf("drawdown %s bps exceeds max %d",
			metrics.DrawdownBps, cfg.MaxDrawdownBps))
	}
	if open && metrics.LiquidationDistanceBps.LessThan(cfg.MinLiquidationBuffer()) {
		reasons = append(reasons, fmt.Sprintf("liquidation distance %s bps below minimum %d",
			metrics.LiquidationDistanceBps, cfg.MinLiquidationBufferBps))
	}
	if len(reasons) > 0 {
		return core.RiskAssessment{
			Level:   core.RiskLevelBlocked,
			Action:  core.RiskActionBlock,
			Reasons: reasons,
			Metrics: metrics,
		}
	}

	// Exit conditions require an open position
	if open {
		if metrics.DailyPnlQuote.Neg().GreaterThanOrEqual(cfg.MaxDailyLoss()) {
			reasons = append(reasons, fmt.Sprintf("daily loss %s hit cap %d",
				metrics.DailyPnlQuote, cfg.MaxDailyLossQuote))
		}
		if metrics.LiquidationDistanceBps.LessThan(decimal.NewFromInt(cfg.WarningLiquidationBufferBps)) {
			reasons = append(reasons, fmt.Sprintf("liquidation distance %s bps critically low",
				metrics.LiquidationDistanceBps))
		}
		if len(reasons) > 0 {
			return core.RiskAssessment{
				Level:   core.RiskLevelDanger,
				Action:  core.RiskActionExit,
				Reasons: reasons,
				Metrics: metrics,
			}
		}
	}

	// Soft limits pause new entries
	if metrics.LeverageBps.GreaterThan(decimal.NewFromInt(cfg.WarningLeverageBps)) {
		reasons = append(reasons, fmt.Sprintf("leverage %s bps above warning %d",
			metrics.LeverageBps, cfg.WarningLeverageBps))
	}
	if metrics.DrawdownBps.GreaterThan(decimal.NewFromInt(cfg.WarningDrawdownBps)) {
		reasons = append(reasons, fmt.Sprintf("drawdown %s bps above warning %d",
			metrics.DrawdownBps, cfg.WarningDrawdownBps))
	}
	if metrics.MarginUtilizationBps.GreaterThan(decimal.NewFromInt(cfg.WarningMarginUtilizationBps)) {
		reasons = append(reasons, fmt.Sprintf("margin utilization %s bps above warning %d",
			metrics.MarginUtilizationBps, cfg.WarningMarginUtilizationBps))
	}
	if len(reasons) > 0 {
		return core.RiskAssessment{
			Level:   core.RiskLevelWarning,
			Action:  core.RiskActionPause,
			Reasons: reasons,
			Metrics: metrics,
		}
	}

	level := core.RiskLevelSafe
	if nearWarning(metrics, cfg) {
		level = core.RiskLevelCaution
	}
	return core.RiskAssessment{
		Level:   level,
		Action:  core.RiskActionAllow,
		Metrics: metrics,
	}
}

func computeMetrics(snapshot core.RiskSnapshot) core.RiskMetrics {
	metrics := core.RiskMetrics{
		LiquidationDistanceBps: core.BpsDenominator,
		DailyPnlQuote:          snapshot.DailyPnlQuote,
		MarginUtilizationBps:   core.RatioBps(snapshot.MarginUsedQuote, snapshot.EquityQuote),
	}

	if snapshot.Position != nil && snapshot.Position.Open {
		metrics.NotionalQuote = snapshot.Position.NotionalQuote
		metrics.LiquidationDistanceBps = snapshot.Position.LiquidationDistanceBps
	}
	metrics.LeverageBps = core.RatioBps(metrics.NotionalQuote, snapshot.EquityQuote)

	if snapshot.PeakEquityQuote.Sign() > 0 && snapshot.PeakEquityQuote.GreaterThan(snapshot.EquityQuote) {
		metrics.DrawdownBps = core.RatioBps(
			snapshot.PeakEquityQuote.Sub(snapshot.EquityQuote), snapshot.PeakEquityQuote)
	}
	return metrics
}

// nearWarning grades an ALLOW as CAUTION when any soft metric has crossed
// half its warning threshold
func nearWarning(metrics core.RiskMetrics, cfg config.RiskConfig) bool {
	two := decimal.NewFromInt(2)
	if cfg.WarningLeverageBps > 0 &&
		metrics.LeverageBps.GreaterThan(core.DivTrunc(decimal.NewFromInt(cfg.WarningLeverageBps), two)) {
		return true
	}
	if cfg.WarningDrawdownBps > 0 &&
		metrics.DrawdownBps.GreaterThan(core.DivTrunc(decimal.NewFromInt(cfg.WarningDrawdownBps), two)) {
		return true
	}
	if cfg.WarningMarginUtilizationBps > 0 &&
		metrics.MarginUtilizationBps.GreaterThan(core.DivTrunc(decimal.NewFromInt(cfg.WarningMarginUtilizationBps), two)) {
		return true
	}
	return false
}

// MaxPositionSizeQuote is the sizing ceiling for a new hedge: the smaller of
// the configured cap and what free equity supports at max leverage. Division
// truncates toward zero so rounding never adds size.
func MaxPositionSizeQuote(equity, marginUsed decimal.Decimal, cfg config.RiskConfig) decimal.Decimal {
	free := equity.Sub(marginUsed)
	if free.Sign() <= 0 {
		return decimal.Zero
	}
	byLeverage := core.MulDivTrunc(free, cfg.MaxLeverage(), core.BpsDenominator)
	if byLeverage.LessThan(cfg.MaxPositionSize()) {
		return byLeverage
	}
	return cfg.MaxPositionSize()
}
