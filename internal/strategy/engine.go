package strategy

import (
	"fmt"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/risk"

	"github.com/shopspring/decimal"
)

// EntrySignal is a recommendation to open a hedge
type EntrySignal struct {
	Confidence       core.Confidence
	Reasons          []string
	FundingRate      core.FundingRateSnapshot
	History          core.FundingRateHistory
	ExpectedYieldBps decimal.Decimal
}

// ExitSignal is a recommendation to unwind, with the winning reason
type ExitSignal struct {
	Reason string
}

// Exit reasons in priority order
const (
	ExitReasonRateDrop      = "rate_drop"
	ExitReasonTrendChange   = "trend_change"
	ExitReasonRegimeChange  = "regime_change"
	ExitReasonTargetReached = "target_reached"
	ExitReasonRisk          = "risk"
)

// EntryContext pins the funding environment observed when the hedge was
// opened; exit rules compare against it
type EntryContext struct {
	TrendAtEntry  core.FundingTrend
	RegimeAtEntry core.FundingRegime
}

// Input is everything one strategy evaluation reads, passed by value
type Input struct {
	Funding         core.FundingRateSnapshot
	History         core.FundingRateHistory
	Position        *core.DerivedPosition // nil when flat
	Entry           *EntryContext         // nil when flat or unknown
	EquityQuote     decimal.Decimal
	MarginUsedQuote decimal.Decimal
}

// EvaluateEntry returns an entry signal, or nil when conditions do not
// support opening a hedge. Confidence starts from the regime and is
// downgraded one step per cautionary observation.
func EvaluateEntry(funding core.FundingRateSnapshot, history core.FundingRateHistory, cfg config.StrategyConfig) *EntrySignal {
	if funding.CurrentRateBps.LessThan(decimal.NewFromInt(cfg.MinFundingRateBps)) {
		return nil
	}
	if !history.Regime.IsHigh() {
		return nil
	}

	confidence := core.ConfidenceHigh
	reasons := []string{fmt.Sprintf("regime %s with current rate %s bps", history.Regime, funding.CurrentRateBps)}
	if history.Regime == core.RegimeHighVolatile {
		confidence = core.ConfidenceMedium
	}

	if history.Trend == core.TrendDecreasing {
		confidence = confidence.Downgrade()
		reasons = append(reasons, "funding trend decreasing")
	}
	if funding.PredictedRateBps.LessThan(funding.CurrentRateBps) {
		confidence = confidence.Downgrade()
		reasons = append(reasons, "predicted rate below current")
	}
	if funding.PredictedRateBps.LessThan(decimal.NewFromInt(cfg.MinPredictedRateBps)) {
		confidence = confidence.Downgrade()
		reasons = append(reasons, "predicted rate below minimum")
	}

	// One funding period assumed, so expected yield is the predicted rate
	return &EntrySignal{
		Confidence:       confidence,
		Reasons:          reasons,
		FundingRate:      funding,
		History:          history,
		ExpectedYieldBps: funding.PredictedRateBps,
	}
}

// EvaluateExit checks the exit rules in priority order and returns the first
// match, or nil to keep holding.
func EvaluateExit(position *core.DerivedPosition, entry *EntryContext, funding core.FundingRateSnapshot, history core.FundingRateHistory, cfg config.StrategyConfig) *ExitSignal {
	if position == nil || !position.Open {
		return nil
	}

	if funding.PredictedRateBps.LessThan(decimal.NewFromInt(cfg.ExitFundingRateBps)) {
		return &ExitSignal{Reason: ExitReasonRateDrop}
	}

	if entry != nil {
		if entry.TrendAtEntry != core.TrendDecreasing && history.Trend == core.TrendDecreasing {
			return &ExitSignal{Reason: ExitReasonTrendChange}
		}
		if entry.RegimeAtEntry.IsHigh() && !history.Regime.IsHigh() {
			return &ExitSignal{Reason: ExitReasonRegimeChange}
		}
	}

	if targetReached(position, cfg) {
		return &ExitSignal{Reason: ExitReasonTargetReached}
	}
	return nil
}

// targetReached compares realized funding yield against the target scaled by
// position size. Only whole completed funding periods count.
func targetReached(position *core.DerivedPosition, cfg config.StrategyConfig) bool {
	if position.EntryTime.IsZero() || position.NotionalQuote.Sign() <= 0 {
		return false
	}
	periods := core.CompletedFundingPeriods(position.EntryTime, position.LastUpdated)
	if periods == 0 {
		return false
	}

	perPeriod := core.MulDivTrunc(position.NotionalQuote, position.EntryFundingRateBps, core.BpsDenominator)
	realized := perPeriod.Mul(decimal.NewFromInt(periods))
	target := core.MulDivTrunc(position.NotionalQuote, decimal.NewFromInt(cfg.TargetYieldBps), core.BpsDenominator)
	return realized.GreaterThanOrEqual(target) && target.Sign() > 0
}

// Evaluate folds risk and signals into the tick's trading intent
func Evaluate(in Input, assessment core.RiskAssessment, riskCfg config.RiskConfig, cfg config.StrategyConfig) core.TradingIntent {
	open := in.Position != nil && in.Position.Open

	switch assessment.Action {
	case core.RiskActionBlock:
		return core.Noop()
	case core.RiskActionExit:
		if !open {
			return core.Noop()
		}
		return core.TradingIntent{
			Type: core.IntentExitHedge,
			Exit: &core.ExitHedgeIntent{Reason: ExitReasonRisk},
		}
	}

	if open {
		if signal := EvaluateExit(in.Position, in.Entry, in.Funding, in.History, cfg); signal != nil {
			return core.TradingIntent{
				Type: core.IntentExitHedge,
				Exit: &core.ExitHedgeIntent{Reason: signal.Reason},
			}
		}
		return core.Noop()
	}

	if assessment.Action != core.RiskActionAllow {
		return core.Noop()
	}
	signal := EvaluateEntry(in.Funding, in.History, cfg)
	if signal == nil {
		return core.Noop()
	}

	size := risk.MaxPositionSizeQuote(in.EquityQuote, in.MarginUsedQuote, riskCfg)
	if size.Sign() <= 0 {
		return core.Noop()
	}

	return core.TradingIntent{
		Type: core.IntentEnterHedge,
		Enter: &core.EnterHedgeIntent{
			SizeQuote:        size,
			ExpectedYieldBps: signal.ExpectedYieldBps,
			Confidence:       signal.Confidence,
		},
	}
}
