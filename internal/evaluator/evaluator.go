// Package evaluator runs the per-tick decision procedure: health gates, then
// risk, then strategy, ending in at most one enqueued execution job.
package evaluator

import (
	"context"
	"sync"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/execution"
	"fundarb/internal/health"
	"fundarb/internal/position"
	"fundarb/internal/queue"
	"fundarb/internal/risk"
	"fundarb/internal/store"
	"fundarb/internal/strategy"
	"fundarb/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// HealthAction is the health gate's directive for one tick
type HealthAction string

const (
	ActionContinue      HealthAction = "CONTINUE"
	ActionPauseEntries  HealthAction = "PAUSE_ENTRIES"
	ActionReduceRisk    HealthAction = "REDUCE_RISK"
	ActionFullPause     HealthAction = "FULL_PAUSE"
	ActionForceExit     HealthAction = "FORCE_EXIT"
	ActionEmergencyExit HealthAction = "EMERGENCY_EXIT"
)

// Health exit reasons
const (
	ReasonAllFeedsDown      = "all_feeds_down"
	ReasonWsStaleWithPos    = "ws_stale_with_position"
	ReasonRestFailLowMargin = "rest_failing_low_margin"
)

// Margin buffer below this forces an exit when REST is failing
var criticalMarginBufferBps = decimal.NewFromInt(500)

// HealthSnapshot is the per-tick view of feed health and exposure
type HealthSnapshot struct {
	RestFresh bool
	WsFresh   bool
	Position  *core.DerivedPosition
}

// entryState pins what the evaluator knew when the current hedge was opened
type entryState struct {
	openedAt       time.Time
	fundingRateBps decimal.Decimal
	trend          core.FundingTrend
	regime         core.FundingRegime
}

// Evaluator owns the tick procedure and the state that persists across ticks:
// the funding history window, the entry context, and the equity tracker.
type Evaluator struct {
	store     *store.StateStore
	freshness *store.FreshnessChecker
	monitor   *health.Monitor
	queue     *queue.SerialQueue
	engine    *execution.Engine
	asset     core.AssetConfig
	riskCfg   config.RiskConfig
	stratCfg  config.StrategyConfig
	timing    config.TimingConfig
	logger    core.ILogger
	now       func() time.Time

	mu         sync.Mutex
	history    []core.FundingRateSnapshot
	entry      *entryState
	dayStart   time.Time
	dayEquity  decimal.Decimal
	peakEquity decimal.Decimal
}

// New creates an evaluator
func New(st *store.StateStore, freshness *store.FreshnessChecker, monitor *health.Monitor,
	q *queue.SerialQueue, engine *execution.Engine, asset core.AssetConfig,
	riskCfg config.RiskConfig, stratCfg config.StrategyConfig, timing config.TimingConfig,
	logger core.ILogger) *Evaluator {
	return &Evaluator{
		store:     st,
		freshness: freshness,
		monitor:   monitor,
		queue:     q,
		engine:    engine,
		asset:     asset,
		riskCfg:   riskCfg,
		stratCfg:  stratCfg,
		timing:    timing,
		logger:    logger.WithField("component", "evaluator"),
		now:       time.Now,
	}
}

// RiskSnapshot builds the current risk snapshot. The execution engine uses
// the same builder for its pre-flight check.
func (e *Evaluator) RiskSnapshot() core.RiskSnapshot {
	derived := e.derivePosition()
	return e.riskSnapshot(derived)
}

// Tick runs one evaluation. It never returns an error: every failure path is
// a logged no-op and the worker schedules the next tick regardless.
func (e *Evaluator) Tick(ctx context.Context) {
	if e.queue.PendingCount() > 0 {
		e.logger.Debug("execution in flight, skipping tick")
		return
	}

	derived := e.derivePosition()
	snapshot := e.riskSnapshot(derived)
	hs := HealthSnapshot{
		RestFresh: e.freshness.RestFresh(e.store),
		WsFresh:   e.monitor.IsHealthy(),
		Position:  derived,
	}

	ageExceeded := hs.Position != nil && hs.Position.Open && e.positionAgeExceeded(hs.Position)
	action, reason := ResolveHealthAction(hs, ageExceeded)
	switch action {
	case ActionEmergencyExit, ActionForceExit:
		if derived != nil && derived.Open {
			e.logger.Warn("health-driven exit", "action", string(action), "reason", reason)
			e.enqueueExit(ctx, derived, reason)
		}
		return
	case ActionFullPause, ActionPauseEntries:
		e.logger.Warn("health gate pausing decisions", "action", string(action))
		return
	case ActionReduceRisk:
		e.logger.Warn("rest feed stale with open position, risk-only evaluation")
	}

	assessment := risk.Evaluate(snapshot, e.riskCfg)
	telemetry.GetGlobalMetrics().SetRiskLevel(string(assessment.Level))
	open := derived != nil && derived.Open

	switch assessment.Action {
	case core.RiskActionExit:
		if open {
			e.logger.Warn("risk-driven exit", "reasons", assessment.Reasons)
			e.enqueueExit(ctx, derived, strategy.ExitReasonRisk)
		}
		return
	case core.RiskActionBlock, core.RiskActionPause:
		return
	}

	funding, ok := e.store.Funding()
	if !ok {
		return
	}
	input := e.strategyInput(funding, derived, snapshot)
	intent := strategy.Evaluate(input, assessment, e.riskCfg, e.stratCfg)

	switch intent.Type {
	case core.IntentEnterHedge:
		e.enqueueEnter(ctx, intent.Enter, input.History)
	case core.IntentExitHedge:
		e.enqueueExit(ctx, derived, intent.Exit.Reason)
	}
}

// ResolveHealthAction implements the feed-health decision table.
// ageExceeded reports whether an open position has outlived the fresh-age
// bound (a hedge held through a stale WS feed must be unwound).
func ResolveHealthAction(hs HealthSnapshot, ageExceeded bool) (HealthAction, string) {
	open := hs.Position != nil && hs.Position.Open

	if !hs.RestFresh && !hs.WsFresh {
		if open {
			return ActionEmergencyExit, ReasonAllFeedsDown
		}
		return ActionFullPause, ""
	}
	if !hs.WsFresh {
		if open && ageExceeded {
			return ActionForceExit, ReasonWsStaleWithPos
		}
		return ActionPauseEntries, ""
	}
	if !hs.RestFresh {
		if open && hs.Position.MarginBufferBps.LessThan(criticalMarginBufferBps) {
			return ActionForceExit, ReasonRestFailLowMargin
		}
		if open {
			return ActionReduceRisk, ""
		}
	}
	return ActionContinue, ""
}

// positionAgeExceeded reports whether the hedge has been open longer than the
// fresh-age bound. Unknown entry time counts as exceeded.
func (e *Evaluator) positionAgeExceeded(p *core.DerivedPosition) bool {
	if p.EntryTime.IsZero() {
		return true
	}
	return e.now().Sub(p.EntryTime) > e.timing.PositionFreshAge()
}

// RecordFunding appends a funding observation to the history window. The
// worker calls this from the reconciler path; the window is trimmed to the
// configured size.
func (e *Evaluator) RecordFunding(f core.FundingRateSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.history); n > 0 && !f.Timestamp.After(e.history[n-1].Timestamp) {
		return
	}
	e.history = strategy.TrimHistory(append(e.history, f), e.stratCfg.MaxHistorySize)
}

func (e *Evaluator) strategyInput(funding core.FundingRateSnapshot, derived *core.DerivedPosition, snapshot core.RiskSnapshot) strategy.Input {
	e.mu.Lock()
	history := strategy.AnalyzeTrend(e.history, e.stratCfg)
	var entry *strategy.EntryContext
	if e.entry != nil {
		entry = &strategy.EntryContext{
			TrendAtEntry:  e.entry.trend,
			RegimeAtEntry: e.entry.regime,
		}
	}
	e.mu.Unlock()

	return strategy.Input{
		Funding:         funding,
		History:         history,
		Position:        derived,
		Entry:           entry,
		EquityQuote:     snapshot.EquityQuote,
		MarginUsedQuote: snapshot.MarginUsedQuote,
	}
}

// derivePosition computes the enriched position view from store state. Nil
// when the mark price is unusable.
func (e *Evaluator) derivePosition() *core.DerivedPosition {
	ticker, ok := e.store.Ticker()
	if !ok {
		return nil
	}

	var pos *core.Position
	if p, ok := e.store.Position(e.asset.PerpSymbol); ok {
		pos = &p
	}
	var spot *core.Balance
	if b, ok := e.store.Balance(e.asset.BaseAsset); ok {
		spot = &b
	}

	equity, marginUsed := e.accountState(pos)

	in := position.Inputs{
		Position:        pos,
		SpotBalance:     spot,
		MarkPriceQuote:  ticker.MarkPriceQuote,
		Asset:           e.asset,
		EquityQuote:     equity,
		MarginUsedQuote: marginUsed,
		Source:          core.SourceRest,
		Now:             e.now(),
	}

	e.mu.Lock()
	if e.entry != nil {
		in.EntryTime = e.entry.openedAt
		in.EntryFundingRateBps = e.entry.fundingRateBps
	}
	e.mu.Unlock()

	derived := position.Derive(in)
	telemetry.GetGlobalMetrics().SetPositionNotional(e.asset.PerpSymbol,
		float64(derived.NotionalQuote.IntPart()))
	return &derived
}

func (e *Evaluator) riskSnapshot(derived *core.DerivedPosition) core.RiskSnapshot {
	var pos *core.Position
	if p, ok := e.store.Position(e.asset.PerpSymbol); ok {
		pos = &p
	}
	equity, marginUsed := e.accountState(pos)

	e.mu.Lock()
	now := e.now()
	if e.dayStart.IsZero() || now.UTC().Truncate(24*time.Hour).After(e.dayStart) {
		e.dayStart = now.UTC().Truncate(24 * time.Hour)
		e.dayEquity = equity
	}
	if equity.GreaterThan(e.peakEquity) {
		e.peakEquity = equity
	}
	dailyPnl := equity.Sub(e.dayEquity)
	peak := e.peakEquity
	e.mu.Unlock()

	return core.RiskSnapshot{
		EquityQuote:     equity,
		MarginUsedQuote: marginUsed,
		Position:        derived,
		DailyPnlQuote:   dailyPnl,
		PeakEquityQuote: peak,
	}
}

// accountState reads equity and margin use from the store: quote balance
// plus the perp position's unrealized P&L and posted margin.
func (e *Evaluator) accountState(pos *core.Position) (decimal.Decimal, decimal.Decimal) {
	equity := decimal.Zero
	if b, ok := e.store.Balance(e.asset.QuoteAsset); ok {
		equity = b.TotalBase
	}
	marginUsed := decimal.Zero
	if pos != nil {
		equity = equity.Add(pos.MarginQuote).Add(pos.UnrealizedPnlQuote)
		marginUsed = pos.MarginQuote
	}
	return equity, marginUsed
}

func (e *Evaluator) enqueueEnter(ctx context.Context, enter *core.EnterHedgeIntent, history core.FundingRateHistory) {
	ticker, ok := e.store.Ticker()
	if !ok || ticker.MarkPriceQuote.Sign() <= 0 {
		return
	}
	sizeBase := core.MulDivTrunc(enter.SizeQuote,
		core.UnitScale(e.asset.BaseDecimals), ticker.MarkPriceQuote)
	if sizeBase.Sign() <= 0 {
		return
	}

	intentID := uuid.NewString()
	funding, _ := e.store.Funding()
	log := e.logger.WithField("intentId", intentID)
	log.Info("enqueueing hedge entry",
		"sizeQuote", enter.SizeQuote.String(),
		"sizeBase", sizeBase.String(),
		"confidence", string(enter.Confidence),
		"expectedYieldBps", enter.ExpectedYieldBps.String())

	_, err := e.queue.Enqueue(func(jobCtx context.Context) error {
		result, err := e.engine.EnterHedge(jobCtx, execution.EnterParams{
			IntentID: intentID,
			SizeBase: sizeBase,
		})
		if err != nil {
			log.Error("hedge entry failed", "error", err.Error())
			return err
		}
		log.Info("hedge entry complete",
			"perpFilledBase", result.PerpFilledBase.String(),
			"perpAvgPriceQuote", result.PerpAvgPriceQuote.String())
		e.mu.Lock()
		e.entry = &entryState{
			openedAt:       e.now(),
			fundingRateBps: funding.CurrentRateBps,
			trend:          history.Trend,
			regime:         history.Regime,
		}
		e.mu.Unlock()
		return nil
	}, intentID)
	if err != nil {
		log.Error("enqueue failed", "error", err.Error())
		return
	}
	telemetry.GetGlobalMetrics().RecordIntent(ctx, string(core.IntentEnterHedge))
}

func (e *Evaluator) enqueueExit(ctx context.Context, derived *core.DerivedPosition, reason string) {
	intentID := uuid.NewString()
	spotSize := derived.SpotQuantityBase
	perpSize := derived.PerpQuantityBase
	log := e.logger.WithField("intentId", intentID)
	log.Info("enqueueing hedge exit",
		"reason", reason,
		"spotSizeBase", spotSize.String(),
		"perpSizeBase", perpSize.String())

	_, err := e.queue.Enqueue(func(jobCtx context.Context) error {
		_, err := e.engine.ExitHedge(jobCtx, execution.ExitParams{
			IntentID:     intentID,
			Reason:       reason,
			SpotSizeBase: spotSize,
			PerpSizeBase: perpSize,
		})
		if err != nil {
			log.Error("hedge exit failed", "error", err.Error())
			return err
		}
		e.mu.Lock()
		e.entry = nil
		e.mu.Unlock()
		return nil
	}, intentID)
	if err != nil {
		log.Error("enqueue failed", "error", err.Error())
		return
	}
	telemetry.GetGlobalMetrics().RecordIntent(ctx, string(core.IntentExitHedge))
}
