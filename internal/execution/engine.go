// Package execution runs the multi-leg hedge entry and exit jobs. Exactly one
// job is in flight at a time; the serial queue enforces that, this package
// only assumes it.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/hedge"
	"fundarb/internal/order"
	"fundarb/internal/request"
	"fundarb/internal/risk"
	"fundarb/internal/store"
	apperrors "fundarb/pkg/errors"
	"fundarb/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/shopspring/decimal"
)

// SnapshotFunc supplies the current risk snapshot for pre-flight checks
type SnapshotFunc func() core.RiskSnapshot

// Engine executes enter and exit hedge jobs
type Engine struct {
	venue    core.IVenue
	policy   *request.Policy
	store    *store.StateStore
	breaker  circuitbreaker.CircuitBreaker[any]
	sink     core.ITransitionSink
	snapshot SnapshotFunc
	asset    core.AssetConfig
	riskCfg  config.RiskConfig
	execCfg  config.ExecutionConfig
	logger   core.ILogger
	now      func() time.Time
}

// New creates an execution engine
func New(venue core.IVenue, policy *request.Policy, st *store.StateStore,
	breaker circuitbreaker.CircuitBreaker[any], sink core.ITransitionSink,
	snapshot SnapshotFunc, asset core.AssetConfig,
	riskCfg config.RiskConfig, execCfg config.ExecutionConfig, logger core.ILogger) *Engine {
	return &Engine{
		venue:    venue,
		policy:   policy,
		store:    st,
		breaker:  breaker,
		sink:     sink,
		snapshot: snapshot,
		asset:    asset,
		riskCfg:  riskCfg,
		execCfg:  execCfg,
		logger:   logger.WithField("component", "execution"),
		now:      time.Now,
	}
}

// EnterParams describe an entry job
type EnterParams struct {
	IntentID string
	SizeBase decimal.Decimal
}

// ExitParams describe an exit job
type ExitParams struct {
	IntentID     string
	Reason       string
	SpotSizeBase decimal.Decimal
	PerpSizeBase decimal.Decimal
}

// Result summarizes what a job actually filled. On error the fills reflect
// whatever completed before the failure.
type Result struct {
	PerpFilledBase    decimal.Decimal
	SpotFilledBase    decimal.Decimal
	PerpAvgPriceQuote decimal.Decimal
	SpotAvgPriceQuote decimal.Decimal
	DriftBps          decimal.Decimal
	RealizedPnlQuote  decimal.Decimal // exit only
}

// EnterHedge runs the full entry sequence: pre-flight risk, slippage guard,
// perp short leg, spot long leg, drift check, targeted state refresh. A hedge
// that cannot be brought within the drift bound is unwound before the error
// returns, so a failed entry never strands a non-neutral book.
func (e *Engine) EnterHedge(ctx context.Context, p EnterParams) (Result, error) {
	log := e.logger.WithField("intentId", p.IntentID)
	var result Result

	assessment := risk.Evaluate(e.snapshot(), e.riskCfg)
	if assessment.Action != core.RiskActionAllow {
		log.Warn("entry rejected by pre-flight risk check",
			"action", string(assessment.Action), "reasons", fmt.Sprintf("%v", assessment.Reasons))
		return result, fmt.Errorf("pre-flight risk %s: %w", assessment.Action, apperrors.ErrRiskRejected)
	}

	if err := e.slippageGuard(ctx, e.asset.PerpSymbol, core.OrderSideSell, p.SizeBase); err != nil {
		return result, err
	}

	hm := hedge.NewMachine(e.sink, e.logger)
	if err := hm.Apply(ctx, hedge.StartEntry(p.IntentID, e.asset.PerpSymbol)); err != nil {
		return result, err
	}

	perpFilled, perpPx, err := e.fillLeg(ctx, p.IntentID, e.asset.PerpSymbol, core.OrderSideSell, p.SizeBase)
	result.PerpFilledBase = perpFilled
	result.PerpAvgPriceQuote = perpPx
	if err != nil {
		e.abort(ctx, hm, "perp leg failed: "+err.Error())
		e.refreshState(ctx)
		return result, fmt.Errorf("perp leg: %w", err)
	}
	if err := hm.Apply(ctx, hedge.PerpFilled(perpFilled)); err != nil {
		return result, err
	}

	// Match the spot leg to what the perp actually filled
	spotFilled, spotPx, err := e.fillLeg(ctx, p.IntentID, e.asset.SpotSymbol, core.OrderSideBuy, perpFilled)
	result.SpotFilledBase = spotFilled
	result.SpotAvgPriceQuote = spotPx
	if err != nil {
		e.abort(ctx, hm, "spot leg failed: "+err.Error())
		e.refreshState(ctx)
		return result, fmt.Errorf("spot leg: %w", err)
	}
	if err := hm.Apply(ctx, hedge.SpotFilled(spotFilled)); err != nil {
		return result, err
	}

	spotHeld, driftBps, err := e.checkDrift(ctx, p.IntentID, spotFilled, perpFilled)
	result.DriftBps = driftBps
	result.SpotFilledBase = spotHeld
	if err != nil {
		log.Warn("unwinding hedge after failed drift correction", "driftBps", driftBps.String())
		e.unwindEntry(ctx, hm, p.IntentID, spotHeld, perpFilled)
		e.refreshState(ctx)
		return result, err
	}
	e.refreshState(ctx)

	log.Info("hedge entered",
		"perpFilledBase", perpFilled.String(),
		"spotFilledBase", result.SpotFilledBase.String(),
		"driftBps", result.DriftBps.String())
	return result, nil
}

// ExitHedge unwinds a hedge: sell the spot leg, then buy the perp closed. On
// a leg failure the hedge machine is left at the failed phase; the reconciler
// converges state and the operator runbook handles escalation.
func (e *Engine) ExitHedge(ctx context.Context, p ExitParams) (Result, error) {
	log := e.logger.WithField("intentId", p.IntentID)
	var result Result

	if err := e.slippageGuard(ctx, e.asset.PerpSymbol, core.OrderSideBuy, p.PerpSizeBase); err != nil {
		return result, err
	}

	hm := hedge.NewActiveMachine(p.IntentID, e.asset.PerpSymbol, p.PerpSizeBase, p.SpotSizeBase, e.sink, e.logger)
	if err := hm.Apply(ctx, hedge.StartExit(p.Reason)); err != nil {
		return result, err
	}

	spotFilled, spotPx, err := e.fillLeg(ctx, p.IntentID, e.asset.SpotSymbol, core.OrderSideSell, p.SpotSizeBase)
	result.SpotFilledBase = spotFilled
	result.SpotAvgPriceQuote = spotPx
	if err != nil {
		e.refreshState(ctx)
		return result, fmt.Errorf("spot leg: %w", err)
	}
	if err := hm.Apply(ctx, hedge.SpotSold()); err != nil {
		return result, err
	}

	perpFilled, perpPx, err := e.fillLeg(ctx, p.IntentID, e.asset.PerpSymbol, core.OrderSideBuy, p.PerpSizeBase)
	result.PerpFilledBase = perpFilled
	result.PerpAvgPriceQuote = perpPx
	if err != nil {
		e.refreshState(ctx)
		return result, fmt.Errorf("perp leg: %w", err)
	}

	result.RealizedPnlQuote = e.realizedPnl(perpFilled, perpPx)
	if err := hm.Apply(ctx, hedge.PerpClosed(result.RealizedPnlQuote)); err != nil {
		return result, err
	}

	result.DriftBps = HedgeDriftBps(p.SpotSizeBase.Sub(spotFilled), p.PerpSizeBase.Sub(perpFilled))
	e.refreshState(ctx)

	log.Info("hedge exited",
		"reason", p.Reason,
		"realizedPnlQuote", result.RealizedPnlQuote.String())
	return result, nil
}

// HedgeDriftBps measures the mismatch between the two legs relative to the
// larger leg. Two zero legs are perfectly hedged.
func HedgeDriftBps(spotBase, perpBase decimal.Decimal) decimal.Decimal {
	larger := spotBase
	if perpBase.GreaterThan(larger) {
		larger = perpBase
	}
	if larger.IsZero() {
		return decimal.Zero
	}
	return core.RatioBps(spotBase.Sub(perpBase).Abs(), larger)
}

// EstimateSlippageBps walks one side of the book and returns the bps between
// the best price and the worst price needed to absorb sizeBase. Returns the
// full 10 000 bps when the visible depth cannot absorb the size.
func EstimateSlippageBps(levels []core.OrderBookLevel, sizeBase decimal.Decimal) decimal.Decimal {
	if len(levels) == 0 || sizeBase.Sign() <= 0 {
		return core.BpsDenominator
	}
	best := levels[0].PriceQuote
	remaining := sizeBase
	for _, level := range levels {
		remaining = remaining.Sub(level.QuantityBase)
		if remaining.Sign() <= 0 {
			return core.RatioBps(level.PriceQuote.Sub(best).Abs(), best)
		}
	}
	return core.BpsDenominator
}

func (e *Engine) slippageGuard(ctx context.Context, symbol string, side core.OrderSide, sizeBase decimal.Decimal) error {
	book, err := request.Do(ctx, e.policy, request.Options{
		Endpoint: "getOrderBook", Retryable: true,
	}, func(ctx context.Context) (core.OrderBook, error) {
		return e.venue.GetOrderBook(ctx, symbol, e.execCfg.OrderBookDepth)
	})
	if err != nil {
		return fmt.Errorf("order book fetch: %w", err)
	}

	levels := book.Bids
	if side == core.OrderSideBuy {
		levels = book.Asks
	}
	slippage := EstimateSlippageBps(levels, sizeBase)
	if slippage.GreaterThan(decimal.NewFromInt(e.execCfg.MaxSlippageBps)) {
		e.logger.Warn("slippage guard tripped",
			"symbol", symbol,
			"estimatedBps", slippage.String(),
			"maxBps", e.execCfg.MaxSlippageBps)
		return fmt.Errorf("estimated %s bps on %s: %w", slippage.String(), symbol, apperrors.ErrSlippageExceeded)
	}
	return nil
}

// fillLeg fills quantity on one symbol with market orders, placing follow-up
// orders for any remainder up to MaxPartialFillRetries times.
func (e *Engine) fillLeg(ctx context.Context, intentID, symbol string, side core.OrderSide, quantity decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	totalFilled := decimal.Zero
	notional := decimal.Zero
	remaining := quantity

	for attempt := 0; attempt <= e.execCfg.MaxPartialFillRetries; attempt++ {
		filled, avgPx, err := e.placeAndConfirm(ctx, intentID, symbol, side, remaining)
		totalFilled = totalFilled.Add(filled)
		notional = notional.Add(filled.Mul(avgPx))
		if err != nil {
			return totalFilled, avgPrice(notional, totalFilled), err
		}
		remaining = quantity.Sub(totalFilled)
		if remaining.Sign() <= 0 {
			return totalFilled, avgPrice(notional, totalFilled), nil
		}
		e.logger.Warn("leg partially filled, placing remainder",
			"intentId", intentID,
			"symbol", symbol,
			"filledBase", totalFilled.String(),
			"remainingBase", remaining.String(),
			"attempt", attempt+1)
	}
	return totalFilled, avgPrice(notional, totalFilled),
		fmt.Errorf("leg incomplete on %s: filled %s of %s", symbol, totalFilled.String(), quantity.String())
}

func avgPrice(notional, filled decimal.Decimal) decimal.Decimal {
	return core.DivTrunc(notional, filled)
}

// placeAndConfirm places one market order through the execution breaker and
// polls it to a terminal or timed-out state. Returns what the order filled.
func (e *Engine) placeAndConfirm(ctx context.Context, intentID, symbol string, side core.OrderSide, quantity decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	m := order.NewMachine(order.Params{
		IntentID:     intentID,
		Symbol:       symbol,
		Side:         side,
		Type:         core.OrderTypeMarket,
		QuantityBase: quantity,
	}, e.sink, e.logger)

	if err := m.Apply(ctx, order.Submit()); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	if !e.breaker.TryAcquirePermit() {
		_ = m.Apply(ctx, order.Timeout("execution breaker open"))
		return decimal.Zero, decimal.Zero, apperrors.ErrCircuitOpen
	}

	vo, err := request.Do(ctx, e.policy, request.Options{
		Endpoint: "createOrder", Timeout: e.execCfg.AckTimeout(),
	}, func(ctx context.Context) (core.VenueOrder, error) {
		return e.venue.CreateOrder(ctx, core.OrderParams{
			Symbol:        symbol,
			Side:          side,
			Type:          core.OrderTypeMarket,
			QuantityBase:  quantity,
			ClientOrderID: m.Order().ID,
		})
	})
	if err != nil {
		e.breaker.RecordFailure()
		if errors.Is(err, apperrors.ErrRequestTimeout) {
			_ = m.Apply(ctx, order.Timeout("AckTimeout"))
		} else {
			_ = m.Apply(ctx, order.Reject(err.Error()))
		}
		return decimal.Zero, decimal.Zero, err
	}
	e.breaker.RecordSuccess()
	if err := m.Apply(ctx, order.Ack(vo.ID)); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	if done, err := e.applyVenueState(ctx, m, vo); done || err != nil {
		o := m.Order()
		return o.FilledQuantityBase, o.AvgFillPriceQuote, err
	}
	return e.pollConfirm(ctx, m, vo.ID)
}

// pollConfirm polls the venue order until it is terminal or the fill window
// closes. A timed-out order is canceled best-effort.
func (e *Engine) pollConfirm(ctx context.Context, m *order.Machine, venueOrderID string) (decimal.Decimal, decimal.Decimal, error) {
	deadline := e.now().Add(e.execCfg.AckTimeout() + e.execCfg.FillTimeout())

	for {
		select {
		case <-ctx.Done():
			e.cancelVenueOrder(venueOrderID)
			_ = m.Apply(ctx, order.Cancel("job cancelled"))
			o := m.Order()
			return o.FilledQuantityBase, o.AvgFillPriceQuote, ctx.Err()
		case <-time.After(e.execCfg.PollInterval()):
		}

		if e.now().After(deadline) {
			e.cancelVenueOrder(venueOrderID)
			_ = m.Apply(ctx, order.Timeout("FillTimeout"))
			o := m.Order()
			return o.FilledQuantityBase, o.AvgFillPriceQuote, nil
		}

		vo, err := request.Do(ctx, e.policy, request.Options{
			Endpoint: "getOrder", Retryable: true,
		}, func(ctx context.Context) (core.VenueOrder, error) {
			return e.venue.GetOrder(ctx, venueOrderID)
		})
		if err != nil {
			e.logger.Warn("order poll failed", "venueOrderId", venueOrderID, "error", err.Error())
			continue
		}

		if done, err := e.applyVenueState(ctx, m, vo); done || err != nil {
			o := m.Order()
			return o.FilledQuantityBase, o.AvgFillPriceQuote, err
		}
	}
}

// applyVenueState folds one venue order observation into the machine.
// Returns done=true when the order reached a terminal venue state.
func (e *Engine) applyVenueState(ctx context.Context, m *order.Machine, vo core.VenueOrder) (bool, error) {
	switch vo.Status {
	case core.VenueOrderStatusFilled:
		return true, m.Apply(ctx, order.Fill(vo.AvgFillPriceQuote))
	case core.VenueOrderStatusPartiallyFilled:
		delta := vo.FilledQuantityBase.Sub(m.Order().FilledQuantityBase)
		if delta.Sign() > 0 {
			return false, m.Apply(ctx, order.PartialFill(delta, vo.AvgFillPriceQuote))
		}
		return false, nil
	case core.VenueOrderStatusCanceled:
		return true, m.Apply(ctx, order.Cancel("cancelled by venue"))
	case core.VenueOrderStatusRejected:
		return true, m.Apply(ctx, order.Reject("rejected by venue"))
	}
	return false, nil
}

// checkDrift measures the leg mismatch and places one corrective spot order
// when it exceeds the configured bound. Returns the spot quantity actually
// held so a failed correction can be unwound.
func (e *Engine) checkDrift(ctx context.Context, intentID string, spotFilled, perpFilled decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	drift := HedgeDriftBps(spotFilled, perpFilled)
	telemetry.GetGlobalMetrics().RecordHedgeDrift(ctx, float64(drift.IntPart()))
	if drift.LessThanOrEqual(decimal.NewFromInt(e.execCfg.MaxHedgeDriftBps)) {
		return spotFilled, drift, nil
	}

	diff := perpFilled.Sub(spotFilled)
	side := core.OrderSideBuy
	if diff.Sign() < 0 {
		side = core.OrderSideSell
		diff = diff.Abs()
	}
	e.logger.Warn("hedge drift exceeds bound, placing corrective spot order",
		"intentId", intentID,
		"driftBps", drift.String(),
		"correctiveSide", string(side),
		"correctiveBase", diff.String())

	filled, _, err := e.placeAndConfirm(ctx, intentID, e.asset.SpotSymbol, side, diff)
	if side == core.OrderSideBuy {
		spotFilled = spotFilled.Add(filled)
	} else {
		spotFilled = spotFilled.Sub(filled)
	}

	drift = HedgeDriftBps(spotFilled, perpFilled)
	telemetry.GetGlobalMetrics().RecordHedgeDrift(ctx, float64(drift.IntPart()))
	if err != nil || drift.GreaterThan(decimal.NewFromInt(e.execCfg.MaxHedgeDriftBps)) {
		return spotFilled, drift, fmt.Errorf("drift %s bps after correction: %w", drift.String(), apperrors.ErrHedgeDriftExceeded)
	}
	return spotFilled, drift, nil
}

// unwindEntry closes both legs of a hedge whose drift could not be corrected,
// restoring a flat book within the same job. A leg failure here is logged and
// left to the reconciler and the risk ladder, the same posture as a failed
// exit job.
func (e *Engine) unwindEntry(ctx context.Context, hm *hedge.Machine, intentID string, spotBase, perpBase decimal.Decimal) {
	if err := hm.Apply(ctx, hedge.StartExit("drift correction failed")); err != nil {
		e.logger.Error("hedge unwind could not start", "intentId", intentID, "error", err.Error())
		return
	}
	if spotBase.Sign() > 0 {
		if _, _, err := e.fillLeg(ctx, intentID, e.asset.SpotSymbol, core.OrderSideSell, spotBase); err != nil {
			e.logger.Error("hedge unwind spot leg failed", "intentId", intentID, "error", err.Error())
			return
		}
	}
	if err := hm.Apply(ctx, hedge.SpotSold()); err != nil {
		e.logger.Error("hedge unwind transition failed", "intentId", intentID, "error", err.Error())
		return
	}
	closed, closePx, err := e.fillLeg(ctx, intentID, e.asset.PerpSymbol, core.OrderSideBuy, perpBase)
	if err != nil {
		e.logger.Error("hedge unwind perp leg failed", "intentId", intentID, "error", err.Error())
		return
	}
	if err := hm.Apply(ctx, hedge.PerpClosed(e.realizedPnl(closed, closePx))); err != nil {
		e.logger.Error("hedge unwind transition failed", "intentId", intentID, "error", err.Error())
	}
}

// cancelVenueOrder is a best-effort cancel on a fresh context, used when the
// job context itself is being torn down.
func (e *Engine) cancelVenueOrder(venueOrderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.execCfg.AckTimeout())
	defer cancel()
	err := e.policy.Execute(ctx, request.Options{Endpoint: "cancelOrder"}, func(ctx context.Context) error {
		return e.venue.CancelOrder(ctx, venueOrderID)
	})
	if err != nil {
		e.logger.Warn("order cancel failed", "venueOrderId", venueOrderID, "error", err.Error())
	}
}

func (e *Engine) abort(ctx context.Context, hm *hedge.Machine, reason string) {
	if err := hm.Apply(ctx, hedge.Abort(reason)); err != nil {
		e.logger.Error("failed to abort hedge", "error", err.Error())
	}
}

// realizedPnl computes the short perp P&L against the entry recorded in the
// store, zero when no entry price is known.
func (e *Engine) realizedPnl(closedBase, closePx decimal.Decimal) decimal.Decimal {
	pos, ok := e.store.Position(e.asset.PerpSymbol)
	if !ok || pos.EntryPriceQuote.Sign() <= 0 {
		return decimal.Zero
	}
	diff := pos.EntryPriceQuote.Sub(closePx)
	if pos.Side == core.PositionSideLong {
		diff = diff.Neg()
	}
	return core.MulDivTrunc(diff, closedBase, core.UnitScale(e.asset.BaseDecimals))
}

// refreshState pulls a targeted account refresh so the evaluator's next tick
// sees post-job truth without waiting for the reconciler.
func (e *Engine) refreshState(ctx context.Context) {
	balances, err := request.Do(ctx, e.policy, request.Options{
		Endpoint: "getBalances", Retryable: true,
	}, func(ctx context.Context) ([]core.Balance, error) {
		return e.venue.GetBalances(ctx)
	})
	if err != nil {
		e.logger.Warn("post-job balance refresh failed", "error", err.Error())
	} else {
		e.store.ReplaceBalances(balances)
	}

	positions, err := request.Do(ctx, e.policy, request.Options{
		Endpoint: "getPositions", Retryable: true,
	}, func(ctx context.Context) ([]core.Position, error) {
		return e.venue.GetPositions(ctx)
	})
	if err != nil {
		e.logger.Warn("post-job position refresh failed", "error", err.Error())
	} else {
		e.store.ReplacePositions(positions)
	}
}
