// Package reconciler periodically replaces in-memory state with the venue's
// authoritative REST view and reports how far the two had drifted.
package reconciler

import (
	"context"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/request"
	"fundarb/internal/store"
	"fundarb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Severity grades an inconsistency
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Drift at or above this is critical regardless of tolerance
var criticalDriftBps = decimal.NewFromInt(500)

// Inconsistency is one field where local state disagreed with the venue
type Inconsistency struct {
	Field    string
	Expected decimal.Decimal // local value before the sweep
	Actual   decimal.Decimal // venue value
	DriftBps decimal.Decimal
	Severity Severity
}

// Result summarizes one reconciliation sweep
type Result struct {
	Consistent              bool
	PositionInconsistencies []Inconsistency
	BalanceInconsistencies  []Inconsistency
	CorrectedPosition       *core.Position
}

// Reconciler sweeps venue truth into the state store
type Reconciler struct {
	venue  core.IVenue
	policy *request.Policy
	store  *store.StateStore
	asset  core.AssetConfig
	cfg    config.ReconcilerConfig
	logger core.ILogger
}

// New creates a reconciler
func New(venue core.IVenue, policy *request.Policy, st *store.StateStore,
	asset core.AssetConfig, cfg config.ReconcilerConfig, logger core.ILogger) *Reconciler {
	return &Reconciler{
		venue:  venue,
		policy: policy,
		store:  st,
		asset:  asset,
		cfg:    cfg,
		logger: logger.WithField("component", "reconciler"),
	}
}

// Run performs one sweep. Fetch failures are logged and the affected piece of
// state is left untouched; the sweep itself never returns an error.
func (r *Reconciler) Run(ctx context.Context) Result {
	prevBalances := r.store.Balances()
	prevPositions := r.store.Positions()

	result := Result{Consistent: true}

	balances, err := request.Do(ctx, r.policy, request.Options{
		Endpoint: "getBalances", Retryable: true,
	}, func(ctx context.Context) ([]core.Balance, error) {
		return r.venue.GetBalances(ctx)
	})
	if err != nil {
		r.logger.Warn("balance fetch failed, keeping local state", "error", err.Error())
	} else {
		r.store.ReplaceBalances(balances)
		result.BalanceInconsistencies = r.diffBalances(ctx, prevBalances, balances)
	}

	positions, err := request.Do(ctx, r.policy, request.Options{
		Endpoint: "getPositions", Retryable: true,
	}, func(ctx context.Context) ([]core.Position, error) {
		return r.venue.GetPositions(ctx)
	})
	if err != nil {
		r.logger.Warn("position fetch failed, keeping local state", "error", err.Error())
	} else {
		r.store.ReplacePositions(positions)
		result.PositionInconsistencies, result.CorrectedPosition =
			r.diffPositions(ctx, prevPositions, positions)
	}

	openOrders, err := request.Do(ctx, r.policy, request.Options{
		Endpoint: "getOpenOrders", Retryable: true,
	}, func(ctx context.Context) ([]core.VenueOrder, error) {
		perp, err := r.venue.GetOpenOrders(ctx, r.asset.PerpSymbol)
		if err != nil {
			return nil, err
		}
		spot, err := r.venue.GetOpenOrders(ctx, r.asset.SpotSymbol)
		if err != nil {
			return nil, err
		}
		return append(perp, spot...), nil
	})
	if err != nil {
		r.logger.Warn("open order fetch failed, keeping local state", "error", err.Error())
	} else {
		r.store.ReplaceOpenOrders(openOrders)
	}

	ticker, err := request.Do(ctx, r.policy, request.Options{
		Endpoint: "getTicker", Retryable: true,
	}, func(ctx context.Context) (core.Ticker, error) {
		return r.venue.GetTicker(ctx, r.asset.PerpSymbol)
	})
	if err != nil {
		r.logger.Warn("ticker fetch failed, keeping local state", "error", err.Error())
	} else {
		r.store.SetTicker(ticker)
	}

	funding, err := request.Do(ctx, r.policy, request.Options{
		Endpoint: "getFundingRate", Retryable: true,
	}, func(ctx context.Context) (core.FundingRateSnapshot, error) {
		return r.venue.GetFundingRate(ctx, r.asset.PerpSymbol)
	})
	if err != nil {
		r.logger.Warn("funding fetch failed, keeping local state", "error", err.Error())
	} else {
		r.store.SetFunding(funding)
	}

	result.Consistent = len(result.PositionInconsistencies) == 0 &&
		len(result.BalanceInconsistencies) == 0
	if !result.Consistent {
		r.logger.Warn("reconciliation found drift",
			"position_inconsistencies", len(result.PositionInconsistencies),
			"balance_inconsistencies", len(result.BalanceInconsistencies))
	}
	return result
}

func (r *Reconciler) diffBalances(ctx context.Context, prev map[string]core.Balance, actual []core.Balance) []Inconsistency {
	var out []Inconsistency
	for _, b := range actual {
		local, ok := prev[b.Asset]
		if !ok {
			// Never seen locally: nothing to have drifted from
			continue
		}
		if inc := r.check(ctx, "balance."+b.Asset+".totalBase",
			local.TotalBase, b.TotalBase, r.cfg.ToleranceBalanceBps); inc != nil {
			out = append(out, *inc)
		}
	}
	return out
}

func (r *Reconciler) diffPositions(ctx context.Context, prev map[string]core.Position, actual []core.Position) ([]Inconsistency, *core.Position) {
	var out []Inconsistency
	var corrected *core.Position

	seen := make(map[string]bool, len(actual))
	for _, p := range actual {
		seen[p.Symbol] = true
		local, ok := prev[p.Symbol]
		if !ok {
			continue
		}
		if inc := r.check(ctx, "position."+p.Symbol+".sizeBase",
			local.SizeBase, p.SizeBase, r.cfg.ToleranceSizeBps); inc != nil {
			out = append(out, *inc)
			venue := p
			corrected = &venue
		}
	}
	// Positions we held locally that the venue no longer reports
	for symbol, local := range prev {
		if seen[symbol] || local.SizeBase.IsZero() {
			continue
		}
		inc := Inconsistency{
			Field:    "position." + symbol + ".sizeBase",
			Expected: local.SizeBase,
			Actual:   decimal.Zero,
			DriftBps: core.BpsDenominator,
			Severity: SeverityCritical,
		}
		out = append(out, inc)
		r.report(ctx, inc)
	}
	return out, corrected
}

// check compares one local value against the venue and returns an
// inconsistency when the relative drift exceeds the tolerance.
func (r *Reconciler) check(ctx context.Context, field string, local, actual decimal.Decimal, toleranceBps int64) *Inconsistency {
	if local.Equal(actual) {
		return nil
	}
	// Drift is measured against the venue value, which is the truth
	var drift decimal.Decimal
	if actual.IsZero() {
		drift = core.BpsDenominator
	} else {
		drift = core.RatioBps(actual.Sub(local).Abs(), actual.Abs())
	}
	if drift.LessThanOrEqual(decimal.NewFromInt(toleranceBps)) {
		return nil
	}

	severity := SeverityWarning
	if drift.GreaterThanOrEqual(criticalDriftBps) {
		severity = SeverityCritical
	}
	inc := Inconsistency{
		Field:    field,
		Expected: local,
		Actual:   actual,
		DriftBps: drift,
		Severity: severity,
	}
	r.report(ctx, inc)
	return &inc
}

func (r *Reconciler) report(ctx context.Context, inc Inconsistency) {
	telemetry.GetGlobalMetrics().RecordInconsistency(ctx, inc.Field, string(inc.Severity))
	r.logger.Warn("state inconsistency",
		"field", inc.Field,
		"expected", inc.Expected.String(),
		"actual", inc.Actual.String(),
		"drift_bps", inc.DriftBps.String(),
		"severity", string(inc.Severity))
}
