// Package position builds the enriched exposure view the risk and strategy
// engines consume. A derived position is computed on demand from the venue
// position, spot balance, mark price, and fills still in flight; it is never
// stored independently.
package position

import (
	"time"

	"fundarb/internal/core"

	"github.com/shopspring/decimal"
)

// Inputs are everything one derivation needs, passed by value
type Inputs struct {
	Position        *core.Position // nil when the venue reports none
	SpotBalance     *core.Balance  // nil when the asset is absent
	MarkPriceQuote  decimal.Decimal
	PendingFills    []core.Fill
	Asset           core.AssetConfig
	EquityQuote     decimal.Decimal
	MarginUsedQuote decimal.Decimal

	// Entry context, zero when unknown (cold start before reconcile)
	EntryTime           time.Time
	EntryFundingRateBps decimal.Decimal

	Source core.DerivedSource
	Now    time.Time
}

// Derive computes the enriched position view. Zero or negative mark price is
// a data failure: the result is flat and the caller must consult freshness
// before acting on it.
func Derive(in Inputs) core.DerivedPosition {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	flat := core.DerivedPosition{
		LiquidationDistanceBps: core.BpsDenominator,
		MarginBufferBps:        core.BpsDenominator,
		LastUpdated:            now,
		Source:                 in.Source,
	}

	if in.MarkPriceQuote.Sign() <= 0 {
		return flat
	}

	var exchangeSize decimal.Decimal
	var side core.PositionSide
	var entryPrice, liqPrice, marginUsed decimal.Decimal
	if in.Position != nil {
		exchangeSize = in.Position.SizeBase
		side = in.Position.Side
		entryPrice = in.Position.EntryPriceQuote
		liqPrice = in.Position.LiquidationPriceQuote
		marginUsed = in.Position.MarginQuote
	}

	var spotQty decimal.Decimal
	if in.SpotBalance != nil {
		spotQty = in.SpotBalance.TotalBase
	}

	if (in.Position == nil || exchangeSize.IsZero()) && spotQty.IsZero() {
		return flat
	}

	perpQty := applyPendingFills(exchangeSize, side, in.PendingFills, in.Asset.PerpSymbol)
	if perpQty.IsZero() {
		d := flat
		d.SpotQuantityBase = spotQty
		return d
	}

	scale := core.UnitScale(in.Asset.BaseDecimals)
	notional := core.MulDivTrunc(perpQty, in.MarkPriceQuote, scale)

	var upnl decimal.Decimal
	if entryPrice.Sign() > 0 {
		diff := in.MarkPriceQuote.Sub(entryPrice)
		if side == core.PositionSideShort {
			diff = diff.Neg()
		}
		upnl = core.MulDivTrunc(perpQty, diff, scale)
	}

	if in.MarginUsedQuote.Sign() > 0 {
		marginUsed = in.MarginUsedQuote
	}
	marginUtil := core.RatioBps(marginUsed, in.EquityQuote)

	funding := fundingAccrued(notional, in.EntryFundingRateBps, in.EntryTime, now)

	return core.DerivedPosition{
		Open:                   true,
		Side:                   side,
		SpotQuantityBase:       spotQty,
		PerpQuantityBase:       perpQty,
		NotionalQuote:          notional,
		EntryTime:              in.EntryTime,
		EntryPriceQuote:        entryPrice,
		EntryFundingRateBps:    in.EntryFundingRateBps,
		MarkPriceQuote:         in.MarkPriceQuote,
		UnrealizedPnlQuote:     upnl,
		FundingAccruedQuote:    funding,
		MarginUsedQuote:        marginUsed,
		MarginBufferBps:        core.ClampBps(core.BpsDenominator.Sub(marginUtil)),
		LiquidationPriceQuote:  liqPrice,
		LiquidationDistanceBps: LiquidationDistanceBps(side, in.MarkPriceQuote, liqPrice),
		LastUpdated:            now,
		Source:                 in.Source,
	}
}

// applyPendingFills adjusts the venue-reported size by fills the venue has
// not yet folded into its position. Fills for other symbols are ignored.
// For a SHORT position a SELL grows exposure and a BUY shrinks it.
func applyPendingFills(size decimal.Decimal, side core.PositionSide, fills []core.Fill, perpSymbol string) decimal.Decimal {
	adjusted := size
	for _, fill := range fills {
		if fill.Symbol != perpSymbol {
			continue
		}
		grow := fill.Side == core.OrderSideBuy
		if side == core.PositionSideShort {
			grow = fill.Side == core.OrderSideSell
		}
		if grow {
			adjusted = adjusted.Add(fill.QuantityBase)
		} else {
			adjusted = adjusted.Sub(fill.QuantityBase)
		}
	}
	if adjusted.Sign() < 0 {
		return decimal.Zero
	}
	return adjusted
}

// LiquidationDistanceBps is the relative gap between mark and liquidation
// price, clamped to [0, 10000]. Full distance when no liquidation price is
// reported.
func LiquidationDistanceBps(side core.PositionSide, markPrice, liqPrice decimal.Decimal) decimal.Decimal {
	if liqPrice.Sign() <= 0 || markPrice.Sign() <= 0 {
		return core.BpsDenominator
	}
	var gap decimal.Decimal
	if side == core.PositionSideLong {
		gap = markPrice.Sub(liqPrice)
	} else {
		gap = liqPrice.Sub(markPrice)
	}
	return core.ClampBps(core.RatioBps(gap, markPrice))
}

// fundingAccrued credits entry-rate funding for each completed 8h period
// held. Partial periods are truncated.
func fundingAccrued(notional, entryRateBps decimal.Decimal, entryTime, now time.Time) decimal.Decimal {
	periods := core.CompletedFundingPeriods(entryTime, now)
	if periods == 0 || entryRateBps.IsZero() {
		return decimal.Zero
	}
	perPeriod := core.MulDivTrunc(notional, entryRateBps, core.BpsDenominator)
	return perPeriod.Mul(decimal.NewFromInt(periods))
}
