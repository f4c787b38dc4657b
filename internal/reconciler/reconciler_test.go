package reconciler_test

import (
	"context"
	"testing"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/reconciler"
	"fundarb/internal/request"
	"fundarb/internal/store"
	"fundarb/internal/venue/paper"
	"fundarb/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAsset = core.AssetConfig{
	PerpSymbol:   "BTCUSDT-PERP",
	SpotSymbol:   "BTCUSDT",
	BaseAsset:    "BTC",
	QuoteAsset:   "USDT",
	BaseDecimals: 8,
}

type fixture struct {
	venue *paper.Venue
	store *store.StateStore
	rec   *reconciler.Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	// Keep failure-path tests fast
	cfg.RateLimit.MaxRetries = 0
	cfg.RateLimit.BaseBackoffMs = 1
	logger := logging.GetGlobalLogger()

	v := paper.NewVenue(testAsset)
	require.NoError(t, v.Connect(context.Background()))
	v.SetTicker(core.Ticker{
		Symbol:         testAsset.PerpSymbol,
		MarkPriceQuote: decimal.NewFromInt(50_000_000_000),
		Timestamp:      time.Now(),
	})
	v.SetFunding(core.FundingRateSnapshot{
		Symbol:         testAsset.PerpSymbol,
		CurrentRateBps: decimal.NewFromInt(12),
		Timestamp:      time.Now(),
	})

	st := store.NewStateStore()
	rec := reconciler.New(v, request.NewPolicy(cfg.RateLimit, logger), st,
		testAsset, cfg.Reconciler, logger)
	return &fixture{venue: v, store: st, rec: rec}
}

func TestSweepPopulatesEmptyStore(t *testing.T) {
	f := newFixture(t)
	f.venue.SeedBalance(core.Balance{
		Asset:         "BTC",
		AvailableBase: decimal.NewFromInt(100_000_000),
		TotalBase:     decimal.NewFromInt(100_000_000),
	})

	result := f.rec.Run(context.Background())
	assert.True(t, result.Consistent)
	assert.Empty(t, result.BalanceInconsistencies)

	b, ok := f.store.Balance("BTC")
	require.True(t, ok)
	assert.True(t, b.TotalBase.Equal(decimal.NewFromInt(100_000_000)))

	ticker, ok := f.store.Ticker()
	require.True(t, ok)
	assert.True(t, ticker.MarkPriceQuote.Equal(decimal.NewFromInt(50_000_000_000)))

	_, ok = f.store.Funding()
	assert.True(t, ok)
}

func TestBalanceDriftOverwrittenAndReported(t *testing.T) {
	f := newFixture(t)
	// Local says 101 000 000 sats, the venue says 100 000 000: 100 bps drift
	f.store.SetBalance(core.Balance{Asset: "BTC", TotalBase: decimal.NewFromInt(101_000_000)})
	f.venue.SeedBalance(core.Balance{Asset: "BTC", TotalBase: decimal.NewFromInt(100_000_000)})

	result := f.rec.Run(context.Background())
	assert.False(t, result.Consistent)
	require.Len(t, result.BalanceInconsistencies, 1)

	inc := result.BalanceInconsistencies[0]
	assert.Equal(t, "balance.BTC.totalBase", inc.Field)
	assert.True(t, inc.DriftBps.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, reconciler.SeverityWarning, inc.Severity)

	// Venue truth wins
	b, _ := f.store.Balance("BTC")
	assert.True(t, b.TotalBase.Equal(decimal.NewFromInt(100_000_000)))
}

func TestDriftWithinToleranceIgnored(t *testing.T) {
	f := newFixture(t)
	// 40 bps drift against a 50 bps tolerance
	f.store.SetBalance(core.Balance{Asset: "BTC", TotalBase: decimal.NewFromInt(100_400_000)})
	f.venue.SeedBalance(core.Balance{Asset: "BTC", TotalBase: decimal.NewFromInt(100_000_000)})

	result := f.rec.Run(context.Background())
	assert.True(t, result.Consistent)
	assert.Empty(t, result.BalanceInconsistencies)
}

func TestLargePositionDriftIsCritical(t *testing.T) {
	f := newFixture(t)
	f.store.SetPosition(core.Position{
		Symbol:   testAsset.PerpSymbol,
		Side:     core.PositionSideShort,
		SizeBase: decimal.NewFromInt(110_000_000),
	})
	f.venue.SeedPosition(core.Position{
		Symbol:   testAsset.PerpSymbol,
		Side:     core.PositionSideShort,
		SizeBase: decimal.NewFromInt(100_000_000),
	})

	result := f.rec.Run(context.Background())
	assert.False(t, result.Consistent)
	require.Len(t, result.PositionInconsistencies, 1)
	// 1000 bps drift is beyond the 500 bps critical threshold
	assert.Equal(t, reconciler.SeverityCritical, result.PositionInconsistencies[0].Severity)
	require.NotNil(t, result.CorrectedPosition)
	assert.True(t, result.CorrectedPosition.SizeBase.Equal(decimal.NewFromInt(100_000_000)))
}

func TestPositionGoneAtVenueIsCritical(t *testing.T) {
	f := newFixture(t)
	f.store.SetPosition(core.Position{
		Symbol:   testAsset.PerpSymbol,
		Side:     core.PositionSideShort,
		SizeBase: decimal.NewFromInt(100_000_000),
	})

	result := f.rec.Run(context.Background())
	assert.False(t, result.Consistent)
	require.Len(t, result.PositionInconsistencies, 1)
	assert.Equal(t, reconciler.SeverityCritical, result.PositionInconsistencies[0].Severity)

	_, ok := f.store.Position(testAsset.PerpSymbol)
	assert.False(t, ok)
}

func TestIdempotence(t *testing.T) {
	f := newFixture(t)
	f.store.SetBalance(core.Balance{Asset: "BTC", TotalBase: decimal.NewFromInt(105_000_000)})
	f.venue.SeedBalance(core.Balance{Asset: "BTC", TotalBase: decimal.NewFromInt(100_000_000)})

	first := f.rec.Run(context.Background())
	assert.False(t, first.Consistent)

	// Nothing changed venue-side: the second sweep finds zero new drift
	second := f.rec.Run(context.Background())
	assert.True(t, second.Consistent)
	assert.Empty(t, second.BalanceInconsistencies)
	assert.Empty(t, second.PositionInconsistencies)
}

func TestFetchFailureKeepsLocalState(t *testing.T) {
	f := newFixture(t)
	f.store.SetBalance(core.Balance{Asset: "BTC", TotalBase: decimal.NewFromInt(100_000_000)})
	require.NoError(t, f.venue.Disconnect(context.Background()))

	result := f.rec.Run(context.Background())
	assert.True(t, result.Consistent)

	b, ok := f.store.Balance("BTC")
	require.True(t, ok)
	assert.True(t, b.TotalBase.Equal(decimal.NewFromInt(100_000_000)))
}
