package execution_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/execution"
	"fundarb/internal/request"
	"fundarb/internal/risk"
	"fundarb/internal/store"
	"fundarb/internal/venue/paper"
	apperrors "fundarb/pkg/errors"
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

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type captureSink struct {
	mu          sync.Mutex
	transitions []core.StateTransition
}

func (s *captureSink) Record(_ context.Context, t core.StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, t)
	return nil
}

func (s *captureSink) all() []core.StateTransition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.StateTransition(nil), s.transitions...)
}

func safeSnapshot() core.RiskSnapshot {
	return core.RiskSnapshot{
		EquityQuote:     d(1_000_000_000_000),
		PeakEquityQuote: d(1_000_000_000_000),
	}
}

type fixture struct {
	venue  *paper.Venue
	store  *store.StateStore
	sink   *captureSink
	engine *execution.Engine
}

func newFixture(t *testing.T, snapshot execution.SnapshotFunc) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RateLimit.MaxRetries = 0
	cfg.RateLimit.BaseBackoffMs = 1
	cfg.Execution.PollIntervalMs = 5
	cfg.Execution.AckTimeoutMs = 200
	cfg.Execution.FillTimeoutMs = 200
	logger := logging.GetGlobalLogger()

	v := paper.NewVenue(testAsset)
	require.NoError(t, v.Connect(context.Background()))
	v.SetTicker(core.Ticker{
		Symbol:         testAsset.PerpSymbol,
		BidPriceQuote:  d(50_000_000_000),
		AskPriceQuote:  d(50_000_000_000),
		MarkPriceQuote: d(50_000_000_000),
		Timestamp:      time.Now(),
	})
	v.SetOrderBook(deepBook())

	if snapshot == nil {
		snapshot = safeSnapshot
	}
	st := store.NewStateStore()
	sink := &captureSink{}
	engine := execution.New(v, request.NewPolicy(cfg.RateLimit, logger), st,
		risk.NewExecutionBreaker(logger), sink, snapshot,
		testAsset, cfg.Risk, cfg.Execution, logger)
	return &fixture{venue: v, store: st, sink: sink, engine: engine}
}

// deepBook absorbs up to 10 BTC within one level: zero estimated slippage
func deepBook() core.OrderBook {
	level := []core.OrderBookLevel{{
		PriceQuote:   d(50_000_000_000),
		QuantityBase: d(1_000_000_000),
	}}
	return core.OrderBook{Bids: level, Asks: level, Timestamp: time.Now()}
}

func TestEnterHedgeHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	size := d(100_000_000)

	result, err := f.engine.EnterHedge(context.Background(), execution.EnterParams{
		IntentID: "intent-1", SizeBase: size,
	})
	require.NoError(t, err)
	assert.True(t, result.PerpFilledBase.Equal(size))
	assert.True(t, result.SpotFilledBase.Equal(size))
	assert.True(t, result.DriftBps.IsZero())

	// One perp order, one spot order
	assert.Equal(t, 2, f.venue.CreateOrderCalls())

	// Post-job refresh landed venue truth in the store
	pos, ok := f.store.Position(testAsset.PerpSymbol)
	require.True(t, ok)
	assert.Equal(t, core.PositionSideShort, pos.Side)
	assert.True(t, pos.SizeBase.Equal(size))
	b, ok := f.store.Balance("BTC")
	require.True(t, ok)
	assert.True(t, b.TotalBase.Equal(size))

	// Every recorded transition carries the intent
	for _, tr := range f.sink.all() {
		assert.Equal(t, "intent-1", tr.CorrelationID)
	}
}

func TestEnterHedgeCompletesPartialFill(t *testing.T) {
	f := newFixture(t, nil)
	px := d(50_000_000_000)

	// Perp order fills 0.6 BTC then is cancelled by the venue; the engine
	// must place a follow-up order for the remaining 0.4 BTC.
	f.venue.ScriptNextOrder(paper.OrderScript{Reports: []paper.FillReport{
		{Status: core.VenueOrderStatusPartiallyFilled, FilledQuantityBase: d(60_000_000), AvgFillPriceQuote: px},
		{Status: core.VenueOrderStatusCanceled, FilledQuantityBase: d(60_000_000), AvgFillPriceQuote: px},
	}})

	result, err := f.engine.EnterHedge(context.Background(), execution.EnterParams{
		IntentID: "intent-1", SizeBase: d(100_000_000),
	})
	require.NoError(t, err)
	assert.True(t, result.PerpFilledBase.Equal(d(100_000_000)))
	assert.True(t, result.SpotFilledBase.Equal(d(100_000_000)))

	// Two perp orders plus one spot order
	assert.Equal(t, 3, f.venue.CreateOrderCalls())

	pos, ok := f.store.Position(testAsset.PerpSymbol)
	require.True(t, ok)
	assert.True(t, pos.SizeBase.Equal(d(100_000_000)))

	// Three distinct order lifecycles, one correlation id
	orders := make(map[string]bool)
	for _, tr := range f.sink.all() {
		assert.Equal(t, "intent-1", tr.CorrelationID)
		if tr.EntityType == core.EntityOrder {
			orders[tr.EntityID] = true
		}
	}
	assert.Len(t, orders, 3)
}

func TestEnterHedgeSlippageGuard(t *testing.T) {
	f := newFixture(t, nil)
	// Top of book is thin: absorbing 1 BTC walks 1% down
	f.venue.SetOrderBook(core.OrderBook{
		Bids: []core.OrderBookLevel{
			{PriceQuote: d(50_000_000_000), QuantityBase: d(10_000_000)},
			{PriceQuote: d(49_500_000_000), QuantityBase: d(1_000_000_000)},
		},
		Asks: []core.OrderBookLevel{{PriceQuote: d(50_000_000_000), QuantityBase: d(1_000_000_000)}},
	})

	_, err := f.engine.EnterHedge(context.Background(), execution.EnterParams{
		IntentID: "intent-1", SizeBase: d(100_000_000),
	})
	require.ErrorIs(t, err, apperrors.ErrSlippageExceeded)
	assert.Equal(t, 0, f.venue.CreateOrderCalls())
}

func TestEnterHedgeRiskPreFlight(t *testing.T) {
	blocked := func() core.RiskSnapshot {
		// Zero equity blocks everything
		return core.RiskSnapshot{}
	}
	f := newFixture(t, blocked)

	_, err := f.engine.EnterHedge(context.Background(), execution.EnterParams{
		IntentID: "intent-1", SizeBase: d(100_000_000),
	})
	require.ErrorIs(t, err, apperrors.ErrRiskRejected)
	assert.Equal(t, 0, f.venue.CreateOrderCalls())
}

func TestEnterHedgePerpLegFailureAborts(t *testing.T) {
	f := newFixture(t, nil)
	f.venue.ScriptNextOrder(paper.OrderScript{CreateErr: &apperrors.VenueError{
		Code: apperrors.CodeInsufficientBalance, Message: "not enough margin",
	}})

	_, err := f.engine.EnterHedge(context.Background(), execution.EnterParams{
		IntentID: "intent-1", SizeBase: d(100_000_000),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "perp leg")

	// No spot order was attempted and the hedge was aborted back to IDLE
	assert.Equal(t, 1, f.venue.CreateOrderCalls())
	var sawAbort bool
	for _, tr := range f.sink.all() {
		if tr.EntityType == core.EntityHedge && tr.Event == "ABORT" {
			sawAbort = true
			assert.Equal(t, "IDLE", tr.ToState)
		}
	}
	assert.True(t, sawAbort)
}

func TestEnterHedgeUnwindsWhenDriftCorrectionFails(t *testing.T) {
	f := newFixture(t, nil)
	px := d(50_000_000_000)

	// Perp fills 1 BTC; the spot order overfills to 1.02 BTC before the venue
	// cancels it, leaving 196 bps of drift.
	f.venue.ScriptNextOrder(paper.OrderScript{})
	f.venue.ScriptNextOrder(paper.OrderScript{Reports: []paper.FillReport{
		{Status: core.VenueOrderStatusPartiallyFilled, FilledQuantityBase: d(102_000_000), AvgFillPriceQuote: px},
		{Status: core.VenueOrderStatusCanceled, FilledQuantityBase: d(102_000_000), AvgFillPriceQuote: px},
	}})
	// The corrective sell is rejected, so the whole hedge must come off
	f.venue.ScriptNextOrder(paper.OrderScript{CreateErr: &apperrors.VenueError{
		Code: apperrors.CodeInvalidOrder, Message: "size below lot step",
	}})

	result, err := f.engine.EnterHedge(context.Background(), execution.EnterParams{
		IntentID: "intent-1", SizeBase: d(100_000_000),
	})
	require.ErrorIs(t, err, apperrors.ErrHedgeDriftExceeded)
	assert.True(t, result.DriftBps.Equal(d(196)), "got %s", result.DriftBps.String())

	// Perp, spot, failed corrective, then the two unwind legs
	assert.Equal(t, 5, f.venue.CreateOrderCalls())

	// Both legs are flat again venue-side
	pos, perr := f.venue.GetPosition(context.Background(), testAsset.PerpSymbol)
	require.NoError(t, perr)
	assert.Nil(t, pos)
	b, berr := f.venue.GetBalance(context.Background(), "BTC")
	require.NoError(t, berr)
	assert.True(t, b.TotalBase.IsZero(), "got %s", b.TotalBase.String())

	// The hedge lifecycle went through the exit edges to CLOSED
	var sawExit, sawClosed bool
	for _, tr := range f.sink.all() {
		if tr.EntityType != core.EntityHedge {
			continue
		}
		if tr.Event == "START_EXIT" {
			sawExit = true
		}
		if tr.ToState == "CLOSED" {
			sawClosed = true
		}
	}
	assert.True(t, sawExit)
	assert.True(t, sawClosed)
}

func TestExitHedgeHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	size := d(100_000_000)

	f.venue.SeedPosition(core.Position{
		Symbol:          testAsset.PerpSymbol,
		Side:            core.PositionSideShort,
		SizeBase:        size,
		EntryPriceQuote: d(50_100_000_000),
	})
	f.venue.SeedBalance(core.Balance{
		Asset: "BTC", AvailableBase: size, TotalBase: size,
	})
	f.store.SetPosition(core.Position{
		Symbol:          testAsset.PerpSymbol,
		Side:            core.PositionSideShort,
		SizeBase:        size,
		EntryPriceQuote: d(50_100_000_000),
	})

	result, err := f.engine.ExitHedge(context.Background(), execution.ExitParams{
		IntentID:     "intent-2",
		Reason:       "rate_drop",
		SpotSizeBase: size,
		PerpSizeBase: size,
	})
	require.NoError(t, err)
	assert.True(t, result.SpotFilledBase.Equal(size))
	assert.True(t, result.PerpFilledBase.Equal(size))
	assert.True(t, result.DriftBps.IsZero())

	// Short entered at 50 100, closed at 50 000: +100 quote units per base
	// unit over 1 BTC
	assert.True(t, result.RealizedPnlQuote.Equal(d(100_000_000)),
		"got %s", result.RealizedPnlQuote.String())

	// Position gone venue-side and store-side after the refresh
	pos, err := f.venue.GetPosition(context.Background(), testAsset.PerpSymbol)
	require.NoError(t, err)
	assert.Nil(t, pos)
	_, ok := f.store.Position(testAsset.PerpSymbol)
	assert.False(t, ok)

	var sawClosed bool
	for _, tr := range f.sink.all() {
		if tr.EntityType == core.EntityHedge && tr.ToState == "CLOSED" {
			sawClosed = true
		}
	}
	assert.True(t, sawClosed)
}

func TestExitHedgeSpotLegFailureLeavesPerpPending(t *testing.T) {
	f := newFixture(t, nil)
	f.venue.ScriptNextOrder(paper.OrderScript{CreateErr: &apperrors.VenueError{
		Code: apperrors.CodeInsufficientBalance, Message: "spot balance gone",
	}})

	_, err := f.engine.ExitHedge(context.Background(), execution.ExitParams{
		IntentID:     "intent-2",
		Reason:       "risk",
		SpotSizeBase: d(100_000_000),
		PerpSizeBase: d(100_000_000),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spot leg")
	// The buy-to-close was never attempted
	assert.Equal(t, 1, f.venue.CreateOrderCalls())
}

func TestBreakerOpenFailsFast(t *testing.T) {
	f := newFixture(t, nil)

	logger := logging.GetGlobalLogger()
	breaker := risk.NewExecutionBreaker(logger)
	breaker.Open()

	cfg := config.DefaultConfig()
	cfg.RateLimit.MaxRetries = 0
	engine := execution.New(f.venue, request.NewPolicy(cfg.RateLimit, logger), f.store,
		breaker, nil, safeSnapshot, testAsset, cfg.Risk, cfg.Execution, logger)

	_, err := engine.EnterHedge(context.Background(), execution.EnterParams{
		IntentID: "intent-1", SizeBase: d(100_000_000),
	})
	require.ErrorIs(t, err, apperrors.ErrCircuitOpen)
	assert.Equal(t, 0, f.venue.CreateOrderCalls())
}

func TestEstimateSlippageBps(t *testing.T) {
	levels := []core.OrderBookLevel{
		{PriceQuote: d(50_000_000_000), QuantityBase: d(50_000_000)},
		{PriceQuote: d(49_900_000_000), QuantityBase: d(50_000_000)},
		{PriceQuote: d(49_000_000_000), QuantityBase: d(50_000_000)},
	}

	// Absorbed at the top level
	assert.True(t, execution.EstimateSlippageBps(levels, d(50_000_000)).IsZero())

	// Needs the second level: (50000-49900)/50000 = 20 bps
	assert.True(t, execution.EstimateSlippageBps(levels, d(100_000_000)).Equal(d(20)))

	// Beyond visible depth
	assert.True(t, execution.EstimateSlippageBps(levels, d(1_000_000_000)).Equal(d(10_000)))
	assert.True(t, execution.EstimateSlippageBps(nil, d(1)).Equal(d(10_000)))
}

func TestHedgeDriftBps(t *testing.T) {
	assert.True(t, execution.HedgeDriftBps(decimal.Zero, decimal.Zero).IsZero())
	assert.True(t, execution.HedgeDriftBps(d(100), d(100)).IsZero())
	// |99-100|/100 = 100 bps
	assert.True(t, execution.HedgeDriftBps(d(99), d(100)).Equal(d(100)))
	assert.True(t, execution.HedgeDriftBps(d(100), d(99)).Equal(d(100)))
}
