package paper_test

import (
	"context"
	"testing"
	"time"

	"fundarb/internal/core"
	"fundarb/internal/venue/paper"
	apperrors "fundarb/pkg/errors"

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

func newConnected(t *testing.T) *paper.Venue {
	t.Helper()
	v := paper.NewVenue(testAsset)
	require.NoError(t, v.Connect(context.Background()))
	v.SetTicker(core.Ticker{
		Symbol:         testAsset.PerpSymbol,
		BidPriceQuote:  decimal.NewFromInt(49_990_000_000),
		AskPriceQuote:  decimal.NewFromInt(50_010_000_000),
		LastPriceQuote: decimal.NewFromInt(50_000_000_000),
		MarkPriceQuote: decimal.NewFromInt(50_000_000_000),
		Timestamp:      time.Now(),
	})
	return v
}

func TestRequiresConnection(t *testing.T) {
	v := paper.NewVenue(testAsset)
	_, err := v.GetBalances(context.Background())
	var ve *apperrors.VenueError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, apperrors.CodeNetworkError, ve.Code)

	require.NoError(t, v.Connect(context.Background()))
	_, err = v.GetBalances(context.Background())
	assert.NoError(t, err)
}

func TestDefaultOrderFillsImmediately(t *testing.T) {
	v := newConnected(t)
	ctx := context.Background()

	order, err := v.CreateOrder(ctx, core.OrderParams{
		Symbol:       testAsset.PerpSymbol,
		Side:         core.OrderSideSell,
		Type:         core.OrderTypeMarket,
		QuantityBase: decimal.NewFromInt(100_000_000),
	})
	require.NoError(t, err)
	assert.Equal(t, core.VenueOrderStatusFilled, order.Status)
	assert.True(t, order.FilledQuantityBase.Equal(decimal.NewFromInt(100_000_000)))
	// Sells hit the bid
	assert.True(t, order.AvgFillPriceQuote.Equal(decimal.NewFromInt(49_990_000_000)))

	pos, err := v.GetPosition(ctx, testAsset.PerpSymbol)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, core.PositionSideShort, pos.Side)
	assert.True(t, pos.SizeBase.Equal(decimal.NewFromInt(100_000_000)))
}

func TestSpotFillMovesBalance(t *testing.T) {
	v := newConnected(t)
	ctx := context.Background()
	v.SeedBalance(core.Balance{
		Asset:         "BTC",
		AvailableBase: decimal.NewFromInt(50_000_000),
		TotalBase:     decimal.NewFromInt(50_000_000),
	})

	_, err := v.CreateOrder(ctx, core.OrderParams{
		Symbol:       testAsset.SpotSymbol,
		Side:         core.OrderSideBuy,
		Type:         core.OrderTypeMarket,
		QuantityBase: decimal.NewFromInt(100_000_000),
	})
	require.NoError(t, err)

	b, err := v.GetBalance(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, b.TotalBase.Equal(decimal.NewFromInt(150_000_000)))

	// And no perp position was touched
	pos, err := v.GetPosition(ctx, testAsset.PerpSymbol)
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestScriptedPartialFill(t *testing.T) {
	v := newConnected(t)
	ctx := context.Background()
	px := decimal.NewFromInt(50_000_000_000)

	v.ScriptNextOrder(paper.OrderScript{Reports: []paper.FillReport{
		{Status: core.VenueOrderStatusPartiallyFilled, FilledQuantityBase: decimal.NewFromInt(60_000_000), AvgFillPriceQuote: px},
		{Status: core.VenueOrderStatusFilled, FilledQuantityBase: decimal.NewFromInt(100_000_000), AvgFillPriceQuote: px},
	}})

	order, err := v.CreateOrder(ctx, core.OrderParams{
		Symbol:       testAsset.PerpSymbol,
		Side:         core.OrderSideSell,
		Type:         core.OrderTypeMarket,
		QuantityBase: decimal.NewFromInt(100_000_000),
	})
	require.NoError(t, err)
	assert.Equal(t, core.VenueOrderStatusNew, order.Status)

	polled, err := v.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.VenueOrderStatusPartiallyFilled, polled.Status)
	assert.True(t, polled.FilledQuantityBase.Equal(decimal.NewFromInt(60_000_000)))

	polled, err = v.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.VenueOrderStatusFilled, polled.Status)
	assert.True(t, polled.FilledQuantityBase.Equal(decimal.NewFromInt(100_000_000)))

	// Last report repeats on further polls
	polled, err = v.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.VenueOrderStatusFilled, polled.Status)

	// Position reflects the cumulative fill exactly once
	pos, err := v.GetPosition(ctx, testAsset.PerpSymbol)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.SizeBase.Equal(decimal.NewFromInt(100_000_000)))
}

func TestScriptedCreateError(t *testing.T) {
	v := newConnected(t)
	v.ScriptNextOrder(paper.OrderScript{CreateErr: &apperrors.VenueError{
		Code: apperrors.CodeInsufficientBalance, Message: "not enough margin",
	}})

	_, err := v.CreateOrder(context.Background(), core.OrderParams{
		Symbol:       testAsset.PerpSymbol,
		Side:         core.OrderSideSell,
		Type:         core.OrderTypeMarket,
		QuantityBase: decimal.NewFromInt(1),
	})
	var ve *apperrors.VenueError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, apperrors.CodeInsufficientBalance, ve.Code)
}

func TestCancelOrder(t *testing.T) {
	v := newConnected(t)
	ctx := context.Background()

	v.ScriptNextOrder(paper.OrderScript{Reports: []paper.FillReport{
		{Status: core.VenueOrderStatusNew},
	}})
	order, err := v.CreateOrder(ctx, core.OrderParams{
		Symbol:       testAsset.PerpSymbol,
		Side:         core.OrderSideSell,
		Type:         core.OrderTypeMarket,
		QuantityBase: decimal.NewFromInt(1_000_000),
	})
	require.NoError(t, err)

	open, err := v.GetOpenOrders(ctx, testAsset.PerpSymbol)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	require.NoError(t, v.CancelOrder(ctx, order.ID))
	got, err := v.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.VenueOrderStatusCanceled, got.Status)

	// Canceling a closed order fails
	assert.Error(t, v.CancelOrder(ctx, order.ID))

	open, err = v.GetOpenOrders(ctx, testAsset.PerpSymbol)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestUnknownOrder(t *testing.T) {
	v := newConnected(t)
	_, err := v.GetOrder(context.Background(), "nope")
	var ve *apperrors.VenueError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, apperrors.CodeOrderNotFound, ve.Code)
}

func TestTickerSubscription(t *testing.T) {
	v := newConnected(t)

	var got []core.Ticker
	require.NoError(t, v.SubscribeTicker(testAsset.PerpSymbol, func(tk core.Ticker) {
		got = append(got, tk)
	}))

	v.SetTicker(core.Ticker{MarkPriceQuote: decimal.NewFromInt(51_000_000_000), Timestamp: time.Now()})
	require.Len(t, got, 1)
	assert.True(t, got[0].MarkPriceQuote.Equal(decimal.NewFromInt(51_000_000_000)))

	require.NoError(t, v.UnsubscribeTicker(testAsset.PerpSymbol))
	v.SetTicker(core.Ticker{MarkPriceQuote: decimal.NewFromInt(52_000_000_000)})
	assert.Len(t, got, 1)
}

func TestOrderBookDepthTruncation(t *testing.T) {
	v := newConnected(t)
	levels := func(n int) []core.OrderBookLevel {
		out := make([]core.OrderBookLevel, n)
		for i := range out {
			out[i] = core.OrderBookLevel{
				PriceQuote:   decimal.NewFromInt(int64(50_000_000_000 + i)),
				QuantityBase: decimal.NewFromInt(1_000_000),
			}
		}
		return out
	}
	v.SetOrderBook(core.OrderBook{Bids: levels(10), Asks: levels(10)})

	book, err := v.GetOrderBook(context.Background(), testAsset.PerpSymbol, 3)
	require.NoError(t, err)
	assert.Len(t, book.Bids, 3)
	assert.Len(t, book.Asks, 3)
	assert.Equal(t, testAsset.PerpSymbol, book.Symbol)
}

func TestPerpRoundTripClosesPosition(t *testing.T) {
	v := newConnected(t)
	ctx := context.Background()
	qty := decimal.NewFromInt(100_000_000)

	_, err := v.CreateOrder(ctx, core.OrderParams{
		Symbol: testAsset.PerpSymbol, Side: core.OrderSideSell,
		Type: core.OrderTypeMarket, QuantityBase: qty,
	})
	require.NoError(t, err)
	_, err = v.CreateOrder(ctx, core.OrderParams{
		Symbol: testAsset.PerpSymbol, Side: core.OrderSideBuy,
		Type: core.OrderTypeMarket, QuantityBase: qty,
	})
	require.NoError(t, err)

	pos, err := v.GetPosition(ctx, testAsset.PerpSymbol)
	require.NoError(t, err)
	assert.Nil(t, pos)

	assert.Equal(t, 2, v.CreateOrderCalls())
}
