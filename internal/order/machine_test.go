package order_test

import (
	"context"
	"sync"
	"testing"

	"fundarb/internal/core"
	"fundarb/internal/order"
	apperrors "fundarb/pkg/errors"
	"fundarb/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newMachine(sink core.ITransitionSink) *order.Machine {
	return order.NewMachine(order.Params{
		IntentID:     "intent-1",
		Symbol:       "BTCUSDT",
		Side:         core.OrderSideSell,
		Type:         core.OrderTypeMarket,
		QuantityBase: d(100_000_000),
	}, sink, logging.GetGlobalLogger())
}

func TestHappyPathFill(t *testing.T) {
	sink := &captureSink{}
	m := newMachine(sink)
	ctx := context.Background()

	require.NoError(t, m.Apply(ctx, order.Submit()))
	require.NoError(t, m.Apply(ctx, order.Ack("ex-1")))
	require.NoError(t, m.Apply(ctx, order.Fill(d(50_000_000_000))))

	o := m.Order()
	assert.Equal(t, core.OrderStatusFilled, o.Status)
	assert.Equal(t, "ex-1", o.ExchangeOrderID)
	assert.True(t, o.FilledQuantityBase.Equal(d(100_000_000)))
	assert.False(t, o.SubmittedAt.IsZero())
	assert.False(t, o.AckedAt.IsZero())

	require.Len(t, sink.transitions, 3)
	for _, tr := range sink.transitions {
		assert.Equal(t, "intent-1", tr.CorrelationID)
		assert.Equal(t, core.EntityOrder, tr.EntityType)
		assert.Equal(t, o.ID, tr.EntityID)
	}
	assert.Equal(t, "CREATED", sink.transitions[0].FromState)
	assert.Equal(t, "FILLED", sink.transitions[2].ToState)
}

func TestPartialFillsAccumulate(t *testing.T) {
	m := newMachine(nil)
	ctx := context.Background()

	require.NoError(t, m.Apply(ctx, order.Submit()))
	require.NoError(t, m.Apply(ctx, order.Ack("ex-1")))
	require.NoError(t, m.Apply(ctx, order.PartialFill(d(60_000_000), d(50_000_000_000))))

	o := m.Order()
	assert.Equal(t, core.OrderStatusPartial, o.Status)
	assert.True(t, o.FilledQuantityBase.Equal(d(60_000_000)))
	assert.True(t, m.RemainingBase().Equal(d(40_000_000)))

	require.NoError(t, m.Apply(ctx, order.PartialFill(d(30_000_000), d(50_002_000_000))))
	assert.Equal(t, core.OrderStatusPartial, m.Order().Status)
	assert.True(t, m.Order().FilledQuantityBase.Equal(d(90_000_000)))

	require.NoError(t, m.Apply(ctx, order.Fill(d(50_001_000_000))))
	o = m.Order()
	assert.Equal(t, core.OrderStatusFilled, o.Status)
	assert.True(t, o.FilledQuantityBase.Equal(d(100_000_000)))
}

func TestAvgFillPriceWeighted(t *testing.T) {
	m := newMachine(nil)
	ctx := context.Background()

	require.NoError(t, m.Apply(ctx, order.Submit()))
	require.NoError(t, m.Apply(ctx, order.Ack("ex-1")))
	require.NoError(t, m.Apply(ctx, order.PartialFill(d(50_000_000), d(50_000))))
	require.NoError(t, m.Apply(ctx, order.PartialFill(d(50_000_000), d(50_002))))

	assert.True(t, m.Order().AvgFillPriceQuote.Equal(d(50_001)),
		"got %s", m.Order().AvgFillPriceQuote)
}

func TestRejectAndTimeouts(t *testing.T) {
	ctx := context.Background()

	m := newMachine(nil)
	require.NoError(t, m.Apply(ctx, order.Submit()))
	require.NoError(t, m.Apply(ctx, order.Reject("insufficient balance")))
	assert.Equal(t, core.OrderStatusRejected, m.Order().Status)
	assert.Equal(t, "insufficient balance", m.Order().RejectError)

	m = newMachine(nil)
	require.NoError(t, m.Apply(ctx, order.Submit()))
	require.NoError(t, m.Apply(ctx, order.Timeout("AckTimeout")))
	assert.Equal(t, core.OrderStatusCanceled, m.Order().Status)
	assert.Contains(t, m.Order().CancelReason, "Timeout")

	m = newMachine(nil)
	require.NoError(t, m.Apply(ctx, order.Submit()))
	require.NoError(t, m.Apply(ctx, order.Ack("ex-1")))
	require.NoError(t, m.Apply(ctx, order.PartialFill(d(60_000_000), d(50_000))))
	require.NoError(t, m.Apply(ctx, order.Timeout("FillTimeout")))
	assert.Equal(t, core.OrderStatusCanceled, m.Order().Status)
	assert.Contains(t, m.Order().CancelReason, "Timeout")
}

func TestTerminalStateRejectsEvents(t *testing.T) {
	ctx := context.Background()
	m := newMachine(nil)
	require.NoError(t, m.Apply(ctx, order.Submit()))
	require.NoError(t, m.Apply(ctx, order.Ack("ex-1")))
	require.NoError(t, m.Apply(ctx, order.Fill(d(50_000))))

	before := m.Order()
	err := m.Apply(ctx, order.Submit())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal state")

	var ite *apperrors.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "FILLED", ite.State)

	// Order unchanged
	assert.Equal(t, before.Status, m.Order().Status)
	assert.Equal(t, before.UpdatedAt, m.Order().UpdatedAt)
}

func TestInvalidTransitionsDoNotMutate(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup []order.Event
		event order.Event
	}{
		{"fill before submit", nil, order.Fill(d(1))},
		{"ack before submit", nil, order.Ack("ex-1")},
		{"partial before ack", []order.Event{order.Submit()}, order.PartialFill(d(1), d(1))},
		{"cancel before submit", nil, order.Cancel("nope")},
		{"double submit", []order.Event{order.Submit()}, order.Submit()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine(nil)
			for _, ev := range tt.setup {
				require.NoError(t, m.Apply(ctx, ev))
			}
			before := m.Order()

			err := m.Apply(ctx, tt.event)
			require.Error(t, err)
			var ite *apperrors.InvalidTransitionError
			assert.ErrorAs(t, err, &ite)
			assert.Equal(t, before.Status, m.Order().Status)
			assert.True(t, before.FilledQuantityBase.Equal(m.Order().FilledQuantityBase))
		})
	}
}
