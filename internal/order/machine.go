// Package order implements the validated per-order lifecycle. Every managed
// order lives only for the duration of one execution job; after the job the
// reconciled venue state is canonical.
package order

import (
	"context"
	"time"

	"fundarb/internal/core"
	apperrors "fundarb/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType tags an order lifecycle event
type EventType string

const (
	EventSubmit      EventType = "SUBMIT"
	EventAck         EventType = "ACK"
	EventReject      EventType = "REJECT"
	EventPartialFill EventType = "PARTIAL_FILL"
	EventFill        EventType = "FILL"
	EventCancel      EventType = "CANCEL"
	EventTimeout     EventType = "TIMEOUT"
)

// Event is one order lifecycle event. Fields beyond Type are set per variant.
type Event struct {
	Type            EventType
	ExchangeOrderID string          // ACK
	Error           string          // REJECT
	Reason          string          // CANCEL, TIMEOUT
	QuantityBase    decimal.Decimal // PARTIAL_FILL
	AvgPriceQuote   decimal.Decimal // PARTIAL_FILL, FILL
}

// Event constructors

func Submit() Event { return Event{Type: EventSubmit} }

func Ack(exchangeOrderID string) Event {
	return Event{Type: EventAck, ExchangeOrderID: exchangeOrderID}
}

func Reject(errMsg string) Event { return Event{Type: EventReject, Error: errMsg} }

func Cancel(reason string) Event { return Event{Type: EventCancel, Reason: reason} }

func Timeout(reason string) Event { return Event{Type: EventTimeout, Reason: reason} }

func PartialFill(qty, avgPx decimal.Decimal) Event {
	return Event{Type: EventPartialFill, QuantityBase: qty, AvgPriceQuote: avgPx}
}

func Fill(avgPx decimal.Decimal) Event {
	return Event{Type: EventFill, AvgPriceQuote: avgPx}
}

// Machine drives one managed order through its lifecycle, recording every
// accepted transition through the sink.
type Machine struct {
	order  core.ManagedOrder
	sink   core.ITransitionSink
	logger core.ILogger
	now    func() time.Time
}

// Params describe the order a new machine manages
type Params struct {
	IntentID     string
	Symbol       string
	Side         core.OrderSide
	Type         core.OrderType
	QuantityBase decimal.Decimal
	PriceQuote   decimal.Decimal
}

// NewMachine creates a machine in CREATED
func NewMachine(p Params, sink core.ITransitionSink, logger core.ILogger) *Machine {
	now := time.Now()
	return &Machine{
		order: core.ManagedOrder{
			ID:           uuid.NewString(),
			IntentID:     p.IntentID,
			Symbol:       p.Symbol,
			Side:         p.Side,
			Type:         p.Type,
			QuantityBase: p.QuantityBase,
			PriceQuote:   p.PriceQuote,
			Status:       core.OrderStatusCreated,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		sink:   sink,
		logger: logger.WithField("component", "order_machine"),
		now:    time.Now,
	}
}

// Order returns a copy of the managed order
func (m *Machine) Order() core.ManagedOrder {
	return m.order
}

// RemainingBase is the unfilled quantity
func (m *Machine) RemainingBase() decimal.Decimal {
	return m.order.QuantityBase.Sub(m.order.FilledQuantityBase)
}

// Apply validates ev against the transition table and mutates the order on
// acceptance. Rejected events leave the order untouched.
func (m *Machine) Apply(ctx context.Context, ev Event) error {
	from := m.order.Status

	if from.IsTerminal() {
		return &apperrors.InvalidTransitionError{
			Entity: string(core.EntityOrder),
			State:  string(from),
			Event:  string(ev.Type),
			Reason: "terminal state",
		}
	}

	to, ok := m.next(from, ev)
	if !ok {
		return &apperrors.InvalidTransitionError{
			Entity: string(core.EntityOrder),
			State:  string(from),
			Event:  string(ev.Type),
		}
	}

	now := m.now()
	switch ev.Type {
	case EventSubmit:
		m.order.SubmittedAt = now
	case EventAck:
		m.order.ExchangeOrderID = ev.ExchangeOrderID
		m.order.AckedAt = now
	case EventReject:
		m.order.RejectError = ev.Error
	case EventCancel, EventTimeout:
		m.order.CancelReason = ev.Reason
	case EventPartialFill:
		m.accumulateFill(ev.QuantityBase, ev.AvgPriceQuote)
	case EventFill:
		remaining := m.RemainingBase()
		if remaining.Sign() > 0 {
			m.accumulateFill(remaining, ev.AvgPriceQuote)
		}
	}

	m.order.Status = to
	m.order.UpdatedAt = now
	m.record(ctx, from, to, ev)
	return nil
}

// next implements the transition table
func (m *Machine) next(from core.OrderStatus, ev Event) (core.OrderStatus, bool) {
	switch from {
	case core.OrderStatusCreated:
		if ev.Type == EventSubmit {
			return core.OrderStatusSubmitted, true
		}
	case core.OrderStatusSubmitted:
		switch ev.Type {
		case EventAck:
			return core.OrderStatusAcked, true
		case EventReject:
			return core.OrderStatusRejected, true
		case EventTimeout:
			return core.OrderStatusCanceled, true
		}
	case core.OrderStatusAcked:
		switch ev.Type {
		case EventPartialFill:
			return core.OrderStatusPartial, true
		case EventFill:
			return core.OrderStatusFilled, true
		case EventCancel, EventTimeout:
			return core.OrderStatusCanceled, true
		}
	case core.OrderStatusPartial:
		switch ev.Type {
		case EventPartialFill:
			return core.OrderStatusPartial, true
		case EventFill:
			return core.OrderStatusFilled, true
		case EventCancel, EventTimeout:
			return core.OrderStatusCanceled, true
		}
	}
	return "", false
}

// accumulateFill folds a fill into the running totals with a truncated
// weighted-average price
func (m *Machine) accumulateFill(qty, px decimal.Decimal) {
	if qty.Sign() <= 0 {
		return
	}
	prevFilled := m.order.FilledQuantityBase
	newFilled := prevFilled.Add(qty)

	if px.Sign() > 0 {
		prevNotional := m.order.AvgFillPriceQuote.Mul(prevFilled)
		m.order.AvgFillPriceQuote = core.DivTrunc(prevNotional.Add(px.Mul(qty)), newFilled)
	}
	m.order.FilledQuantityBase = newFilled
}

func (m *Machine) record(ctx context.Context, from, to core.OrderStatus, ev Event) {
	transition := core.StateTransition{
		ID:            uuid.NewString(),
		Timestamp:     m.now(),
		EntityType:    core.EntityOrder,
		EntityID:      m.order.ID,
		FromState:     string(from),
		ToState:       string(to),
		Event:         string(ev.Type),
		CorrelationID: m.order.IntentID,
	}

	m.logger.Debug("order transition",
		"orderId", m.order.ID,
		"intentId", m.order.IntentID,
		"from", transition.FromState,
		"to", transition.ToState,
		"event", transition.Event)

	if m.sink == nil {
		return
	}
	if err := m.sink.Record(ctx, transition); err != nil {
		m.logger.Warn("failed to journal order transition",
			"orderId", m.order.ID, "error", err.Error())
	}
}
