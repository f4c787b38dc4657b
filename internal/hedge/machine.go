// Package hedge implements the two-leg hedge lifecycle. The machine lives
// inside one execution job; between jobs the open positions and balances in
// the state store are the source of truth.
package hedge

import (
	"context"
	"time"

	"fundarb/internal/core"
	apperrors "fundarb/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Phase is one stage of the hedge lifecycle
type Phase string

const (
	PhaseIdle         Phase = "IDLE"
	PhaseEnteringPerp Phase = "ENTERING_PERP"
	PhaseEnteringSpot Phase = "ENTERING_SPOT"
	PhaseActive       Phase = "ACTIVE"
	PhaseExitingSpot  Phase = "EXITING_SPOT"
	PhaseExitingPerp  Phase = "EXITING_PERP"
	PhaseClosed       Phase = "CLOSED"
)

// EventType tags a hedge lifecycle event
type EventType string

const (
	EventStartEntry EventType = "START_ENTRY"
	EventPerpFilled EventType = "PERP_FILLED"
	EventSpotFilled EventType = "SPOT_FILLED"
	EventStartExit  EventType = "START_EXIT"
	EventSpotSold   EventType = "SPOT_SOLD"
	EventPerpClosed EventType = "PERP_CLOSED"
	EventAbort      EventType = "ABORT"
)

// Event is one hedge lifecycle event
type Event struct {
	Type         EventType
	IntentID     string          // START_ENTRY
	Symbol       string          // START_ENTRY
	QuantityBase decimal.Decimal // PERP_FILLED, SPOT_FILLED
	Reason       string          // START_EXIT, ABORT
	PnlQuote     decimal.Decimal // PERP_CLOSED
}

func StartEntry(intentID, symbol string) Event {
	return Event{Type: EventStartEntry, IntentID: intentID, Symbol: symbol}
}

func PerpFilled(qty decimal.Decimal) Event {
	return Event{Type: EventPerpFilled, QuantityBase: qty}
}

func SpotFilled(qty decimal.Decimal) Event {
	return Event{Type: EventSpotFilled, QuantityBase: qty}
}

func StartExit(reason string) Event { return Event{Type: EventStartExit, Reason: reason} }

func SpotSold() Event { return Event{Type: EventSpotSold} }

func PerpClosed(pnl decimal.Decimal) Event {
	return Event{Type: EventPerpClosed, PnlQuote: pnl}
}

func Abort(reason string) Event { return Event{Type: EventAbort, Reason: reason} }

// State is the machine's current view of the hedge
type State struct {
	Phase            Phase
	IntentID         string
	Symbol           string
	PerpQuantityBase decimal.Decimal
	SpotQuantityBase decimal.Decimal
	ExitReason       string
	AbortReason      string
	RealizedPnlQuote decimal.Decimal // set when CLOSED
}

// Machine validates hedge phase transitions and records them
type Machine struct {
	state  State
	sink   core.ITransitionSink
	logger core.ILogger
	now    func() time.Time
}

// NewMachine creates a machine in IDLE
func NewMachine(sink core.ITransitionSink, logger core.ILogger) *Machine {
	return &Machine{
		state:  State{Phase: PhaseIdle},
		sink:   sink,
		logger: logger.WithField("component", "hedge_machine"),
		now:    time.Now,
	}
}

// NewActiveMachine creates a machine already holding a hedge, used when an
// exit job starts against a position entered in a previous job.
func NewActiveMachine(intentID, symbol string, perpQty, spotQty decimal.Decimal, sink core.ITransitionSink, logger core.ILogger) *Machine {
	m := NewMachine(sink, logger)
	m.state = State{
		Phase:            PhaseActive,
		IntentID:         intentID,
		Symbol:           symbol,
		PerpQuantityBase: perpQty,
		SpotQuantityBase: spotQty,
	}
	return m
}

// State returns a copy of the current state
func (m *Machine) State() State {
	return m.state
}

// Phase returns the current phase
func (m *Machine) Phase() Phase {
	return m.state.Phase
}

// Apply validates ev against the allowed edges for the current phase and
// mutates state on acceptance
func (m *Machine) Apply(ctx context.Context, ev Event) error {
	from := m.state.Phase

	to, ok := next(from, ev.Type)
	if !ok {
		reason := ""
		if from == PhaseClosed {
			reason = "terminal state"
		}
		return &apperrors.InvalidTransitionError{
			Entity: string(core.EntityHedge),
			State:  string(from),
			Event:  string(ev.Type),
			Reason: reason,
		}
	}

	switch ev.Type {
	case EventStartEntry:
		m.state.IntentID = ev.IntentID
		m.state.Symbol = ev.Symbol
	case EventPerpFilled:
		m.state.PerpQuantityBase = ev.QuantityBase
	case EventSpotFilled:
		m.state.SpotQuantityBase = ev.QuantityBase
	case EventStartExit:
		m.state.ExitReason = ev.Reason
	case EventPerpClosed:
		m.state.RealizedPnlQuote = ev.PnlQuote
	case EventAbort:
		m.state.AbortReason = ev.Reason
	}

	m.state.Phase = to
	m.record(ctx, from, to, ev)
	return nil
}

func next(from Phase, ev EventType) (Phase, bool) {
	switch from {
	case PhaseIdle:
		if ev == EventStartEntry {
			return PhaseEnteringPerp, true
		}
	case PhaseEnteringPerp:
		switch ev {
		case EventPerpFilled:
			return PhaseEnteringSpot, true
		case EventAbort:
			return PhaseIdle, true
		}
	case PhaseEnteringSpot:
		switch ev {
		case EventSpotFilled:
			return PhaseActive, true
		case EventAbort:
			return PhaseIdle, true
		}
	case PhaseActive:
		if ev == EventStartExit {
			return PhaseExitingSpot, true
		}
	case PhaseExitingSpot:
		if ev == EventSpotSold {
			return PhaseExitingPerp, true
		}
	case PhaseExitingPerp:
		if ev == EventPerpClosed {
			return PhaseClosed, true
		}
	}
	return "", false
}

func (m *Machine) record(ctx context.Context, from, to Phase, ev Event) {
	transition := core.StateTransition{
		ID:            uuid.NewString(),
		Timestamp:     m.now(),
		EntityType:    core.EntityHedge,
		EntityID:      m.state.Symbol,
		FromState:     string(from),
		ToState:       string(to),
		Event:         string(ev.Type),
		CorrelationID: m.state.IntentID,
	}

	m.logger.Debug("hedge transition",
		"symbol", m.state.Symbol,
		"intentId", m.state.IntentID,
		"from", transition.FromState,
		"to", transition.ToState,
		"event", transition.Event)

	if m.sink == nil {
		return
	}
	if err := m.sink.Record(ctx, transition); err != nil {
		m.logger.Warn("failed to journal hedge transition",
			"symbol", m.state.Symbol, "error", err.Error())
	}
}
