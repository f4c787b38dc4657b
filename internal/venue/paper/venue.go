// Package paper provides a deterministic in-process venue. It backs tests
// and the default runtime profile: balances, positions, funding, and fill
// behavior are all configured or scripted, never random.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundarb/internal/core"
	apperrors "fundarb/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FillReport is one scripted GetOrder observation. The last report of a
// script repeats for all further polls.
type FillReport struct {
	Status             core.VenueOrderStatus
	FilledQuantityBase decimal.Decimal
	AvgFillPriceQuote  decimal.Decimal
}

// OrderScript overrides the default immediate-fill behavior for one order,
// in CreateOrder call order.
type OrderScript struct {
	CreateErr error        // fail the placement itself
	Reports   []FillReport // successive GetOrder results
}

type scriptedOrder struct {
	script  OrderScript
	pollIdx int
	applied decimal.Decimal // filled quantity already folded into state
}

// Venue is the paper trading venue
type Venue struct {
	asset core.AssetConfig

	mu         sync.Mutex
	connected  bool
	balances   map[string]core.Balance
	positions  map[string]core.Position
	orders     map[string]core.VenueOrder
	scripts    map[string]*scriptedOrder
	pending    []OrderScript
	ticker     core.Ticker
	funding    core.FundingRateSnapshot
	book       core.OrderBook
	subs       map[string]func(core.Ticker)
	createSeen int
}

// NewVenue creates a disconnected paper venue for the given asset
func NewVenue(asset core.AssetConfig) *Venue {
	return &Venue{
		asset:     asset,
		balances:  make(map[string]core.Balance),
		positions: make(map[string]core.Position),
		orders:    make(map[string]core.VenueOrder),
		scripts:   make(map[string]*scriptedOrder),
		subs:      make(map[string]func(core.Ticker)),
	}
}

// Seeding and scripting

// SeedBalance sets an asset balance
func (v *Venue) SeedBalance(b core.Balance) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[b.Asset] = b
}

// SeedPosition sets a position
func (v *Venue) SeedPosition(p core.Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions[p.Symbol] = p
}

// SetTicker updates the ticker and notifies subscribers
func (v *Venue) SetTicker(t core.Ticker) {
	v.mu.Lock()
	v.ticker = t
	subs := make([]func(core.Ticker), 0, len(v.subs))
	for _, cb := range v.subs {
		subs = append(subs, cb)
	}
	v.mu.Unlock()

	for _, cb := range subs {
		cb(t)
	}
}

// SetFunding updates the funding snapshot
func (v *Venue) SetFunding(f core.FundingRateSnapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.funding = f
}

// SetOrderBook updates the depth snapshot
func (v *Venue) SetOrderBook(b core.OrderBook) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.book = b
}

// ScriptNextOrder queues behavior for the next CreateOrder call
func (v *Venue) ScriptNextOrder(script OrderScript) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending = append(v.pending, script)
}

// CreateOrderCalls reports how many orders were placed
func (v *Venue) CreateOrderCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.createSeen
}

// Connection

func (v *Venue) Connect(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = true
	return nil
}

func (v *Venue) Disconnect(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = false
	v.subs = make(map[string]func(core.Ticker))
	return nil
}

func (v *Venue) IsConnected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}

func (v *Venue) requireConnected() error {
	if !v.connected {
		return &apperrors.VenueError{Code: apperrors.CodeNetworkError, Message: "not connected"}
	}
	return nil
}

// Account

func (v *Venue) GetBalance(ctx context.Context, asset string) (core.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireConnected(); err != nil {
		return core.Balance{}, err
	}
	b, ok := v.balances[asset]
	if !ok {
		return core.Balance{Asset: asset}, nil
	}
	return b, nil
}

func (v *Venue) GetBalances(ctx context.Context) ([]core.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireConnected(); err != nil {
		return nil, err
	}
	out := make([]core.Balance, 0, len(v.balances))
	for _, b := range v.balances {
		out = append(out, b)
	}
	return out, nil
}

// Orders

func (v *Venue) CreateOrder(ctx context.Context, params core.OrderParams) (core.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireConnected(); err != nil {
		return core.VenueOrder{}, err
	}
	if params.QuantityBase.Sign() <= 0 {
		return core.VenueOrder{}, &apperrors.VenueError{
			Code: apperrors.CodeInvalidOrder, Message: "quantity must be positive",
		}
	}
	v.createSeen++

	var script OrderScript
	scripted := len(v.pending) > 0
	if scripted {
		script = v.pending[0]
		v.pending = v.pending[1:]
	}
	if script.CreateErr != nil {
		return core.VenueOrder{}, script.CreateErr
	}

	order := core.VenueOrder{
		ID:            fmt.Sprintf("paper-%s", uuid.NewString()),
		ClientOrderID: params.ClientOrderID,
		Symbol:        params.Symbol,
		Side:          params.Side,
		Type:          params.Type,
		Status:        core.VenueOrderStatusNew,
		QuantityBase:  params.QuantityBase,
		UpdatedAt:     time.Now(),
	}

	if scripted && len(script.Reports) > 0 {
		v.scripts[order.ID] = &scriptedOrder{script: script}
	} else {
		// Default behavior: market orders fill immediately at mark price
		order.Status = core.VenueOrderStatusFilled
		order.FilledQuantityBase = params.QuantityBase
		order.AvgFillPriceQuote = v.fillPrice(params.Side)
		v.applyFillLocked(order, params.QuantityBase)
	}

	v.orders[order.ID] = order
	return order, nil
}

func (v *Venue) CancelOrder(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireConnected(); err != nil {
		return err
	}
	order, ok := v.orders[id]
	if !ok {
		return &apperrors.VenueError{Code: apperrors.CodeOrderNotFound, Message: id}
	}
	switch order.Status {
	case core.VenueOrderStatusFilled, core.VenueOrderStatusCanceled, core.VenueOrderStatusRejected:
		return &apperrors.VenueError{Code: apperrors.CodeInvalidOrder, Message: "order already closed"}
	}
	order.Status = core.VenueOrderStatusCanceled
	order.UpdatedAt = time.Now()
	v.orders[id] = order
	delete(v.scripts, id)
	return nil
}

func (v *Venue) GetOrder(ctx context.Context, id string) (core.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireConnected(); err != nil {
		return core.VenueOrder{}, err
	}
	order, ok := v.orders[id]
	if !ok {
		return core.VenueOrder{}, &apperrors.VenueError{Code: apperrors.CodeOrderNotFound, Message: id}
	}

	if s, scripted := v.scripts[id]; scripted {
		report := s.script.Reports[s.pollIdx]
		if s.pollIdx < len(s.script.Reports)-1 {
			s.pollIdx++
		}
		order.Status = report.Status
		order.FilledQuantityBase = report.FilledQuantityBase
		order.AvgFillPriceQuote = report.AvgFillPriceQuote
		order.UpdatedAt = time.Now()

		delta := report.FilledQuantityBase.Sub(s.applied)
		if delta.Sign() > 0 {
			v.applyFillLocked(order, delta)
			s.applied = report.FilledQuantityBase
		}
		v.orders[id] = order
	}
	return order, nil
}

func (v *Venue) GetOpenOrders(ctx context.Context, symbol string) ([]core.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireConnected(); err != nil {
		return nil, err
	}
	var out []core.VenueOrder
	for _, o := range v.orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if o.Status == core.VenueOrderStatusNew || o.Status == core.VenueOrderStatusPartiallyFilled {
			out = append(out, o)
		}
	}
	return out, nil
}

// Positions

func (v *Venue) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireConnected(); err != nil {
		return nil, err
	}
	p, ok := v.positions[symbol]
	if !ok || p.SizeBase.IsZero() {
		return nil, nil
	}
	out := p
	return &out, nil
}

func (v *Venue) GetPositions(ctx context.Context) ([]core.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireConnected(); err != nil {
		return nil, err
	}
	out := make([]core.Position, 0, len(v.positions))
	for _, p := range v.positions {
		if !p.SizeBase.IsZero() {
			out = append(out, p)
		}
	}
	return out, nil
}

// Market data

func (v *Venue) GetTicker(ctx context.Context, symbol string) (core.Ticker, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireConnected(); err != nil {
		return core.Ticker{}, err
	}
	t := v.ticker
	t.Symbol = symbol
	return t, nil
}

func (v *Venue) GetFundingRate(ctx context.Context, symbol string) (core.FundingRateSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireConnected(); err != nil {
		return core.FundingRateSnapshot{}, err
	}
	f := v.funding
	f.Symbol = symbol
	return f, nil
}

func (v *Venue) GetOrderBook(ctx context.Context, symbol string, depth int) (core.OrderBook, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireConnected(); err != nil {
		return core.OrderBook{}, err
	}
	book := v.book
	book.Symbol = symbol
	if depth > 0 {
		if len(book.Bids) > depth {
			book.Bids = book.Bids[:depth]
		}
		if len(book.Asks) > depth {
			book.Asks = book.Asks[:depth]
		}
	}
	return book, nil
}

// Streams

func (v *Venue) SubscribeTicker(symbol string, callback func(core.Ticker)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireConnected(); err != nil {
		return err
	}
	v.subs[symbol] = callback
	return nil
}

func (v *Venue) UnsubscribeTicker(symbol string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.subs, symbol)
	return nil
}

// fillPrice picks the taker side of the book, falling back to mark
func (v *Venue) fillPrice(side core.OrderSide) decimal.Decimal {
	if side == core.OrderSideBuy && v.ticker.AskPriceQuote.Sign() > 0 {
		return v.ticker.AskPriceQuote
	}
	if side == core.OrderSideSell && v.ticker.BidPriceQuote.Sign() > 0 {
		return v.ticker.BidPriceQuote
	}
	return v.ticker.MarkPriceQuote
}

// applyFillLocked folds a fill into positions or balances. Orders on the
// perp symbol move the perpetual position; everything else moves the spot
// balance of the base asset.
func (v *Venue) applyFillLocked(order core.VenueOrder, deltaQty decimal.Decimal) {
	if order.Symbol == v.asset.PerpSymbol {
		p := v.positions[order.Symbol]
		p.Symbol = order.Symbol
		if order.Side == core.OrderSideSell {
			if p.Side == core.PositionSideLong {
				p.SizeBase = p.SizeBase.Sub(deltaQty)
			} else {
				p.Side = core.PositionSideShort
				p.SizeBase = p.SizeBase.Add(deltaQty)
				if p.EntryPriceQuote.Sign() <= 0 {
					p.EntryPriceQuote = v.fillPrice(order.Side)
				}
			}
		} else {
			if p.Side == core.PositionSideShort {
				p.SizeBase = p.SizeBase.Sub(deltaQty)
			} else {
				p.Side = core.PositionSideLong
				p.SizeBase = p.SizeBase.Add(deltaQty)
				if p.EntryPriceQuote.Sign() <= 0 {
					p.EntryPriceQuote = v.fillPrice(order.Side)
				}
			}
		}
		if p.SizeBase.Sign() < 0 {
			p.SizeBase = decimal.Zero
		}
		p.MarkPriceQuote = v.ticker.MarkPriceQuote
		v.positions[order.Symbol] = p
		return
	}

	b := v.balances[v.asset.BaseAsset]
	b.Asset = v.asset.BaseAsset
	if order.Side == core.OrderSideBuy {
		b.AvailableBase = b.AvailableBase.Add(deltaQty)
		b.TotalBase = b.TotalBase.Add(deltaQty)
	} else {
		b.AvailableBase = b.AvailableBase.Sub(deltaQty)
		b.TotalBase = b.TotalBase.Sub(deltaQty)
	}
	v.balances[v.asset.BaseAsset] = b
}
