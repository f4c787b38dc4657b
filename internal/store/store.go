// Package store holds the in-memory market and account state shared by the
// evaluator, reconciler, and execution engine. Writers are serialized under
// one RWMutex; readers always receive copies. No I/O happens under the lock.
package store

import (
	"sync"
	"time"

	"fundarb/internal/core"
)

// StateStore is the thread-safe snapshot of venue state
type StateStore struct {
	mu sync.RWMutex

	ticker  *core.Ticker
	funding *core.FundingRateSnapshot

	balances   map[string]core.Balance
	positions  map[string]core.Position
	openOrders map[string]core.VenueOrder

	lastTickerUpdate  time.Time
	lastFundingUpdate time.Time
	lastAccountUpdate time.Time
}

// NewStateStore creates an empty store
func NewStateStore() *StateStore {
	return &StateStore{
		balances:   make(map[string]core.Balance),
		positions:  make(map[string]core.Position),
		openOrders: make(map[string]core.VenueOrder),
	}
}

// SetTicker replaces the latest ticker
func (s *StateStore) SetTicker(t core.Ticker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticker = &t
	s.lastTickerUpdate = time.Now()
}

// Ticker returns a copy of the latest ticker, if any
func (s *StateStore) Ticker() (core.Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ticker == nil {
		return core.Ticker{}, false
	}
	return *s.ticker, true
}

// SetFunding replaces the latest funding snapshot
func (s *StateStore) SetFunding(f core.FundingRateSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funding = &f
	s.lastFundingUpdate = time.Now()
}

// Funding returns a copy of the latest funding snapshot, if any
func (s *StateStore) Funding() (core.FundingRateSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.funding == nil {
		return core.FundingRateSnapshot{}, false
	}
	return *s.funding, true
}

// SetBalance upserts one asset balance
func (s *StateStore) SetBalance(b core.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[b.Asset] = b
	s.lastAccountUpdate = time.Now()
}

// ReplaceBalances swaps the whole balances map
func (s *StateStore) ReplaceBalances(balances []core.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances = make(map[string]core.Balance, len(balances))
	for _, b := range balances {
		s.balances[b.Asset] = b
	}
	s.lastAccountUpdate = time.Now()
}

// Balance returns a copy of one asset balance, if present
func (s *StateStore) Balance(asset string) (core.Balance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[asset]
	return b, ok
}

// Balances returns a copy of all balances
func (s *StateStore) Balances() map[string]core.Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]core.Balance, len(s.balances))
	for k, v := range s.balances {
		out[k] = v
	}
	return out
}

// SetPosition upserts one position
func (s *StateStore) SetPosition(p core.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.Symbol] = p
	s.lastAccountUpdate = time.Now()
}

// ReplacePositions swaps the whole positions map
func (s *StateStore) ReplacePositions(positions []core.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = make(map[string]core.Position, len(positions))
	for _, p := range positions {
		s.positions[p.Symbol] = p
	}
	s.lastAccountUpdate = time.Now()
}

// RemovePosition deletes a position after it is closed
func (s *StateStore) RemovePosition(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, symbol)
	s.lastAccountUpdate = time.Now()
}

// Position returns a copy of one position, if present
func (s *StateStore) Position(symbol string) (core.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[symbol]
	return p, ok
}

// Positions returns a copy of all positions
func (s *StateStore) Positions() map[string]core.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]core.Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

// ReplaceOpenOrders swaps the whole open-orders map
func (s *StateStore) ReplaceOpenOrders(orders []core.VenueOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openOrders = make(map[string]core.VenueOrder, len(orders))
	for _, o := range orders {
		s.openOrders[o.ID] = o
	}
	s.lastAccountUpdate = time.Now()
}

// OpenOrders returns a copy of all open orders
func (s *StateStore) OpenOrders() map[string]core.VenueOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]core.VenueOrder, len(s.openOrders))
	for k, v := range s.openOrders {
		out[k] = v
	}
	return out
}

// LastTickerUpdate returns when the ticker was last written, zero if never
func (s *StateStore) LastTickerUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTickerUpdate
}

// LastFundingUpdate returns when funding was last written, zero if never
func (s *StateStore) LastFundingUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFundingUpdate
}

// LastAccountUpdate returns when balances, positions, or orders were last
// written, zero if never
func (s *StateStore) LastAccountUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAccountUpdate
}
