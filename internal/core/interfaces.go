// Package core defines the domain types and narrow interfaces the trading
// runtime is built against.
package core

import (
	"context"
)

// IVenue is the narrow contract the core depends on. Implementations must
// return all monetary fields as integer-valued decimals in smallest units,
// normalize funding rates to basis points per funding interval, and map
// native failures onto apperrors.VenueError codes. SubscribeTicker delivers
// monotonic-timestamp updates; duplicate filtering is the caller's job.
type IVenue interface {
	// Connection
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// Account
	GetBalance(ctx context.Context, asset string) (Balance, error)
	GetBalances(ctx context.Context) ([]Balance, error)

	// Orders
	CreateOrder(ctx context.Context, params OrderParams) (VenueOrder, error)
	CancelOrder(ctx context.Context, id string) error
	GetOrder(ctx context.Context, id string) (VenueOrder, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]VenueOrder, error)

	// Positions
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetPositions(ctx context.Context) ([]Position, error)

	// Market data
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetFundingRate(ctx context.Context, symbol string) (FundingRateSnapshot, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)

	// Streams
	SubscribeTicker(symbol string, callback func(Ticker)) error
	UnsubscribeTicker(symbol string) error
}

// ILogger is the structured logging interface used throughout the core
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// ITransitionSink receives accepted state machine transitions. Implementations
// must be safe for concurrent use; a nil sink is treated as a no-op by all
// producers.
type ITransitionSink interface {
	Record(ctx context.Context, t StateTransition) error
}
