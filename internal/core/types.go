package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of a perpetual position
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// OrderSide is the direction of an order
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the execution style of an order
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle state of a managed order
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "CREATED"
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	OrderStatusAcked     OrderStatus = "ACKED"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCanceled  OrderStatus = "CANCELED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}

// VenueOrderStatus is the venue-reported state of an order
type VenueOrderStatus string

const (
	VenueOrderStatusNew             VenueOrderStatus = "NEW"
	VenueOrderStatusPartiallyFilled VenueOrderStatus = "PARTIALLY_FILLED"
	VenueOrderStatusFilled          VenueOrderStatus = "FILLED"
	VenueOrderStatusCanceled        VenueOrderStatus = "CANCELED"
	VenueOrderStatusRejected        VenueOrderStatus = "REJECTED"
)

// Balance is a spot asset balance in smallest base units.
// Invariant: AvailableBase + HeldBase = TotalBase.
type Balance struct {
	Asset         string
	AvailableBase decimal.Decimal
	HeldBase      decimal.Decimal
	TotalBase     decimal.Decimal
}

// Position is the venue's view of a perpetual position
type Position struct {
	Symbol                string
	Side                  PositionSide
	SizeBase              decimal.Decimal
	EntryPriceQuote       decimal.Decimal
	MarkPriceQuote        decimal.Decimal
	LiquidationPriceQuote decimal.Decimal // zero when the venue reports none
	UnrealizedPnlQuote    decimal.Decimal
	LeverageBps           decimal.Decimal
	MarginQuote           decimal.Decimal
}

// DerivedSource tags where a derived position's inputs came from
type DerivedSource string

const (
	SourceRest       DerivedSource = "rest"
	SourceDerived    DerivedSource = "derived"
	SourceReconciled DerivedSource = "reconciled"
)

// DerivedPosition is the enriched view of open exposure, computed on demand
// from the venue position, spot balance, mark price and pending fills.
type DerivedPosition struct {
	Open                   bool
	Side                   PositionSide // empty when Open is false
	SpotQuantityBase       decimal.Decimal
	PerpQuantityBase       decimal.Decimal
	NotionalQuote          decimal.Decimal
	EntryTime              time.Time // zero when unknown
	EntryPriceQuote        decimal.Decimal
	EntryFundingRateBps    decimal.Decimal
	MarkPriceQuote         decimal.Decimal
	UnrealizedPnlQuote     decimal.Decimal
	FundingAccruedQuote    decimal.Decimal
	MarginUsedQuote        decimal.Decimal
	MarginBufferBps        decimal.Decimal
	LiquidationPriceQuote  decimal.Decimal // zero when none
	LiquidationDistanceBps decimal.Decimal // clamped to [0, 10000]
	LastUpdated            time.Time
	Source                 DerivedSource
}

// OrderParams are the inputs to IVenue.CreateOrder
type OrderParams struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	QuantityBase  decimal.Decimal
	PriceQuote    decimal.Decimal // ignored for market orders
	ClientOrderID string
}

// VenueOrder is the venue's view of a live or historical order
type VenueOrder struct {
	ID                 string
	ClientOrderID      string
	Symbol             string
	Side               OrderSide
	Type               OrderType
	Status             VenueOrderStatus
	QuantityBase       decimal.Decimal
	FilledQuantityBase decimal.Decimal
	AvgFillPriceQuote  decimal.Decimal
	UpdatedAt          time.Time
}

// ManagedOrder is the core's record of one order for the duration of an
// execution job. After the job completes the reconciled venue state is
// canonical and the record is discarded.
type ManagedOrder struct {
	ID                 string
	IntentID           string
	Symbol             string
	Side               OrderSide
	Type               OrderType
	QuantityBase       decimal.Decimal
	FilledQuantityBase decimal.Decimal
	PriceQuote         decimal.Decimal
	AvgFillPriceQuote  decimal.Decimal
	Status             OrderStatus
	ExchangeOrderID    string
	SubmittedAt        time.Time
	AckedAt            time.Time
	CancelReason       string
	RejectError        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Fill is one execution against a managed order
type Fill struct {
	ID              string
	OrderID         string
	ExchangeOrderID string
	Symbol          string
	Side            OrderSide
	QuantityBase    decimal.Decimal
	PriceQuote      decimal.Decimal
	FeeQuote        decimal.Decimal
	FeeAsset        string
	Timestamp       time.Time
}

// FundingSource tags where a funding snapshot came from
type FundingSource string

const (
	FundingSourceExchange   FundingSource = "exchange"
	FundingSourceCalculated FundingSource = "calculated"
)

// FundingRateSnapshot is one observation of the perp funding state.
// Rates are basis points per funding interval.
type FundingRateSnapshot struct {
	Symbol           string
	CurrentRateBps   decimal.Decimal
	PredictedRateBps decimal.Decimal
	NextFundingTime  time.Time
	LastFundingTime  time.Time
	MarkPriceQuote   decimal.Decimal
	IndexPriceQuote  decimal.Decimal
	Timestamp        time.Time
	Source           FundingSource
}

// FundingTrend classifies the direction of recent funding rates
type FundingTrend string

const (
	TrendIncreasing FundingTrend = "increasing"
	TrendDecreasing FundingTrend = "decreasing"
	TrendStable     FundingTrend = "stable"
)

// FundingRegime classifies the recent funding environment
type FundingRegime string

const (
	RegimeHighStable   FundingRegime = "high_stable"
	RegimeHighVolatile FundingRegime = "high_volatile"
	RegimeLowStable    FundingRegime = "low_stable"
	RegimeLowVolatile  FundingRegime = "low_volatile"
)

// IsHigh reports whether the regime is a high-funding one.
func (r FundingRegime) IsHigh() bool {
	return r == RegimeHighStable || r == RegimeHighVolatile
}

// FundingRateHistory is a bounded ordered window of snapshots plus the
// statistics derived from it.
type FundingRateHistory struct {
	Snapshots      []FundingRateSnapshot
	AverageRateBps decimal.Decimal
	VolatilityBps  decimal.Decimal
	Trend          FundingTrend
	Regime         FundingRegime
}

// RiskSnapshot is the input to the risk engine
type RiskSnapshot struct {
	EquityQuote     decimal.Decimal
	MarginUsedQuote decimal.Decimal
	Position        *DerivedPosition // nil when flat
	DailyPnlQuote   decimal.Decimal
	PeakEquityQuote decimal.Decimal
}

// RiskLevel grades the current risk posture
type RiskLevel string

const (
	RiskLevelSafe    RiskLevel = "SAFE"
	RiskLevelCaution RiskLevel = "CAUTION"
	RiskLevelWarning RiskLevel = "WARNING"
	RiskLevelDanger  RiskLevel = "DANGER"
	RiskLevelBlocked RiskLevel = "BLOCKED"
)

// RiskAction is the directive the risk engine hands the evaluator
type RiskAction string

const (
	RiskActionAllow RiskAction = "ALLOW"
	RiskActionPause RiskAction = "PAUSE"
	RiskActionExit  RiskAction = "EXIT"
	RiskActionBlock RiskAction = "BLOCK"
)

// RiskMetrics are the computed inputs behind a risk decision
type RiskMetrics struct {
	NotionalQuote          decimal.Decimal
	LeverageBps            decimal.Decimal
	MarginUtilizationBps   decimal.Decimal
	LiquidationDistanceBps decimal.Decimal
	DailyPnlQuote          decimal.Decimal
	DrawdownBps            decimal.Decimal
}

// RiskAssessment is the risk engine's output
type RiskAssessment struct {
	Level   RiskLevel
	Action  RiskAction
	Reasons []string
	Metrics RiskMetrics
}

// Confidence grades an entry signal
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Downgrade steps confidence down one level, saturating at LOW.
func (c Confidence) Downgrade() Confidence {
	switch c {
	case ConfidenceHigh:
		return ConfidenceMedium
	case ConfidenceMedium:
		return ConfidenceLow
	}
	return ConfidenceLow
}

// IntentType tags a TradingIntent variant
type IntentType string

const (
	IntentNoop       IntentType = "NOOP"
	IntentEnterHedge IntentType = "ENTER_HEDGE"
	IntentExitHedge  IntentType = "EXIT_HEDGE"
)

// EnterHedgeIntent carries the sizing for a new hedge
type EnterHedgeIntent struct {
	SizeQuote        decimal.Decimal
	ExpectedYieldBps decimal.Decimal
	Confidence       Confidence
}

// ExitHedgeIntent carries the reason for unwinding
type ExitHedgeIntent struct {
	Reason string
}

// TradingIntent is the evaluator's symbolic request for an action. Exactly
// one of Enter/Exit is non-nil, matching Type.
type TradingIntent struct {
	Type  IntentType
	Enter *EnterHedgeIntent
	Exit  *ExitHedgeIntent
}

// Noop returns the empty intent.
func Noop() TradingIntent {
	return TradingIntent{Type: IntentNoop}
}

// EntityType names the kind of state machine a transition belongs to
type EntityType string

const (
	EntityOrder EntityType = "order"
	EntityHedge EntityType = "hedge"
)

// StateTransition is one accepted state machine transition, recorded for
// audit. Append-only.
type StateTransition struct {
	ID            string
	Timestamp     time.Time
	EntityType    EntityType
	EntityID      string
	FromState     string
	ToState       string
	Event         string
	CorrelationID string
}

// Ticker is the latest top-of-book view for a symbol
type Ticker struct {
	Symbol         string
	BidPriceQuote  decimal.Decimal
	AskPriceQuote  decimal.Decimal
	LastPriceQuote decimal.Decimal
	MarkPriceQuote decimal.Decimal
	Timestamp      time.Time
}

// OrderBookLevel is one price level of an order book
type OrderBookLevel struct {
	PriceQuote   decimal.Decimal
	QuantityBase decimal.Decimal
}

// OrderBook is a depth snapshot. Bids descending, asks ascending.
type OrderBook struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
}

// AssetConfig describes the traded pair
type AssetConfig struct {
	PerpSymbol   string
	SpotSymbol   string
	BaseAsset    string
	QuoteAsset   string
	BaseDecimals int
}
