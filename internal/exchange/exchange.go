// Package exchange defines the venue capability surface the strategy
// and execution layers depend on. Concrete venues implement Client;
// tests substitute fakes.
package exchange

import "context"

// Side is the taker direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderStatus is the terminal state reported for a placed order.
type OrderStatus string

const (
	StatusFilled   OrderStatus = "filled"
	StatusResting  OrderStatus = "resting"
	StatusRejected OrderStatus = "rejected"
)

// OrderResult describes the outcome of an order placement.
type OrderResult struct {
	Status    OrderStatus
	OrderID   int64
	FillPrice float64
	FillSize  float64
}

// Filled reports whether the order executed.
func (r OrderResult) Filled() bool { return r.Status == StatusFilled }

// Account is the venue-reported margin account state.
type Account struct {
	Equity          float64
	MarginUsed      float64
	WithdrawableUSD float64
}

// PerpPosition is a venue-reported open perpetual position.
type PerpPosition struct {
	Pair             string
	Size             float64 // negative when short
	EntryPrice       float64
	LiquidationPrice float64
	MarginUsed       float64
	Leverage         float64
	FundingAccrued   float64 // cumulative funding received, USD
	UnrealizedPnl    float64
}

// Client is the venue capability set the engine needs. All calls honor
// ctx cancellation.
type Client interface {
	// FundingRate returns the current per-interval funding rate for a
	// perp pair.
	FundingRate(ctx context.Context, pair string) (float64, error)

	// MarkPrice returns the perp mark price.
	MarkPrice(ctx context.Context, pair string) (float64, error)

	// AccountState returns equity and margin usage.
	AccountState(ctx context.Context) (Account, error)

	// PerpPositions returns all open perp positions.
	PerpPositions(ctx context.Context) ([]PerpPosition, error)

	// SpotBalance returns the spot balance of the pair's base asset.
	SpotBalance(ctx context.Context, pair string) (float64, error)

	// UpdateLeverage sets the leverage used for a perp pair.
	UpdateLeverage(ctx context.Context, pair string, leverage int) error

	// PlacePerpOrder submits a marketable perp order. reduceOnly orders
	// only shrink an existing position.
	PlacePerpOrder(ctx context.Context, pair string, side Side, size float64, reduceOnly bool) (OrderResult, error)

	// PlaceSpotOrder submits a marketable spot order.
	PlaceSpotOrder(ctx context.Context, pair string, side Side, size float64) (OrderResult, error)
}
