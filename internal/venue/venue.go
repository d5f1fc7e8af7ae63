// Package venue defines the adapter contract every concrete execution venue
// must satisfy, plus the shared order/fill/position types and error
// classification used by OrderManager and Reconciler.
package venue

import (
	"context"
	"time"

	"github.com/r3e-network/execution-core/internal/fixedpoint"
)

// ErrorClass classifies a venue adapter failure so OrderManager can decide
// whether to retry, reject, or escalate to Reconciler.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
	ClassUnknown   ErrorClass = "unknown"
)

// Error is the error type every adapter method returns on failure. Code is a
// stable machine-readable string (e.g. "insufficient_balance"); Class drives
// OrderManager's retry/reject/reconcile decision.
type Error struct {
	Class   ErrorClass
	Code    string
	Message string
}

func (e *Error) Error() string {
	return string(e.Class) + ": " + e.Code + ": " + e.Message
}

func NewError(class ErrorClass, code, message string) *Error {
	return &Error{Class: class, Code: code, Message: message}
}

// Order is a venue-bound order placement request, translated from an
// admitted intent.
type Order struct {
	IntentID   string
	Venue      string
	Symbol     string
	Side       string
	Type       string
	Size       fixedpoint.Value
	LimitPrice fixedpoint.Value
	ReduceOnly bool
}

// PlaceResult is returned by a successful placeOrder call.
type PlaceResult struct {
	VenueOrderID string
}

// VenuePosition is the venue's view of an account's position in a symbol,
// used by Reconciler to detect drift against ShadowState.
type VenuePosition struct {
	Symbol        string
	NetQty        fixedpoint.Value
	AvgEntryPrice fixedpoint.Value
}

// Fill is a single execution report pulled from or pushed by a venue.
type Fill struct {
	FillID       string
	VenueOrderID string
	Symbol       string
	Side         string
	Price        fixedpoint.Value
	Size         fixedpoint.Value
	Fee          fixedpoint.Value
	Seq          uint64
	Timestamp    time.Time
}

// Account carries venue-reported account-level figures used by RiskGuard's
// leverage gate and the operator status surface.
type Account struct {
	Equity   fixedpoint.Value
	Margin   fixedpoint.Value
	Leverage fixedpoint.Value
}

// Tick is a single market data update delivered on a symbol subscription.
type Tick struct {
	Symbol    string
	Price     fixedpoint.Value
	Timestamp time.Time
}

// Adapter is the capability contract every concrete venue integration must
// implement (spec §6 "Venue adapter capability").
type Adapter interface {
	Name() string
	PlaceOrder(ctx context.Context, order Order) (PlaceResult, error)
	CancelOrder(ctx context.Context, venueOrderID string) error
	GetPositions(ctx context.Context) ([]VenuePosition, error)
	GetFillsSince(ctx context.Context, seq uint64) ([]Fill, error)
	GetAccount(ctx context.Context) (Account, error)
	SubscribeMarketData(ctx context.Context, symbol string) (<-chan Tick, error)
}
