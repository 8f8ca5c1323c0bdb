// Package venue defines the capability interfaces the trade executor drives.
// Concrete adapters live outside the engine; the engine only sees order
// placement with an explicit success/failure outcome per leg.
package venue

import (
	"context"
	"fmt"
)

type ErrorCategory string

const (
	// CategoryRejected covers orders the venue refused outright; the true
	// position state is known (nothing happened).
	CategoryRejected ErrorCategory = "rejected"
	// CategoryTimeout covers legs that hit the order deadline; the true fill
	// state is unknown and must be reconciled manually.
	CategoryTimeout ErrorCategory = "timeout"
	// CategoryTransport covers connectivity failures before an acknowledgement.
	CategoryTransport ErrorCategory = "transport"
)

// OrderError is the failure side of a leg call.
type OrderError struct {
	Category ErrorCategory
	Message  string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order failed (%s): %s", e.Category, e.Message)
}

// OrderResult is the success side of a leg call.
type OrderResult struct {
	FilledQty float64
	AvgPrice  float64
	OrderID   string
}

// SpotPort places orders on the spot venue. A limitPrice of zero requests a
// market order.
type SpotPort interface {
	Buy(ctx context.Context, symbol string, qty, limitPrice float64) (OrderResult, error)
	Sell(ctx context.Context, symbol string, qty, limitPrice float64) (OrderResult, error)
}

// PerpPort places orders on the perpetual venue. CloseShort is always
// reduce-only; OpenShort takes the flag explicitly for venues that support
// flipping into a position.
type PerpPort interface {
	OpenShort(ctx context.Context, symbol string, qty, limitPrice float64, reduceOnly bool) (OrderResult, error)
	CloseShort(ctx context.Context, symbol string, qty, limitPrice float64) (OrderResult, error)
}
