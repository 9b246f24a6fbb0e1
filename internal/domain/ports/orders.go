package ports

import (
	"context"
	"encoding/json"

	"github.com/kevin07696/checkout-authorizer/internal/domain"
)

// OrderAssembler turns a quote into a committed order.
type OrderAssembler interface {
	// Acquire returns the order for the quote, creating it when the quote is
	// still active. created is false when the order already existed.
	// Errors: ErrorCodeQuoteNotFound, ErrorCodeOrderAssemblyFailed.
	Acquire(ctx context.Context, quoteID int64) (order *domain.Order, created bool, err error)
}

// PaymentRecorder persists gateway outcomes onto orders.
type PaymentRecorder interface {
	// Attach stores gatewayData as the order's payment info and moves it to
	// PAID or FAILED in the same write. Fails with ErrorCodePersistFailed.
	Attach(ctx context.Context, order *domain.Order, gatewayPaymentID string, gatewayData json.RawMessage, approved bool) (*domain.Order, error)

	// MarkFailed moves an unpaid order to FAILED without payment info.
	MarkFailed(ctx context.Context, order *domain.Order) (*domain.Order, error)
}

// OrderLocker provides per-quote mutual exclusion across the assemble,
// charge and record steps.
type OrderLocker interface {
	// Lock blocks until the lock is held or the wait times out with
	// ErrorCodeOrderAlreadyInFlight. release must be called exactly once.
	Lock(ctx context.Context, quoteID int64) (release func(), err error)
}
