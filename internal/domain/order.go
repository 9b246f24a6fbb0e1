package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// OrderState is the lifecycle state of an order as seen by the authorizer.
type OrderState string

const (
	OrderStateNone      OrderState = "none"
	OrderStateAssembled OrderState = "assembled" // Created from the quote, payment not recorded yet
	OrderStatePaid      OrderState = "paid"      // Gateway approved and payment info attached
	OrderStateFailed    OrderState = "failed"    // Declined, or the attempt could not be completed
)

// Order is the committed representation of a converted quote.
type Order struct {
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	GatewayPaymentID *string         `json:"gateway_payment_id"`
	PaymentInfo      json.RawMessage `json:"payment_info,omitempty"`
	GrandTotal       decimal.Decimal `json:"grand_total"`
	Reference        string          `json:"reference"`
	Currency         string          `json:"currency"`
	State            OrderState      `json:"state"`
	StoreCode        string          `json:"store_code"`
	ID               int64           `json:"id"`
	QuoteID          int64           `json:"quote_id"`
}

// HasPaymentInfo reports whether gateway metadata has already been attached.
func (o *Order) HasPaymentInfo() bool {
	return len(o.PaymentInfo) > 0 && string(o.PaymentInfo) != "null"
}

// IsPaid returns true once the order has been approved.
func (o *Order) IsPaid() bool {
	return o.State == OrderStatePaid
}

// IsFinallyDeclined returns true for orders declined by the gateway with the
// decline recorded. Failed orders without payment info may still be reconciled.
func (o *Order) IsFinallyDeclined() bool {
	return o.State == OrderStateFailed && o.HasPaymentInfo()
}

// CanAttachPayment mirrors the guard the recorder applies in storage.
func (o *Order) CanAttachPayment() bool {
	return o.State != OrderStatePaid && !o.HasPaymentInfo()
}

// Quote is the pre-order cart.
type Quote struct {
	UpdatedAt  time.Time       `json:"updated_at"`
	GrandTotal decimal.Decimal `json:"grand_total"`
	Currency   string          `json:"currency"`
	StoreCode  string          `json:"store_code"`
	ID         int64           `json:"id"`
	IsActive   bool            `json:"is_active"`
}
