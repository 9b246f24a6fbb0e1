package ports

import (
	"context"
	"time"
)

// AuthorizationEvent is published after each final outcome or challenge.
type AuthorizationEvent struct {
	OccurredAt       time.Time `json:"occurred_at"`
	EventID          string    `json:"event_id"`
	Type             string    `json:"type"`
	Reference        string    `json:"reference"`
	GatewayPaymentID string    `json:"gateway_payment_id,omitempty"`
	StoreCode        string    `json:"store_code"`
	OrderID          int64     `json:"order_id"`
	QuoteID          int64     `json:"quote_id"`
}

// OutcomePublisher delivers authorization events. Failures never change the
// client result.
type OutcomePublisher interface {
	Publish(ctx context.Context, event AuthorizationEvent) error
}

// Authorization event types
const (
	EventTypeApproved          = "authorization.approved"
	EventTypeDeclined          = "authorization.declined"
	EventTypeChallengeRequired = "authorization.challenge_required"
)
