package ports

import (
	"context"

	"github.com/kevin07696/checkout-authorizer/internal/domain"
)

// GatewayClient talks to the remote card gateway.
type GatewayClient interface {
	// Charge submits a new authorization. It is never retried by the client.
	// Errors carry ErrorCodeGatewayUnreachable or ErrorCodeGatewayRejected.
	Charge(ctx context.Context, req domain.ChargeRequest) (*domain.GatewayResponse, error)

	// FetchByID looks up a payment or a challenge session. Read-only and
	// safe to repeat.
	FetchByID(ctx context.Context, id string) (*domain.GatewayResponse, error)

	// IsValidResponse reports structural validity, independent of outcome.
	IsValidResponse(resp *domain.GatewayResponse) bool
}
