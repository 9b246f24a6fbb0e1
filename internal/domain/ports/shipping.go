package ports

import (
	"context"

	"github.com/kevin07696/checkout-authorizer/internal/domain"
)

// ShippingEstimator is the order system's shipping and totals interface.
type ShippingEstimator interface {
	EstimateShippingMethods(ctx context.Context, quoteID int64, address domain.Address) ([]domain.ShippingMethod, error)
	CartTotals(ctx context.Context, quoteID int64, address domain.Address, selection domain.ShippingSelection) (*domain.CartTotals, error)
	SaveShippingInformation(ctx context.Context, quoteID int64, info domain.ShippingInformation) (*domain.CartTotals, error)
}

// MerchantValidator obtains an opaque wallet merchant session.
type MerchantValidator interface {
	ValidateMerchant(ctx context.Context, validationURL string, domainName string) ([]byte, error)
}
