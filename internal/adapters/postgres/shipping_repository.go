package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/kevin07696/checkout-authorizer/internal/domain"
	"github.com/kevin07696/checkout-authorizer/internal/domain/ports"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	addressTypeShipping = "shipping"
	addressTypeBilling  = "billing"
	anyCountry          = "*"
)

var shippingRateColumns = []string{
	"carrier_code",
	"method_code",
	"carrier_title",
	"method_title",
	numericText("price"),
	"active",
}

// ShippingRepository estimates shipping and totals for quotes
type ShippingRepository struct {
	db     *DBExecutor
	logger *zap.Logger
}

// NewShippingRepository creates a new shipping repository
func NewShippingRepository(db *DBExecutor, logger *zap.Logger) *ShippingRepository {
	return &ShippingRepository{db: db, logger: logger}
}

var _ ports.ShippingEstimator = (*ShippingRepository)(nil)

type quoteSubtotal struct {
	subtotal decimal.Decimal
	currency string
}

// EstimateShippingMethods lists the rates configured for the address,
// unavailable ones included so callers can filter.
func (r *ShippingRepository) EstimateShippingMethods(ctx context.Context, quoteID int64, address domain.Address) ([]domain.ShippingMethod, error) {
	address = address.Normalize()

	var methods []domain.ShippingMethod
	err := r.db.WithReadOnlyTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := r.activeQuote(ctx, tx, quoteID, false); err != nil {
			return err
		}

		var err error
		methods, err = r.ratesFor(ctx, tx, address, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return methods, nil
}

// CartTotals recomputes the quote's grand total for a shipping selection
// without saving it.
func (r *ShippingRepository) CartTotals(ctx context.Context, quoteID int64, address domain.Address, selection domain.ShippingSelection) (*domain.CartTotals, error) {
	address = address.Normalize()

	var totals *domain.CartTotals
	err := r.db.WithReadOnlyTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		quote, err := r.activeQuote(ctx, tx, quoteID, false)
		if err != nil {
			return err
		}

		method, err := r.selectedRate(ctx, tx, address, selection)
		if err != nil {
			return err
		}

		totals = &domain.CartTotals{
			BaseGrandTotal: quote.subtotal.Add(method.PriceInclTax),
			ShippingAmount: method.PriceInclTax,
			Currency:       quote.currency,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return totals, nil
}

// SaveShippingInformation stores both addresses and the chosen method on the
// quote and rewrites its totals.
func (r *ShippingRepository) SaveShippingInformation(ctx context.Context, quoteID int64, info domain.ShippingInformation) (*domain.CartTotals, error) {
	shipping := info.ShippingAddress.Normalize()
	billing := info.BillingAddress.Normalize()

	var totals *domain.CartTotals
	err := r.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		quote, err := r.activeQuote(ctx, tx, quoteID, true)
		if err != nil {
			return err
		}

		method, err := r.selectedRate(ctx, tx, shipping, info.Selection)
		if err != nil {
			return err
		}

		if err := r.upsertAddress(ctx, tx, quoteID, addressTypeShipping, shipping); err != nil {
			return err
		}
		if err := r.upsertAddress(ctx, tx, quoteID, addressTypeBilling, billing); err != nil {
			return err
		}

		grandTotal := quote.subtotal.Add(method.PriceInclTax)
		query, args, err := r.db.builder.Update("quotes").
			Set("shipping_carrier_code", method.CarrierCode).
			Set("shipping_method_code", method.MethodCode).
			Set("shipping_amount", method.PriceInclTax.String()).
			Set("grand_total", grandTotal.String()).
			Set("updated_at", squirrel.Expr("NOW()")).
			Where(squirrel.Eq{"id": quoteID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build quote totals update: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("update quote totals: %w", err)
		}

		totals = &domain.CartTotals{
			BaseGrandTotal: grandTotal,
			ShippingAmount: method.PriceInclTax,
			Currency:       quote.currency,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Shipping information saved",
		zap.Int64("quote_id", quoteID),
		zap.String("carrier_code", info.Selection.CarrierCode),
		zap.String("method_code", info.Selection.MethodCode),
		zap.String("grand_total", totals.BaseGrandTotal.String()),
	)
	return totals, nil
}

func (r *ShippingRepository) activeQuote(ctx context.Context, tx pgx.Tx, quoteID int64, forUpdate bool) (*quoteSubtotal, error) {
	builder := r.db.builder.Select(numericText("subtotal"), "currency").
		From("quotes").
		Where(squirrel.Eq{"id": quoteID, "is_active": true})
	if forUpdate {
		builder = builder.Suffix("FOR UPDATE")
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build quote query: %w", err)
	}

	var (
		q        quoteSubtotal
		subtotal string
	)
	err = tx.QueryRow(ctx, query, args...).Scan(&subtotal, &q.currency)
	if isNoRows(err) {
		return nil, domain.WrapError(domain.ErrorCodeQuoteNotFound, fmt.Sprintf("active quote %d not found", quoteID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("select quote: %w", err)
	}
	if q.subtotal, err = parseDecimal("subtotal", subtotal); err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *ShippingRepository) ratesFor(ctx context.Context, tx pgx.Tx, address domain.Address, selection *domain.ShippingSelection) ([]domain.ShippingMethod, error) {
	builder := r.db.builder.Select(shippingRateColumns...).
		From("shipping_rates").
		Where(squirrel.Eq{"country_id": []string{address.CountryID, anyCountry}}).
		Where("? LIKE postcode_prefix || '%'", address.Postcode)
	if selection != nil {
		builder = builder.Where(squirrel.Eq{
			"carrier_code": selection.CarrierCode,
			"method_code":  selection.MethodCode,
		})
	}
	query, args, err := builder.OrderBy("sort_order", "price").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build shipping rates query: %w", err)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query shipping rates: %w", err)
	}
	defer rows.Close()

	var methods []domain.ShippingMethod
	for rows.Next() {
		var (
			m     domain.ShippingMethod
			price string
		)
		if err := rows.Scan(&m.CarrierCode, &m.MethodCode, &m.CarrierTitle, &m.MethodTitle, &price, &m.Available); err != nil {
			return nil, fmt.Errorf("scan shipping rate: %w", err)
		}
		if m.PriceInclTax, err = parseDecimal("price", price); err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shipping rates: %w", err)
	}
	return methods, nil
}

func (r *ShippingRepository) selectedRate(ctx context.Context, tx pgx.Tx, address domain.Address, selection domain.ShippingSelection) (*domain.ShippingMethod, error) {
	methods, err := r.ratesFor(ctx, tx, address, &selection)
	if err != nil {
		return nil, err
	}
	for i := range methods {
		if methods[i].Available {
			return &methods[i], nil
		}
	}
	return nil, domain.WrapError(domain.ErrorCodeWalletNoShippingMethods,
		fmt.Sprintf("shipping method %s_%s is not available for %s", selection.CarrierCode, selection.MethodCode, address.CountryID), nil)
}

func (r *ShippingRepository) upsertAddress(ctx context.Context, tx pgx.Tx, quoteID int64, addressType string, address domain.Address) error {
	data, err := json.Marshal(address)
	if err != nil {
		return fmt.Errorf("encode %s address: %w", addressType, err)
	}

	query, args, err := r.db.builder.Insert("quote_addresses").
		Columns("quote_id", "address_type", "data").
		Values(quoteID, addressType, data).
		Suffix("ON CONFLICT (quote_id, address_type) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()").
		ToSql()
	if err != nil {
		return fmt.Errorf("build address upsert: %w", err)
	}

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("save %s address: %w", addressType, err)
	}
	return nil
}
