package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/kevin07696/checkout-authorizer/internal/domain"
	"github.com/kevin07696/checkout-authorizer/internal/domain/ports"
	"go.uber.org/zap"
)

var orderColumns = []string{
	"id",
	"quote_id",
	"store_code",
	"reference",
	"state",
	numericText("grand_total"),
	"currency",
	"payment_info",
	"gateway_payment_id",
	"created_at",
	"updated_at",
}

var quoteColumns = []string{
	"id",
	"store_code",
	numericText("grand_total"),
	"currency",
	"is_active",
	"updated_at",
}

// OrderRepository converts quotes into orders
type OrderRepository struct {
	db     *DBExecutor
	logger *zap.Logger
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *DBExecutor, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{db: db, logger: logger}
}

var _ ports.OrderAssembler = (*OrderRepository)(nil)

// Acquire locks the quote row, returns its order if one exists, and
// otherwise creates one and deactivates the quote in the same transaction.
func (r *OrderRepository) Acquire(ctx context.Context, quoteID int64) (*domain.Order, bool, error) {
	var (
		order   *domain.Order
		created bool
	)

	err := r.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		quote, err := r.lockQuote(ctx, tx, quoteID)
		if err != nil {
			return err
		}

		existing, err := r.findByQuote(ctx, tx, quoteID)
		if err != nil {
			return err
		}
		if existing != nil {
			order = existing
			return nil
		}

		if !quote.IsActive {
			return domain.WrapError(domain.ErrorCodeOrderAssemblyFailed,
				fmt.Sprintf("quote %d is inactive and has no order", quoteID), nil)
		}

		order, err = r.insertOrder(ctx, tx, quote)
		if err != nil {
			return err
		}
		if err := r.deactivateQuote(ctx, tx, quoteID); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		if domain.IsDomainError(err, domain.ErrorCodeQuoteNotFound) ||
			domain.IsDomainError(err, domain.ErrorCodeOrderAssemblyFailed) {
			return nil, false, err
		}
		return nil, false, domain.WrapError(domain.ErrorCodeOrderAssemblyFailed, "assemble order", err)
	}

	if created {
		r.logger.Info("Order assembled from quote",
			zap.Int64("quote_id", quoteID),
			zap.Int64("order_id", order.ID),
			zap.String("reference", order.Reference),
		)
	}

	return order, created, nil
}

// GetByID loads an order
func (r *OrderRepository) GetByID(ctx context.Context, orderID int64) (*domain.Order, error) {
	return getOrder(ctx, r.db.builder, r.db.pool, squirrel.Eq{"id": orderID})
}

func (r *OrderRepository) lockQuote(ctx context.Context, tx pgx.Tx, quoteID int64) (*domain.Quote, error) {
	query, args, err := r.db.builder.Select(quoteColumns...).
		From("quotes").
		Where(squirrel.Eq{"id": quoteID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build quote query: %w", err)
	}

	var (
		q          domain.Quote
		grandTotal string
	)
	err = tx.QueryRow(ctx, query, args...).Scan(&q.ID, &q.StoreCode, &grandTotal, &q.Currency, &q.IsActive, &q.UpdatedAt)
	if isNoRows(err) {
		return nil, domain.WrapError(domain.ErrorCodeQuoteNotFound, fmt.Sprintf("quote %d not found", quoteID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("select quote: %w", err)
	}

	if q.GrandTotal, err = parseDecimal("grand_total", grandTotal); err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *OrderRepository) findByQuote(ctx context.Context, tx pgx.Tx, quoteID int64) (*domain.Order, error) {
	order, err := getOrder(ctx, r.db.builder, tx, squirrel.Eq{"quote_id": quoteID})
	if errors.Is(err, errOrderNotFound) {
		return nil, nil
	}
	return order, err
}

func (r *OrderRepository) insertOrder(ctx context.Context, tx pgx.Tx, quote *domain.Quote) (*domain.Order, error) {
	query, args, err := r.db.builder.Insert("orders").
		Columns("quote_id", "store_code", "state", "grand_total", "currency").
		Values(quote.ID, quote.StoreCode, string(domain.OrderStateAssembled), quote.GrandTotal.String(), quote.Currency).
		Suffix("RETURNING id, reference, created_at, updated_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build order insert: %w", err)
	}

	order := &domain.Order{
		QuoteID:    quote.ID,
		StoreCode:  quote.StoreCode,
		State:      domain.OrderStateAssembled,
		GrandTotal: quote.GrandTotal,
		Currency:   quote.Currency,
	}
	if err := tx.QueryRow(ctx, query, args...).Scan(&order.ID, &order.Reference, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	return order, nil
}

func (r *OrderRepository) deactivateQuote(ctx context.Context, tx pgx.Tx, quoteID int64) error {
	query, args, err := r.db.builder.Update("quotes").
		Set("is_active", false).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": quoteID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build quote update: %w", err)
	}

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("deactivate quote: %w", err)
	}
	return nil
}

var errOrderNotFound = errors.New("order not found")

func getOrder(ctx context.Context, builder squirrel.StatementBuilderType, db ports.DBTX, where squirrel.Sqlizer) (*domain.Order, error) {
	query, args, err := builder.Select(orderColumns...).
		From("orders").
		Where(where).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build order query: %w", err)
	}

	order, err := scanOrder(db.QueryRow(ctx, query, args...))
	if isNoRows(err) {
		return nil, errOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select order: %w", err)
	}
	return order, nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o          domain.Order
		state      string
		grandTotal string
		info       []byte
	)
	err := row.Scan(
		&o.ID,
		&o.QuoteID,
		&o.StoreCode,
		&o.Reference,
		&state,
		&grandTotal,
		&o.Currency,
		&info,
		&o.GatewayPaymentID,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.State = domain.OrderState(state)
	if len(info) > 0 {
		o.PaymentInfo = json.RawMessage(info)
	}
	if o.GrandTotal, err = parseDecimal("grand_total", grandTotal); err != nil {
		return nil, err
	}
	return &o, nil
}
