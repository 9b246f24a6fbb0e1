package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/kevin07696/checkout-authorizer/internal/domain"
	"github.com/kevin07696/checkout-authorizer/internal/domain/ports"
	"go.uber.org/zap"
)

// paymentInfo is the stored shape of an order's gateway metadata
type paymentInfo struct {
	TransactionInfo json.RawMessage `json:"transaction_info"`
}

// PaymentRecorder attaches gateway outcomes to orders
type PaymentRecorder struct {
	db     *DBExecutor
	logger *zap.Logger
}

// NewPaymentRecorder creates a new payment recorder
func NewPaymentRecorder(db *DBExecutor, logger *zap.Logger) *PaymentRecorder {
	return &PaymentRecorder{db: db, logger: logger}
}

var _ ports.PaymentRecorder = (*PaymentRecorder)(nil)

// Attach stores the gateway details and the resulting state in one guarded
// UPDATE. The guard allows at most one PAID transition and never overwrites
// existing payment info.
func (r *PaymentRecorder) Attach(ctx context.Context, order *domain.Order, gatewayPaymentID string, gatewayData json.RawMessage, approved bool) (*domain.Order, error) {
	if len(gatewayData) == 0 || !json.Valid(gatewayData) {
		return nil, domain.WrapError(domain.ErrorCodePersistFailed, "gateway data is not valid JSON", nil)
	}

	info, err := json.Marshal(paymentInfo{TransactionInfo: gatewayData})
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodePersistFailed, "encode payment info", err)
	}

	state := domain.OrderStateFailed
	if approved {
		state = domain.OrderStatePaid
	}

	query, args, err := r.db.builder.Update("orders").
		Set("state", string(state)).
		Set("payment_info", info).
		Set("gateway_payment_id", gatewayPaymentID).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": order.ID}).
		Where(squirrel.NotEq{"state": string(domain.OrderStatePaid)}).
		Where("payment_info IS NULL").
		Suffix("RETURNING " + joinColumns(orderColumns)).
		ToSql()
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodePersistFailed, "build payment update", err)
	}

	updated, err := scanOrder(r.db.pool.QueryRow(ctx, query, args...))
	if err == nil {
		r.logger.Info("Payment recorded on order",
			zap.Int64("order_id", updated.ID),
			zap.String("gateway_payment_id", gatewayPaymentID),
			zap.String("state", string(updated.State)),
		)
		return updated, nil
	}
	if !isNoRows(err) {
		return nil, domain.WrapError(domain.ErrorCodePersistFailed, "update order payment", err)
	}

	// Guard did not match: the order is paid or already carries payment info.
	current, getErr := getOrder(ctx, r.db.builder, r.db.pool, squirrel.Eq{"id": order.ID})
	if getErr != nil {
		if errors.Is(getErr, errOrderNotFound) {
			return nil, domain.WrapError(domain.ErrorCodePersistFailed, fmt.Sprintf("order %d not found", order.ID), nil)
		}
		return nil, domain.WrapError(domain.ErrorCodePersistFailed, "reload order", getErr)
	}
	if current.GatewayPaymentID != nil && *current.GatewayPaymentID == gatewayPaymentID {
		// Same payment recorded earlier, e.g. a repeated resume.
		return current, nil
	}

	return nil, domain.WrapError(domain.ErrorCodePersistFailed,
		fmt.Sprintf("order %d already has a payment recorded", order.ID), nil).
		WithDetail("state", string(current.State))
}

// MarkFailed moves an unpaid order to FAILED without touching payment info.
// A paid order is returned unchanged.
func (r *PaymentRecorder) MarkFailed(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	query, args, err := r.db.builder.Update("orders").
		Set("state", string(domain.OrderStateFailed)).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": order.ID}).
		Where(squirrel.NotEq{"state": string(domain.OrderStatePaid)}).
		Suffix("RETURNING " + joinColumns(orderColumns)).
		ToSql()
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodePersistFailed, "build failure update", err)
	}

	updated, err := scanOrder(r.db.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return updated, nil
	}
	if !isNoRows(err) {
		return nil, domain.WrapError(domain.ErrorCodePersistFailed, "mark order failed", err)
	}

	current, getErr := getOrder(ctx, r.db.builder, r.db.pool, squirrel.Eq{"id": order.ID})
	if getErr != nil {
		return nil, domain.WrapError(domain.ErrorCodePersistFailed, "reload order", getErr)
	}
	return current, nil
}
