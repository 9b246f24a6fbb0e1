package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kevin07696/checkout-authorizer/internal/domain"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	selectQuoteForUpdate = `SELECT id, store_code, grand_total::text AS grand_total, currency, is_active, updated_at FROM quotes WHERE id = \$1 FOR UPDATE`
	selectOrderByQuote   = `SELECT id, quote_id, store_code, reference, state, grand_total::text AS grand_total, currency, payment_info, gateway_payment_id, created_at, updated_at FROM orders WHERE quote_id = \$1`
	selectOrderByID      = `SELECT id, quote_id, store_code, reference, state, grand_total::text AS grand_total, currency, payment_info, gateway_payment_id, created_at, updated_at FROM orders WHERE id = \$1`
	insertOrder          = `INSERT INTO orders \(quote_id,store_code,state,grand_total,currency\) VALUES \(\$1,\$2,\$3,\$4,\$5\) RETURNING id, reference, created_at, updated_at`
	deactivateQuote      = `UPDATE quotes SET is_active = \$1, updated_at = NOW\(\) WHERE id = \$2`
)

var orderRowColumns = []string{
	"id", "quote_id", "store_code", "reference", "state", "grand_total",
	"currency", "payment_info", "gateway_payment_id", "created_at", "updated_at",
}

func newMockExecutor(t *testing.T) (*DBExecutor, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewDBExecutor(mock), mock
}

func ptrTo[T any](v T) *T {
	return &v
}

func quoteRows(mock pgxmock.PgxPoolIface, active bool, now time.Time) *pgxmock.Rows {
	return mock.NewRows([]string{"id", "store_code", "grand_total", "currency", "is_active", "updated_at"}).
		AddRow(int64(42), "default", "129.99", "USD", active, now)
}

func TestOrderRepository_Acquire(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("creates order from active quote", func(t *testing.T) {
		db, mock := newMockExecutor(t)
		repo := NewOrderRepository(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectQuery(selectQuoteForUpdate).WithArgs(int64(42)).WillReturnRows(quoteRows(mock, true, now))
		mock.ExpectQuery(selectOrderByQuote).WithArgs(int64(42)).WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(insertOrder).
			WithArgs(int64(42), "default", "assembled", "129.99", "USD").
			WillReturnRows(mock.NewRows([]string{"id", "reference", "created_at", "updated_at"}).
				AddRow(int64(42), "000000042", now, now))
		mock.ExpectExec(deactivateQuote).WithArgs(false, int64(42)).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		order, created, err := repo.Acquire(ctx, 42)
		require.NoError(t, err)

		assert.True(t, created)
		assert.Equal(t, int64(42), order.ID)
		assert.Equal(t, "000000042", order.Reference)
		assert.Equal(t, domain.OrderStateAssembled, order.State)
		assert.True(t, order.GrandTotal.Equal(decimal.RequireFromString("129.99")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns existing order without creating", func(t *testing.T) {
		db, mock := newMockExecutor(t)
		repo := NewOrderRepository(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectQuery(selectQuoteForUpdate).WithArgs(int64(42)).WillReturnRows(quoteRows(mock, false, now))
		mock.ExpectQuery(selectOrderByQuote).WithArgs(int64(42)).
			WillReturnRows(mock.NewRows(orderRowColumns).
				AddRow(int64(42), int64(42), "default", "000000042", "paid", "129.99", "USD",
					[]byte(`{"transaction_info":{"id":"pay_1"}}`), ptrTo("pay_1"), now, now))
		mock.ExpectCommit()

		order, created, err := repo.Acquire(ctx, 42)
		require.NoError(t, err)

		assert.False(t, created)
		assert.Equal(t, domain.OrderStatePaid, order.State)
		assert.True(t, order.HasPaymentInfo())
		require.NotNil(t, order.GatewayPaymentID)
		assert.Equal(t, "pay_1", *order.GatewayPaymentID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("quote not found", func(t *testing.T) {
		db, mock := newMockExecutor(t)
		repo := NewOrderRepository(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectQuery(selectQuoteForUpdate).WithArgs(int64(999)).WillReturnError(pgx.ErrNoRows)
		mock.ExpectRollback()

		order, created, err := repo.Acquire(ctx, 999)
		assert.Nil(t, order)
		assert.False(t, created)
		assert.True(t, domain.IsDomainError(err, domain.ErrorCodeQuoteNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("inactive quote without order", func(t *testing.T) {
		db, mock := newMockExecutor(t)
		repo := NewOrderRepository(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectQuery(selectQuoteForUpdate).WithArgs(int64(42)).WillReturnRows(quoteRows(mock, false, now))
		mock.ExpectQuery(selectOrderByQuote).WithArgs(int64(42)).WillReturnError(pgx.ErrNoRows)
		mock.ExpectRollback()

		_, _, err := repo.Acquire(ctx, 42)
		assert.True(t, domain.IsDomainError(err, domain.ErrorCodeOrderAssemblyFailed))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database failure is an assembly failure", func(t *testing.T) {
		db, mock := newMockExecutor(t)
		repo := NewOrderRepository(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectQuery(selectQuoteForUpdate).WithArgs(int64(42)).WillReturnRows(quoteRows(mock, true, now))
		mock.ExpectQuery(selectOrderByQuote).WithArgs(int64(42)).WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(insertOrder).WithArgs(int64(42), "default", "assembled", "129.99", "USD").
			WillReturnError(assert.AnError)
		mock.ExpectRollback()

		_, _, err := repo.Acquire(ctx, 42)
		assert.True(t, domain.IsDomainError(err, domain.ErrorCodeOrderAssemblyFailed))
		assert.ErrorIs(t, err, assert.AnError)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure", func(t *testing.T) {
		db, mock := newMockExecutor(t)
		repo := NewOrderRepository(db, zap.NewNop())

		mock.ExpectBegin().WillReturnError(assert.AnError)

		_, _, err := repo.Acquire(ctx, 42)
		assert.True(t, domain.IsDomainError(err, domain.ErrorCodeOrderAssemblyFailed))
	})
}

func TestOrderRepository_GetByID(t *testing.T) {
	db, mock := newMockExecutor(t)
	repo := NewOrderRepository(db, zap.NewNop())
	now := time.Now()

	mock.ExpectQuery(selectOrderByID).WithArgs(int64(42)).
		WillReturnRows(mock.NewRows(orderRowColumns).
			AddRow(int64(42), int64(42), "default", "000000042", "assembled", "129.99", "USD", nil, nil, now, now))

	order, err := repo.GetByID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateAssembled, order.State)
	assert.Nil(t, order.GatewayPaymentID)
	assert.False(t, order.HasPaymentInfo())

	mock.ExpectQuery(selectOrderByID).WithArgs(int64(7)).WillReturnError(pgx.ErrNoRows)
	_, err = repo.GetByID(context.Background(), 7)
	assert.ErrorIs(t, err, errOrderNotFound)
}

func TestPaymentRecorder_Attach(t *testing.T) {
	const attachQuery = `UPDATE orders SET state = \$1, payment_info = \$2, gateway_payment_id = \$3, updated_at = NOW\(\) WHERE id = \$4 AND state <> \$5 AND payment_info IS NULL RETURNING id, quote_id`

	ctx := context.Background()
	now := time.Now()
	order := &domain.Order{ID: 42, State: domain.OrderStateAssembled}
	details := json.RawMessage(`{"id":"pay_1","status":"Authorized","approved":true}`)

	t.Run("approved payment marks order paid", func(t *testing.T) {
		db, mock := newMockExecutor(t)
		recorder := NewPaymentRecorder(db, zap.NewNop())

		mock.ExpectQuery(attachQuery).
			WithArgs("paid", pgxmock.AnyArg(), "pay_1", int64(42), "paid").
			WillReturnRows(mock.NewRows(orderRowColumns).
				AddRow(int64(42), int64(42), "default", "000000042", "paid", "129.99", "USD",
					[]byte(`{"transaction_info":{"id":"pay_1"}}`), ptrTo("pay_1"), now, now))

		updated, err := recorder.Attach(ctx, order, "pay_1", details, true)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatePaid, updated.State)
		assert.JSONEq(t, `{"transaction_info":{"id":"pay_1"}}`, string(updated.PaymentInfo))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("declined payment marks order failed", func(t *testing.T) {
		db, mock := newMockExecutor(t)
		recorder := NewPaymentRecorder(db, zap.NewNop())

		mock.ExpectQuery(attachQuery).
			WithArgs("failed", pgxmock.AnyArg(), "pay_2", int64(42), "paid").
			WillReturnRows(mock.NewRows(orderRowColumns).
				AddRow(int64(42), int64(42), "default", "000000042", "failed", "129.99", "USD",
					[]byte(`{"transaction_info":{"id":"pay_2"}}`), ptrTo("pay_2"), now, now))

		updated, err := recorder.Attach(ctx, order, "pay_2", details, false)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStateFailed, updated.State)
		assert.True(t, updated.IsFinallyDeclined())
	})

	t.Run("same payment already recorded is idempotent", func(t *testing.T) {
		db, mock := newMockExecutor(t)
		recorder := NewPaymentRecorder(db, zap.NewNop())

		mock.ExpectQuery(attachQuery).
			WithArgs("paid", pgxmock.AnyArg(), "pay_1", int64(42), "paid").
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(selectOrderByID).WithArgs(int64(42)).
			WillReturnRows(mock.NewRows(orderRowColumns).
				AddRow(int64(42), int64(42), "default", "000000042", "paid", "129.99", "USD",
					[]byte(`{"transaction_info":{"id":"pay_1"}}`), ptrTo("pay_1"), now, now))

		updated, err := recorder.Attach(ctx, order, "pay_1", details, true)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatePaid, updated.State)
		require.NotNil(t, updated.GatewayPaymentID)
		assert.Equal(t, "pay_1", *updated.GatewayPaymentID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("different payment already recorded is rejected", func(t *testing.T) {
		db, mock := newMockExecutor(t)
		recorder := NewPaymentRecorder(db, zap.NewNop())

		mock.ExpectQuery(attachQuery).
			WithArgs("paid", pgxmock.AnyArg(), "pay_1", int64(42), "paid").
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(selectOrderByID).WithArgs(int64(42)).
			WillReturnRows(mock.NewRows(orderRowColumns).
				AddRow(int64(42), int64(42), "default", "000000042", "paid", "129.99", "USD",
					[]byte(`{"transaction_info":{"id":"pay_other"}}`), ptrTo("pay_other"), now, now))

		_, err := recorder.Attach(ctx, order, "pay_1", details, true)
		assert.True(t, domain.IsDomainError(err, domain.ErrorCodePersistFailed))
		assert.Contains(t, err.Error(), "already has a payment recorded")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("store failure", func(t *testing.T) {
		db, mock := newMockExecutor(t)
		recorder := NewPaymentRecorder(db, zap.NewNop())

		mock.ExpectQuery(attachQuery).
			WithArgs("paid", pgxmock.AnyArg(), "pay_1", int64(42), "paid").
			WillReturnError(assert.AnError)

		_, err := recorder.Attach(ctx, order, "pay_1", details, true)
		assert.True(t, domain.IsDomainError(err, domain.ErrorCodePersistFailed))
		assert.ErrorIs(t, err, assert.AnError)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid gateway data never reaches the store", func(t *testing.T) {
		db, mock := newMockExecutor(t)
		recorder := NewPaymentRecorder(db, zap.NewNop())

		_, err := recorder.Attach(ctx, order, "pay_1", json.RawMessage(`{`), true)
		assert.True(t, domain.IsDomainError(err, domain.ErrorCodePersistFailed))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPaymentRecorder_MarkFailed(t *testing.T) {
	const markFailedQuery = `UPDATE orders SET state = \$1, updated_at = NOW\(\) WHERE id = \$2 AND state <> \$3 RETURNING id`

	ctx := context.Background()
	now := time.Now()

	t.Run("unpaid order", func(t *testing.T) {
		db, mock := newMockExecutor(t)
		recorder := NewPaymentRecorder(db, zap.NewNop())

		mock.ExpectQuery(markFailedQuery).WithArgs("failed", int64(42), "paid").
			WillReturnRows(mock.NewRows(orderRowColumns).
				AddRow(int64(42), int64(42), "default", "000000042", "failed", "129.99", "USD", nil, nil, now, now))

		updated, err := recorder.MarkFailed(ctx, &domain.Order{ID: 42})
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStateFailed, updated.State)
		assert.False(t, updated.HasPaymentInfo())
	})

	t.Run("paid order is left alone", func(t *testing.T) {
		db, mock := newMockExecutor(t)
		recorder := NewPaymentRecorder(db, zap.NewNop())

		mock.ExpectQuery(markFailedQuery).WithArgs("failed", int64(42), "paid").WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(selectOrderByID).WithArgs(int64(42)).
			WillReturnRows(mock.NewRows(orderRowColumns).
				AddRow(int64(42), int64(42), "default", "000000042", "paid", "129.99", "USD",
					[]byte(`{"transaction_info":{}}`), ptrTo("pay_1"), now, now))

		updated, err := recorder.MarkFailed(ctx, &domain.Order{ID: 42})
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatePaid, updated.State)
	})

	t.Run("store failure", func(t *testing.T) {
		db, mock := newMockExecutor(t)
		recorder := NewPaymentRecorder(db, zap.NewNop())

		mock.ExpectQuery(markFailedQuery).WithArgs("failed", int64(42), "paid").WillReturnError(assert.AnError)

		_, err := recorder.MarkFailed(ctx, &domain.Order{ID: 42})
		assert.True(t, domain.IsDomainError(err, domain.ErrorCodePersistFailed))
	})
}
