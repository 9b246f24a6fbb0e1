package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kevin07696/checkout-authorizer/internal/domain"
	"github.com/kevin07696/checkout-authorizer/internal/domain/ports"
	"github.com/kevin07696/checkout-authorizer/pkg/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// AdvisoryLocker serializes authorization attempts per quote across service
// instances. The lock is transaction scoped: it is held by an open
// transaction and released when that transaction ends, so a crashed holder
// never leaks it.
//
// Each holder pins one pooled connection while the locked section needs a
// second one for its own writes. Holders are capped at half the pool so every
// holder can always get that second connection.
type AdvisoryLocker struct {
	db           *DBExecutor
	logger       *zap.Logger
	wait         time.Duration
	pollInterval time.Duration
	holders      *semaphore.Weighted
}

// MaxLockHolders returns the holder cap for a pool of maxConns connections
func MaxLockHolders(maxConns int32) int64 {
	if maxConns < 4 {
		return 1
	}
	return int64(maxConns / 2)
}

// NewAdvisoryLocker creates a locker that waits up to wait for a busy lock.
// At most maxHolders quotes hold or poll for a lock at once.
func NewAdvisoryLocker(db *DBExecutor, wait time.Duration, maxHolders int64, logger *zap.Logger) *AdvisoryLocker {
	if maxHolders < 1 {
		maxHolders = 1
	}
	return &AdvisoryLocker{
		db:           db,
		logger:       logger,
		wait:         wait,
		pollInterval: 50 * time.Millisecond,
		holders:      semaphore.NewWeighted(maxHolders),
	}
}

var _ ports.OrderLocker = (*AdvisoryLocker)(nil)

// Lock blocks until the quote's lock is held or the wait elapses
func (l *AdvisoryLocker) Lock(ctx context.Context, quoteID int64) (func(), error) {
	if err := l.holders.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for lock slot: %w", err)
	}

	release, err := l.lock(ctx, quoteID)
	if err != nil {
		l.holders.Release(1)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			release()
			l.holders.Release(1)
		})
	}, nil
}

func (l *AdvisoryLocker) lock(ctx context.Context, quoteID int64) (func(), error) {
	tx, err := l.db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lock transaction: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	contended := false
	for {
		var acquired bool
		err := tx.QueryRow(waitCtx, "SELECT pg_try_advisory_xact_lock($1)", quoteID).Scan(&acquired)
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return nil, l.inFlight(quoteID, contended)
			}
			return nil, fmt.Errorf("try advisory lock: %w", err)
		}

		if acquired {
			if contended {
				observability.RecordLockContention("acquired")
			}
			return func() {
				if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
					l.logger.Warn("Failed to release order lock",
						zap.Int64("quote_id", quoteID),
						zap.Error(err),
					)
				}
			}, nil
		}

		contended = true
		select {
		case <-waitCtx.Done():
			_ = tx.Rollback(context.WithoutCancel(ctx))
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, l.inFlight(quoteID, contended)
			}
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

func (l *AdvisoryLocker) inFlight(quoteID int64, contended bool) error {
	if contended {
		observability.RecordLockContention("timed_out")
	}
	l.logger.Warn("Authorization already in flight for quote", zap.Int64("quote_id", quoteID))
	return domain.WrapError(domain.ErrorCodeOrderAlreadyInFlight,
		fmt.Sprintf("quote %d is locked by another authorization", quoteID), nil).
		WithDetail("quote_id", quoteID)
}
