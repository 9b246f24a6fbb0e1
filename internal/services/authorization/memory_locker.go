package authorization

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kevin07696/checkout-authorizer/internal/domain"
	"github.com/kevin07696/checkout-authorizer/internal/domain/ports"
	"github.com/kevin07696/checkout-authorizer/pkg/observability"
)

// MemoryLocker is a per-quote lock for single-instance deployments and tests.
// Entries are reference counted and removed once nobody holds or waits.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[int64]*lockEntry
	wait  time.Duration
}

type lockEntry struct {
	slot chan struct{}
	refs int
}

// NewMemoryLocker creates a locker that waits up to wait for a busy quote
func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[int64]*lockEntry),
		wait:  wait,
	}
}

var _ ports.OrderLocker = (*MemoryLocker)(nil)

// Lock blocks until the quote is free, the wait elapses, or ctx is done
func (l *MemoryLocker) Lock(ctx context.Context, quoteID int64) (func(), error) {
	entry := l.ref(quoteID)

	select {
	case entry.slot <- struct{}{}:
		return l.releaser(quoteID, entry), nil
	default:
	}

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case entry.slot <- struct{}{}:
		observability.RecordLockContention("acquired")
		return l.releaser(quoteID, entry), nil
	case <-timer.C:
		l.unref(quoteID, entry)
		observability.RecordLockContention("timed_out")
		return nil, domain.WrapError(domain.ErrorCodeOrderAlreadyInFlight,
			fmt.Sprintf("quote %d is locked by another authorization", quoteID), nil).
			WithDetail("quote_id", quoteID)
	case <-ctx.Done():
		l.unref(quoteID, entry)
		return nil, ctx.Err()
	}
}

func (l *MemoryLocker) releaser(quoteID int64, entry *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.slot
			l.unref(quoteID, entry)
		})
	}
}

func (l *MemoryLocker) ref(quoteID int64) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.locks[quoteID]
	if !ok {
		entry = &lockEntry{slot: make(chan struct{}, 1)}
		l.locks[quoteID] = entry
	}
	entry.refs++
	return entry
}

func (l *MemoryLocker) unref(quoteID int64, entry *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, quoteID)
	}
}

// held reports how many quotes currently have holders or waiters
func (l *MemoryLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
