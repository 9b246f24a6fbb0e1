package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestManager_ShutsDownInReverseOrder(t *testing.T) {
	m := NewManager(zap.NewNop(), time.Second)

	var order []string
	m.RegisterNoErr("database", func() { order = append(order, "database") })
	m.RegisterCloser("publisher", closerFunc(func() error {
		order = append(order, "publisher")
		return nil
	}))
	m.Register("http", func(ctx context.Context) error {
		order = append(order, "http")
		return nil
	})

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"http", "publisher", "database"}, order)
}

func TestManager_CollectsErrorsAndContinues(t *testing.T) {
	m := NewManager(zap.NewNop(), time.Second)

	closed := false
	m.RegisterNoErr("database", func() { closed = true })
	m.RegisterCloser("publisher", closerFunc(func() error { return errors.New("flush failed") }))

	err := m.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publisher: flush failed")
	assert.True(t, closed)
}

func TestManager_RunsOnce(t *testing.T) {
	m := NewManager(zap.NewNop(), time.Second)

	calls := 0
	m.RegisterNoErr("component", func() { calls++ })

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())
	assert.Equal(t, 1, calls)
}

func TestManager_TimeoutSkipsRemaining(t *testing.T) {
	m := NewManager(zap.NewNop(), 20*time.Millisecond)

	reached := false
	m.RegisterNoErr("database", func() { reached = true })
	m.Register("http", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := m.Shutdown()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, reached)
}
