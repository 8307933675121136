package shutdown

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_HooksRunInOrder(t *testing.T) {
	m := NewManager(time.Second, logrus.New())

	var order []string
	m.Register("close_connections", OrderCloseConnections, func(ctx context.Context) error {
		order = append(order, "close_connections")
		return nil
	})
	m.Register("close_sinks", OrderCloseSinks, func(ctx context.Context) error {
		order = append(order, "close_sinks")
		return stderrors.New("kafka unreachable")
	})
	m.Register("stop_http", OrderStopAcceptingRuns, func(ctx context.Context) error {
		order = append(order, "stop_http")
		return nil
	})

	m.Shutdown()
	m.Shutdown()

	assert.Equal(t, []string{"stop_http", "close_sinks", "close_connections"}, order)
	assert.Error(t, m.Context().Err())

	select {
	case <-m.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestManager_AcquireAfterShutdown(t *testing.T) {
	m := NewManager(time.Second, logrus.New())
	require.True(t, m.Acquire())
	assert.Equal(t, 1, m.Active())
	m.Release()

	m.Shutdown()
	assert.True(t, m.IsShuttingDown())
	assert.False(t, m.Acquire())
	assert.Equal(t, 0, m.Active())
}

func TestManager_DrainWaitsForRuns(t *testing.T) {
	m := NewManager(time.Second, logrus.New())
	require.True(t, m.Acquire())

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Release()
	}()
	require.NoError(t, m.Drain(context.Background()))

	require.True(t, m.Acquire())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	m.Release()
}
