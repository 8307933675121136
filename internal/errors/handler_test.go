package errors

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() (*logrus.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger, buf
}

func TestErrorHandler_HandleError(t *testing.T) {
	logger, buf := newTestLogger()
	handler := NewErrorHandler(logger)

	var seen []*AgentError
	handler.AddCallback(func(err *AgentError) { seen = append(seen, err) })

	original := BroadcastRejected(errors.New("nonce too low"))
	returned := handler.HandleError(context.Background(), original)

	assert.Same(t, original, returned)
	assert.Equal(t, 1, handler.TotalErrors())
	require.Len(t, seen, 1)
	assert.Contains(t, buf.String(), "BROADCAST_REJECTED")
	assert.Contains(t, buf.String(), "nonce too low")
}

func TestErrorHandler_WrapsPlainErrors(t *testing.T) {
	logger, _ := newTestLogger()
	handler := NewErrorHandler(logger)

	returned := handler.HandleError(context.Background(), errors.New("plain"))

	agentErr, ok := As(returned)
	require.True(t, ok)
	assert.Equal(t, ErrorTypeSystem, agentErr.Type)
	assert.Equal(t, "UNKNOWN_ERROR", agentErr.Code)
	assert.Nil(t, handler.HandleError(context.Background(), nil))
}

func TestErrorHandler_CallbackPanicIsContained(t *testing.T) {
	logger, buf := newTestLogger()
	handler := NewErrorHandler(logger)
	handler.AddCallback(func(err *AgentError) { panic("boom") })

	assert.NotPanics(t, func() {
		handler.HandleError(context.Background(), InvalidInput("INVALID_ADDRESS", "bad"))
	})
	assert.Contains(t, buf.String(), "panic")
}

func TestErrorHandler_Snapshot(t *testing.T) {
	logger, _ := newTestLogger()
	handler := NewErrorHandler(logger)

	handler.HandleError(context.Background(), ChainRPCError(errors.New("eof"), "读取 nonce 失败"))
	handler.HandleError(context.Background(), ChainRPCError(errors.New("eof"), "读取 gas price 失败"))

	snapshot := handler.Snapshot()
	assert.Equal(t, 2, snapshot["total_errors"])
	assert.Equal(t, map[string]int{"ChainRpcError": 2}, snapshot["errors_by_type"])
	assert.Equal(t, map[string]int{"chain_reader": 2}, snapshot["errors_by_component"])

	handler.ClearStats()
	assert.Equal(t, 0, handler.TotalErrors())
}
