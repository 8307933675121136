package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAgentError(t *testing.T) {
	err := NewAgentError(ErrorTypeChainRPC, SeverityHigh, "TEST_ERROR", "测试错误")

	assert.NotNil(t, err)
	assert.Equal(t, ErrorTypeChainRPC, err.Type)
	assert.Equal(t, SeverityHigh, err.Severity)
	assert.Equal(t, "TEST_ERROR", err.Code)
	assert.Equal(t, "测试错误", err.Message)
	assert.True(t, err.Retryable) // 节点错误调用方可重试
	assert.False(t, err.Timestamp.IsZero())
}

func TestWrapError(t *testing.T) {
	originalErr := errors.New("原始错误")
	wrappedErr := WrapError(originalErr, ErrorTypeSystem, SeverityMedium, "WRAPPED_ERROR", "包装错误")

	assert.NotNil(t, wrappedErr)
	assert.Equal(t, ErrorTypeSystem, wrappedErr.Type)
	assert.Equal(t, "WRAPPED_ERROR", wrappedErr.Code)
	assert.Equal(t, originalErr, wrappedErr.Cause)
	assert.Contains(t, wrappedErr.Error(), "原始错误")
}

func TestAgentError_Error(t *testing.T) {
	err := NewAgentError(ErrorTypeInvalidInput, SeverityLow, "TEST_CODE", "测试消息")
	assert.Equal(t, "[TEST_CODE] 测试消息", err.Error())
	assert.Equal(t, "测试消息", err.Reason())

	originalErr := errors.New("nonce too low")
	wrappedErr := WrapError(originalErr, ErrorTypeBroadcastRejected, SeverityHigh, "TEST_CODE", "测试消息")
	assert.Equal(t, "[TEST_CODE] 测试消息: nonce too low", wrappedErr.Error())
	assert.Equal(t, "测试消息: nonce too low", wrappedErr.Reason())
}

func TestAgentError_Unwrap(t *testing.T) {
	originalErr := errors.New("原始错误")
	wrappedErr := WrapError(originalErr, ErrorTypeSystem, SeverityMedium, "WRAPPED", "包装")

	assert.Equal(t, originalErr, wrappedErr.Unwrap())
	assert.True(t, errors.Is(wrappedErr, originalErr))

	standaloneErr := NewAgentError(ErrorTypeInvalidInput, SeverityLow, "STANDALONE", "独立错误")
	assert.Nil(t, standaloneErr.Unwrap())
}

func TestDetermineRetryable(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		expected  bool
	}{
		{ErrorTypeInvalidInput, false},
		{ErrorTypePayloadTooLarge, false},
		{ErrorTypeSigningBackend, true},
		{ErrorTypeSigningFailed, true},
		{ErrorTypeChainRPC, true},
		{ErrorTypeBroadcastRejected, true},
		{ErrorTypeOracleUnavailable, true},
		{ErrorTypeOracleMalformedResponse, false},
		{ErrorTypeConfig, false},
		{ErrorTypeSystem, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, determineRetryable(tt.errorType), "errorType=%v", tt.errorType)
	}
}

func TestConstructors(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name      string
		err       *AgentError
		errorType ErrorType
		code      string
		component string
	}{
		{"invalid input", InvalidInput("INVALID_ADDRESS", "bad"), ErrorTypeInvalidInput, "INVALID_ADDRESS", ""},
		{"payload", PayloadTooLarge(5000, 100000), ErrorTypePayloadTooLarge, "PAYLOAD_TOO_LARGE", ""},
		{"backend", SigningBackendError(cause, "x"), ErrorTypeSigningBackend, "SIGNING_BACKEND_ERROR", "address_resolver"},
		{"signing", SigningFailed(cause, "x"), ErrorTypeSigningFailed, "SIGNING_FAILED", "signer_gateway"},
		{"rpc", ChainRPCError(cause, "x"), ErrorTypeChainRPC, "CHAIN_RPC_ERROR", "chain_reader"},
		{"broadcast", BroadcastRejected(cause), ErrorTypeBroadcastRejected, "BROADCAST_REJECTED", "broadcaster"},
		{"oracle down", OracleUnavailable(cause, "x"), ErrorTypeOracleUnavailable, "ORACLE_UNAVAILABLE", "price_oracle"},
		{"oracle bad", OracleMalformedResponse(cause, "x"), ErrorTypeOracleMalformedResponse, "ORACLE_MALFORMED_RESPONSE", "price_oracle"},
		{"config", ConfigInvalid("x"), ErrorTypeConfig, "CONFIG_INVALID", "config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.errorType, tt.err.Type)
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.component, tt.err.Component)
		})
	}
}

func TestIsTypeAndCodeOf(t *testing.T) {
	base := BroadcastRejected(errors.New("nonce too low"))
	wrapped := fmt.Errorf("send failed: %w", base)

	assert.True(t, IsType(wrapped, ErrorTypeBroadcastRejected))
	assert.False(t, IsType(wrapped, ErrorTypeChainRPC))
	assert.Equal(t, "BROADCAST_REJECTED", CodeOf(wrapped))
	assert.Equal(t, "UNKNOWN_ERROR", CodeOf(errors.New("plain")))
	assert.Equal(t, "", CodeOf(nil))

	got, ok := As(wrapped)
	require.True(t, ok)
	assert.Same(t, base, got)
}

func TestAgentError_WithContext(t *testing.T) {
	err := NewAgentError(ErrorTypeChainRPC, SeverityMedium, "RPC_ERROR", "节点错误")

	err.WithContext("node", "primary").WithContext("attempt", 1).WithTxHash("0xabc")

	assert.Equal(t, "primary", err.Context["node"])
	assert.Equal(t, 1, err.Context["attempt"])
	require.NotNil(t, err.TxHash)
	assert.Equal(t, "0xabc", *err.TxHash)
}

func TestErrorType_String(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		expected  string
	}{
		{ErrorTypeInvalidInput, "InvalidInput"},
		{ErrorTypeSigningBackend, "SigningBackendError"},
		{ErrorTypeChainRPC, "ChainRpcError"},
		{ErrorTypeBroadcastRejected, "BroadcastRejected"},
		{ErrorTypeOracleMalformedResponse, "OracleMalformedResponse"},
		{ErrorType(999), "Unknown(999)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.errorType.String())
	}
}

func TestErrorSeverity_String(t *testing.T) {
	assert.Equal(t, "Low", SeverityLow.String())
	assert.Equal(t, "Critical", SeverityCritical.String())
	assert.Equal(t, "Unknown(999)", ErrorSeverity(999).String())
}

func TestErrorStats_RecordError(t *testing.T) {
	stats := NewErrorStats()

	err1 := ChainRPCError(errors.New("timeout"), "读取 nonce 失败")
	err2 := SigningFailed(errors.New("rate limited"), "签名失败")
	err3 := ChainRPCError(errors.New("eof"), "读取 gas price 失败")

	stats.RecordError(err1)
	stats.RecordError(err2)
	stats.RecordError(err3)

	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, 2, stats.ErrorsByType[ErrorTypeChainRPC])
	assert.Equal(t, 1, stats.ErrorsByType[ErrorTypeSigningFailed])
	assert.Equal(t, 2, stats.ErrorsByComponent["chain_reader"])
	assert.Equal(t, 1, stats.ErrorsByComponent["signer_gateway"])
	assert.Equal(t, err3, stats.LastError)
	assert.Equal(t, 3, len(stats.RecentErrors))
}

func TestErrorStats_RecordError_RecentErrorsLimit(t *testing.T) {
	stats := NewErrorStats()

	for i := 0; i < 150; i++ {
		stats.RecordError(NewAgentError(ErrorTypeChainRPC, SeverityLow, "TEST_ERROR", "测试错误"))
	}

	assert.Equal(t, 150, stats.TotalErrors)
	assert.Equal(t, 100, len(stats.RecentErrors)) // 应该限制在100个
}

func TestErrorStats_GetErrorRate(t *testing.T) {
	stats := NewErrorStats()

	now := time.Now()

	// 过去1小时内每5分钟一个错误
	for i := 0; i < 10; i++ {
		err := NewAgentError(ErrorTypeChainRPC, SeverityLow, "TEST_ERROR", "测试错误")
		err.Timestamp = now.Add(-time.Duration(i*5) * time.Minute)
		stats.RecentErrors = append(stats.RecentErrors, err)
	}

	// 超过1小时的错误
	for i := 0; i < 5; i++ {
		err := NewAgentError(ErrorTypeChainRPC, SeverityLow, "OLD_ERROR", "旧错误")
		err.Timestamp = now.Add(-time.Duration(70+i*10) * time.Minute)
		stats.RecentErrors = append(stats.RecentErrors, err)
	}

	assert.Equal(t, 10.0, stats.GetErrorRate(time.Hour))
	assert.Equal(t, 0.0, stats.GetErrorRate(0))
	assert.Equal(t, 12.0, stats.GetErrorRate(30*time.Minute)) // 30分钟内6个错误
}

func BenchmarkNewAgentError(b *testing.B) {
	for i := 0; i < b.N; i++ {
		NewAgentError(ErrorTypeChainRPC, SeverityMedium, "BENCH_ERROR", "基准测试错误")
	}
}
