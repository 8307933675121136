package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 调用方输入错误
	ErrorTypeInvalidInput ErrorType = iota
	ErrorTypePayloadTooLarge

	// 签名后端错误
	ErrorTypeSigningBackend
	ErrorTypeSigningFailed

	// 链节点错误
	ErrorTypeChainRPC
	ErrorTypeBroadcastRejected

	// 价格预言机错误
	ErrorTypeOracleUnavailable
	ErrorTypeOracleMalformedResponse

	// 系统相关错误
	ErrorTypeConfig
	ErrorTypeSystem
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// AgentError 自定义错误类型
type AgentError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	TxHash    *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *AgentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *AgentError) Unwrap() error {
	return e.Cause
}

// IsRetryable 调用方是否可以自行重试。核心流水线本身从不自动重试。
func (e *AgentError) IsRetryable() bool {
	return e.Retryable
}

// Reason 返回面向用户的原因描述，远端错误原样附带协作方的消息
func (e *AgentError) Reason() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// WithContext 添加上下文信息
func (e *AgentError) WithContext(key string, value interface{}) *AgentError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithComponent 标记出错组件
func (e *AgentError) WithComponent(component string) *AgentError {
	e.Component = component
	return e
}

// WithTxHash 添加交易哈希
func (e *AgentError) WithTxHash(txHash string) *AgentError {
	e.TxHash = &txHash
	return e
}

// NewAgentError 创建新的错误
func NewAgentError(errorType ErrorType, severity ErrorSeverity, code, message string) *AgentError {
	return &AgentError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *AgentError {
	return &AgentError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Retryable: determineRetryable(errorType),
	}
}

// determineRetryable 根据错误类型判断调用方是否值得重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeSigningBackend, ErrorTypeSigningFailed:
		return true
	case ErrorTypeChainRPC:
		return true
	case ErrorTypeOracleUnavailable:
		return true
	case ErrorTypeBroadcastRejected:
		// 节点拒绝通常意味着 nonce 已被占用，需要重新发起整条流水线
		return true
	default:
		return false
	}
}

// As 提取错误链中的 AgentError
func As(err error) (*AgentError, bool) {
	var agentErr *AgentError
	if stderrors.As(err, &agentErr) {
		return agentErr, true
	}
	return nil, false
}

// IsType 判断错误链中是否包含指定类型的 AgentError
func IsType(err error, errorType ErrorType) bool {
	agentErr, ok := As(err)
	return ok && agentErr.Type == errorType
}

// CodeOf 返回错误码，非 AgentError 返回 UNKNOWN_ERROR
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if agentErr, ok := As(err); ok {
		return agentErr.Code
	}
	return "UNKNOWN_ERROR"
}

// 构造函数，对应各组件的失败类型

// InvalidInput 调用方输入错误，永不重试
func InvalidInput(code, message string) *AgentError {
	return NewAgentError(ErrorTypeInvalidInput, SeverityLow, code, message)
}

// PayloadTooLarge 载荷超出 gas 预算
func PayloadTooLarge(size int, gasLimit uint64) *AgentError {
	return NewAgentError(ErrorTypePayloadTooLarge, SeverityLow, "PAYLOAD_TOO_LARGE",
		fmt.Sprintf("载荷 %d 字节超出 gas 上限 %d 的预算", size, gasLimit))
}

// SigningBackendError 身份/密钥派生后端错误
func SigningBackendError(err error, message string) *AgentError {
	return WrapError(err, ErrorTypeSigningBackend, SeverityHigh, "SIGNING_BACKEND_ERROR", message).
		WithComponent("address_resolver")
}

// SigningFailed 签名预言机错误
func SigningFailed(err error, reason string) *AgentError {
	return WrapError(err, ErrorTypeSigningFailed, SeverityHigh, "SIGNING_FAILED", reason).
		WithComponent("signer_gateway")
}

// ChainRPCError 链节点查询错误
func ChainRPCError(err error, reason string) *AgentError {
	return WrapError(err, ErrorTypeChainRPC, SeverityMedium, "CHAIN_RPC_ERROR", reason).
		WithComponent("chain_reader")
}

// BroadcastRejected 节点拒绝交易，节点消息原样保留在 Cause 中
func BroadcastRejected(err error) *AgentError {
	return WrapError(err, ErrorTypeBroadcastRejected, SeverityHigh, "BROADCAST_REJECTED", "节点拒绝交易").
		WithComponent("broadcaster")
}

// OracleUnavailable 价格接口不可用
func OracleUnavailable(err error, reason string) *AgentError {
	return WrapError(err, ErrorTypeOracleUnavailable, SeverityMedium, "ORACLE_UNAVAILABLE", reason).
		WithComponent("price_oracle")
}

// OracleMalformedResponse 价格接口响应无法解析
func OracleMalformedResponse(err error, reason string) *AgentError {
	return WrapError(err, ErrorTypeOracleMalformedResponse, SeverityMedium, "ORACLE_MALFORMED_RESPONSE", reason).
		WithComponent("price_oracle")
}

// ConfigInvalid 配置错误
func ConfigInvalid(message string) *AgentError {
	return NewAgentError(ErrorTypeConfig, SeverityCritical, "CONFIG_INVALID", message).
		WithComponent("config")
}

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeInvalidInput:            "InvalidInput",
	ErrorTypePayloadTooLarge:         "PayloadTooLarge",
	ErrorTypeSigningBackend:          "SigningBackendError",
	ErrorTypeSigningFailed:           "SigningFailed",
	ErrorTypeChainRPC:                "ChainRpcError",
	ErrorTypeBroadcastRejected:       "BroadcastRejected",
	ErrorTypeOracleUnavailable:       "OracleUnavailable",
	ErrorTypeOracleMalformedResponse: "OracleMalformedResponse",
	ErrorTypeConfig:                  "Config",
	ErrorTypeSystem:                  "System",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*AgentError         `json:"recent_errors"`
	LastError         *AgentError           `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*AgentError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *AgentError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0

	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	hours := duration.Hours()
	if hours == 0 {
		return float64(recentCount)
	}

	return float64(recentCount) / hours
}
