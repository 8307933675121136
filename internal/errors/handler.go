package errors

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器
//
// 只负责统计、日志和回调，不做任何重试：流水线失败后由调用方决定是否重新发起。
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex

	// 错误处理策略
	strategies map[ErrorType]ErrorStrategy

	// 错误回调
	callbacks []ErrorCallback

	// 阈值设置
	thresholds map[ErrorSeverity]ThresholdConfig
}

// ErrorStrategy 错误处理策略
type ErrorStrategy interface {
	Handle(ctx context.Context, err *AgentError) error
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *AgentError)

// ThresholdConfig 阈值配置
type ThresholdConfig struct {
	MaxErrorsPerHour int `json:"max_errors_per_hour"`
}

// LoggingStrategy 日志记录策略
type LoggingStrategy struct {
	logger *logrus.Logger
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	eh := &ErrorHandler{
		logger:     logger,
		stats:      NewErrorStats(),
		strategies: make(map[ErrorType]ErrorStrategy),
		callbacks:  make([]ErrorCallback, 0),
		thresholds: make(map[ErrorSeverity]ThresholdConfig),
	}

	loggingStrategy := &LoggingStrategy{logger: logger}
	for errorType := range errorTypeNames {
		eh.strategies[errorType] = loggingStrategy
	}

	eh.thresholds[SeverityLow] = ThresholdConfig{MaxErrorsPerHour: 1000}
	eh.thresholds[SeverityMedium] = ThresholdConfig{MaxErrorsPerHour: 200}
	eh.thresholds[SeverityHigh] = ThresholdConfig{MaxErrorsPerHour: 50}
	eh.thresholds[SeverityCritical] = ThresholdConfig{MaxErrorsPerHour: 5}

	return eh
}

// HandleError 处理错误，返回值始终是传入错误对应的 AgentError
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	agentErr, ok := As(err)
	if !ok {
		// 包装普通错误
		agentErr = WrapError(err, ErrorTypeSystem, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
	}

	eh.recordError(agentErr)

	if eh.checkThresholds(agentErr) {
		eh.logger.Warnf("错误达到阈值限制: %s", agentErr.Error())
	}

	eh.executeCallbacks(agentErr)

	return eh.executeStrategy(ctx, agentErr)
}

// recordError 记录错误
func (eh *ErrorHandler) recordError(err *AgentError) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats.RecordError(err)
}

// checkThresholds 检查阈值
func (eh *ErrorHandler) checkThresholds(err *AgentError) bool {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	threshold, exists := eh.thresholds[err.Severity]
	if !exists {
		return false
	}

	hourlyRate := eh.stats.GetErrorRate(time.Hour)
	return hourlyRate > float64(threshold.MaxErrorsPerHour)
}

// executeCallbacks 执行错误回调
func (eh *ErrorHandler) executeCallbacks(err *AgentError) {
	eh.mu.RLock()
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.RUnlock()

	for _, callback := range callbacks {
		func(cb ErrorCallback) {
			defer func() {
				if r := recover(); r != nil {
					eh.logger.Errorf("错误回调执行时发生panic: %v", r)
				}
			}()
			cb(err)
		}(callback)
	}
}

// executeStrategy 执行处理策略
func (eh *ErrorHandler) executeStrategy(ctx context.Context, err *AgentError) error {
	eh.mu.RLock()
	strategy, exists := eh.strategies[err.Type]
	eh.mu.RUnlock()
	if !exists {
		strategy = &LoggingStrategy{logger: eh.logger}
	}

	return strategy.Handle(ctx, err)
}

// Handle 实现LoggingStrategy的处理方法
func (ls *LoggingStrategy) Handle(ctx context.Context, err *AgentError) error {
	fields := logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
	}
	if err.TxHash != nil {
		fields["tx_hash"] = *err.TxHash
	}
	for k, v := range err.Context {
		fields[k] = v
	}
	logEntry := ls.logger.WithContext(ctx).WithFields(fields)

	// 严重级别最高只记录 Error，进程不能因单次调用失败而退出
	switch err.Severity {
	case SeverityLow:
		logEntry.Debug(err.Reason())
	case SeverityMedium:
		logEntry.Warn(err.Reason())
	default:
		logEntry.Error(err.Reason())
	}

	return err
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// Snapshot 获取统计信息摘要
func (eh *ErrorHandler) Snapshot() map[string]interface{} {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	byType := make(map[string]int, len(eh.stats.ErrorsByType))
	for t, n := range eh.stats.ErrorsByType {
		byType[t.String()] = n
	}
	bySeverity := make(map[string]int, len(eh.stats.ErrorsBySeverity))
	for s, n := range eh.stats.ErrorsBySeverity {
		bySeverity[s.String()] = n
	}
	byComponent := make(map[string]int, len(eh.stats.ErrorsByComponent))
	for c, n := range eh.stats.ErrorsByComponent {
		byComponent[c] = n
	}

	snapshot := map[string]interface{}{
		"total_errors":        eh.stats.TotalErrors,
		"errors_by_type":      byType,
		"errors_by_severity":  bySeverity,
		"errors_by_component": byComponent,
		"errors_last_hour":    eh.stats.GetErrorRate(time.Hour),
	}
	if eh.stats.LastError != nil {
		snapshot["last_error"] = eh.stats.LastError.Error()
		snapshot["last_error_time"] = eh.stats.LastErrorTime.Format(time.RFC3339)
	}
	return snapshot
}

// TotalErrors 错误总数
func (eh *ErrorHandler) TotalErrors() int {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	return eh.stats.TotalErrors
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}
