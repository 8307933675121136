package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 流水线监控指标
type Metrics struct {
	// RunsTotal 按操作和结果统计的运行次数
	RunsTotal *prometheus.CounterVec
	// RunDuration 单次运行耗时
	RunDuration *prometheus.HistogramVec
	// StageDuration 各阶段远程调用耗时
	StageDuration *prometheus.HistogramVec
	// ErrorsTotal 按错误码统计
	ErrorsTotal *prometheus.CounterVec
	// HTTPRequestsTotal HTTP 请求总量
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestDuration HTTP 请求耗时
	HTTPRequestDuration *prometheus.HistogramVec
}

// New 在给定注册表上创建指标，reg 为 nil 时使用独立注册表
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ethagent_pipeline_runs_total",
			Help: "Total number of pipeline runs.",
		}, []string{"operation", "result"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ethagent_pipeline_run_duration_seconds",
			Help:    "Pipeline run latency distributions.",
			Buckets: []float64{0.1, 0.3, 0.5, 1.0, 2.0, 5.0, 15.0, 30.0},
		}, []string{"operation"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ethagent_pipeline_stage_duration_seconds",
			Help:    "Latency of each remote call made by the pipeline.",
			Buckets: []float64{0.05, 0.1, 0.3, 0.5, 1.0, 2.0, 5.0},
		}, []string{"stage"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ethagent_pipeline_errors_total",
			Help: "Total number of failed pipeline runs by error code.",
		}, []string{"operation", "code"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ethagent_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ethagent_http_request_duration_seconds",
			Help:    "HTTP request latency distributions.",
			Buckets: []float64{0.1, 0.3, 0.5, 1.0, 2.0, 5.0},
		}, []string{"method", "path"}),
	}
}

// ObserveRun 记录一次运行结果
func (m *Metrics) ObserveRun(operation, errorCode string, duration time.Duration) {
	result := "success"
	if errorCode != "" {
		result = "failure"
		m.ErrorsTotal.WithLabelValues(operation, errorCode).Inc()
	}
	m.RunsTotal.WithLabelValues(operation, result).Inc()
	m.RunDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveStage 记录一次远程调用耗时
func (m *Metrics) ObserveStage(stage string, duration time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// GinMiddleware 记录 HTTP 请求指标
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath() // 使用路由模板而不是具体路径

		c.Next()

		if path == "" { // 忽略未匹配路由
			return
		}
		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
