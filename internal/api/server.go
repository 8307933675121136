package api

import (
	"context"
	"crypto/subtle"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ethagent/internal/errors"
	"ethagent/internal/metrics"
	"ethagent/internal/outcall"
	"ethagent/internal/output"
	"ethagent/internal/shutdown"
	"ethagent/internal/validation"
	"ethagent/pkg/models"
)

// Operations 代理对外提供的操作
type Operations interface {
	GetAddress(ctx context.Context) (string, error)
	SendValue(ctx context.Context, to string, value uint64) (string, error)
	SendValueWithOraclePayload(ctx context.Context, to string, value uint64) (string, error)
	GetOraclePriceUSD(ctx context.Context) (string, error)
	SanitizeHTTPResponse(raw *outcall.RawResponse) models.CanonicalHTTPResponse
	ErrorSnapshot() map[string]interface{}
}

// History 事件日志查询
type History interface {
	List(limit int) ([]*models.PipelineEvent, error)
	Stats() (*output.JournalStats, error)
}

// Options 服务器选项
type Options struct {
	Host           string
	Port           int
	AuthToken      string   // 非空时 /api/v1 需要 Bearer 令牌
	AllowedOrigins []string // 跨域白名单，为空时不返回任何 CORS 头
	LogBufferSize  int
	Metrics        *metrics.Metrics
	Validator      *validation.Validator
	History        History
	Guard          *shutdown.Manager
	Settings       SettingsStore
	Nodes          NodeStats
}

// Server API服务器
type Server struct {
	ops        Operations
	opts       Options
	logger     *logrus.Logger
	logManager *LogManager
	validator  *validation.Validator
	origins    map[string]bool
	router     *gin.Engine
	server     *http.Server
	startedAt  time.Time
}

// NewServer 创建API服务器
func NewServer(ops Operations, opts Options, logger *logrus.Logger) *Server {
	logManager := NewLogManager(opts.LogBufferSize)
	logger.AddHook(NewLogHook(logManager, logrus.InfoLevel))

	s := &Server{
		ops:        ops,
		opts:       opts,
		logger:     logger,
		logManager: logManager,
		validator:  opts.Validator,
		origins:    make(map[string]bool, len(opts.AllowedOrigins)),
		startedAt:  time.Now(),
	}
	if s.validator == nil {
		s.validator = validation.NewValidator(logger, 0)
	}
	for _, origin := range opts.AllowedOrigins {
		s.origins[strings.TrimRight(origin, "/")] = true
	}
	if opts.AuthToken == "" {
		logger.Warn("API 未配置访问令牌，仅应监听本机地址")
	}
	s.router = s.buildRouter()
	return s
}

// Handler 返回 HTTP 处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

// LogManager 返回日志缓冲
func (s *Server) LogManager() *LogManager {
	return s.logManager
}

// Start 启动API服务器，阻塞直到服务器关闭
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("API服务器启动在 %s", addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止API服务器
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(s.cors())
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	if s.opts.Metrics != nil {
		router.Use(s.opts.Metrics.GinMiddleware())
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	router.GET("/health", s.healthCheck)

	api := router.Group("/api/v1", s.auth())
	{
		// 流水线操作
		ops := api.Group("", s.guard())
		ops.GET("/address", s.getAddress)
		ops.POST("/send", s.sendValue)
		ops.POST("/send-with-price", s.sendValueWithPrice)
		ops.GET("/price", s.getPrice)

		api.POST("/transform", s.transform)

		// 统计与审计
		api.GET("/stats", s.getStats)
		api.GET("/history", s.getHistory)

		// 日志管理
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)

		if s.opts.Nodes != nil {
			api.GET("/nodes", s.getNodes)
		}
		if s.opts.Settings != nil {
			api.GET("/settings", s.getSettings)
			api.PUT("/settings", s.updateSetting)
		}
	}

	return router
}

// requestLogger 请求日志中间件
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"component": "api",
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
		}).Debug("HTTP 请求")
	}
}

// cors 只对白名单内的来源返回跨域头，其他来源的预检请求直接拒绝
func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowed := origin != "" && s.origins[origin]
		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			if allowed {
				c.AbortWithStatus(http.StatusNoContent)
			} else {
				c.AbortWithStatus(http.StatusForbidden)
			}
			return
		}
		c.Next()
	}
}

// auth 校验 Bearer 令牌，未配置令牌时放行
func (s *Server) auth() gin.HandlerFunc {
	expected := []byte(s.opts.AuthToken)
	return func(c *gin.Context) {
		if len(expected) == 0 {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("UNAUTHORIZED", "缺少或无效的访问令牌", false))
			return
		}
		c.Next()
	}
}

// guard 停机开始后拒绝新的流水线调用
func (s *Server) guard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Guard == nil {
			c.Next()
			return
		}
		if !s.opts.Guard.Acquire() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody("SHUTTING_DOWN", "服务正在停机", false))
			return
		}
		defer s.opts.Guard.Release()
		c.Next()
	}
}

type sendRequest struct {
	To    string  `json:"to"`
	Value *uint64 `json:"value"`
}

type transformHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type transformRequest struct {
	Status  int               `json:"status"`
	Headers []transformHeader `json:"headers"`
	Body    string            `json:"body"`
}

func errorBody(code, message string, retryable bool) gin.H {
	return gin.H{"err": gin.H{
		"code":      code,
		"message":   message,
		"retryable": retryable,
	}}
}

// statusFor 错误类型到 HTTP 状态码
func statusFor(err *errors.AgentError) int {
	switch err.Type {
	case errors.ErrorTypeInvalidInput, errors.ErrorTypePayloadTooLarge:
		return http.StatusBadRequest
	case errors.ErrorTypeBroadcastRejected:
		return http.StatusConflict
	case errors.ErrorTypeSigningBackend, errors.ErrorTypeSigningFailed, errors.ErrorTypeChainRPC,
		errors.ErrorTypeOracleUnavailable, errors.ErrorTypeOracleMalformedResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respond(c *gin.Context, result string, err error) {
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"ok": result})
		return
	}

	agentErr, ok := errors.As(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, errorBody("UNKNOWN_ERROR", err.Error(), false))
		return
	}
	body := errorBody(agentErr.Code, agentErr.Reason(), agentErr.IsRetryable())
	body["err"].(gin.H)["type"] = agentErr.Type.String()
	c.JSON(statusFor(agentErr), body)
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	status := "healthy"
	if s.opts.Guard != nil && s.opts.Guard.IsShuttingDown() {
		status = "shutting_down"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"service":   "ethagent-api",
	})
}

func (s *Server) getAddress(c *gin.Context) {
	addr, err := s.ops.GetAddress(c.Request.Context())
	s.respond(c, addr, err)
}

func (s *Server) bindSend(c *gin.Context) (*sendRequest, bool) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", err.Error(), false))
		return nil, false
	}
	if req.Value == nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", "缺少 value 字段", false))
		return nil, false
	}
	if err := s.validator.ValidateSend(&validation.SendRequest{
		To:    req.To,
		Value: new(big.Int).SetUint64(*req.Value),
	}); err != nil {
		s.respond(c, "", err)
		return nil, false
	}
	return &req, true
}

func (s *Server) sendValue(c *gin.Context) {
	req, ok := s.bindSend(c)
	if !ok {
		return
	}
	hash, err := s.ops.SendValue(c.Request.Context(), req.To, *req.Value)
	s.respond(c, hash, err)
}

func (s *Server) sendValueWithPrice(c *gin.Context) {
	req, ok := s.bindSend(c)
	if !ok {
		return
	}
	hash, err := s.ops.SendValueWithOraclePayload(c.Request.Context(), req.To, *req.Value)
	s.respond(c, hash, err)
}

func (s *Server) getPrice(c *gin.Context) {
	price, err := s.ops.GetOraclePriceUSD(c.Request.Context())
	s.respond(c, price, err)
}

// transform 对调用方提交的响应做确定性规范化
func (s *Server) transform(c *gin.Context) {
	var req transformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", err.Error(), false))
		return
	}

	raw := &outcall.RawResponse{Status: req.Status, Body: []byte(req.Body)}
	for _, h := range req.Headers {
		raw.Headers = append(raw.Headers, outcall.Header{Name: h.Name, Value: h.Value})
	}

	canonical := s.ops.SanitizeHTTPResponse(raw)
	c.JSON(http.StatusOK, gin.H{"ok": gin.H{
		"status": canonical.Status,
		"body":   string(canonical.Body),
	}})
}

// getStats 获取统计信息
func (s *Server) getStats(c *gin.Context) {
	stats := gin.H{
		"uptime":     time.Since(s.startedAt).String(),
		"errors":     s.ops.ErrorSnapshot(),
		"validation": s.validator.GetValidationStats(),
	}
	if s.opts.Guard != nil {
		stats["active_runs"] = s.opts.Guard.Active()
	}
	if s.opts.History != nil {
		journal, err := s.opts.History.Stats()
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody("JOURNAL_ERROR", err.Error(), false))
			return
		}
		stats["runs"] = journal
	}
	c.JSON(http.StatusOK, stats)
}

// getHistory 最近的流水线事件
func (s *Server) getHistory(c *gin.Context) {
	if s.opts.History == nil {
		c.JSON(http.StatusNotFound, errorBody("JOURNAL_DISABLED", "未启用本地事件日志", false))
		return
	}

	limit := 20
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}

	events, err := s.opts.History.List(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("JOURNAL_ERROR", err.Error(), false))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	filter := LogFilter{Level: c.Query("level"), RunID: c.Query("run_id")}
	logs, total := s.logManager.Query(filter, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    filter.Level,
		"run_id":   filter.RunID,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}
