// Package app 按配置组装代理的全部组件
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"ethagent/internal/chain"
	"ethagent/internal/config"
	"ethagent/internal/connection"
	"ethagent/internal/errors"
	"ethagent/internal/metrics"
	"ethagent/internal/oracle"
	"ethagent/internal/outcall"
	"ethagent/internal/output"
	"ethagent/internal/pipeline"
	"ethagent/internal/retry"
	"ethagent/internal/shutdown"
	"ethagent/internal/signer"
	"ethagent/internal/txbuilder"
	"ethagent/internal/validation"
	"ethagent/pkg/models"
)

// Options 组装选项，零值表示按配置创建
type Options struct {
	Registerer prometheus.Registerer
	Dialer     connection.DialFunc
	Signer     signer.ThresholdSigner
	HTTPClient *http.Client
	Observer   pipeline.Observer
}

type closer struct {
	name  string
	order int
	fn    func() error
}

// App 组装完成的代理
type App struct {
	Config    *config.Config
	Logger    *logrus.Logger
	Agent     *pipeline.Agent
	Pool      *connection.Pool
	Sink      *output.MultiSink
	Metrics   *metrics.Metrics
	Validator *validation.Validator
	Settings  *config.DatabaseConfig

	closers []closer
}

// New 按配置创建全部组件，任一步失败都会释放已创建的资源
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	identity, err := models.ParseAgentIdentity(cfg.Agent.Identity)
	if err != nil {
		return nil, errors.ConfigInvalid(fmt.Sprintf("agent.identity 无效: %v", err))
	}

	chainID := cfg.Chain.ChainIDBig()
	chainTimeout := config.Duration(cfg.Chain.CallTimeout, 15*time.Second)
	signerTimeout := config.Duration(cfg.Signer.CallTimeout, 30*time.Second)
	retrier := retry.NewRetrier(retry.DialRetryConfig(), logger)

	// 链节点
	a.Pool = connection.NewPool(cfg.Chain.Nodes, chainID, retrier, logger).
		WithHealthCheckInterval(config.Duration(cfg.Chain.HealthCheckInterval, 30*time.Second))
	if opts.Dialer != nil {
		a.Pool.WithDialer(opts.Dialer)
	}
	if err := a.Pool.Initialize(ctx); err != nil {
		return nil, err
	}
	a.Pool.StartHealthCheck()
	a.addCloser("chain_pool", shutdown.OrderCloseConnections, a.Pool.Close)
	nodeClient := chain.NewNodeClient(a.Pool, chainTimeout, logger)

	// 签名服务
	backend, err := a.buildSigner(ctx, cfg.Signer, retrier, opts)
	if err != nil {
		return nil, err
	}

	// 价格预言机
	httpClient := outcall.NewClient(outcall.ClientConfig{
		Timeout:  config.Duration(cfg.Oracle.Timeout, 10*time.Second),
		Replicas: cfg.Oracle.Replicas,
	}, logger)
	if opts.HTTPClient != nil {
		httpClient.WithHTTPClient(opts.HTTPClient)
	}
	sanitizer := outcall.NewSanitizer(cfg.Oracle.VolatileFields)
	priceOracle := oracle.NewClient(oracle.Config{
		URL:              cfg.Oracle.URL,
		APIKey:           cfg.Oracle.APIKey,
		APIKeyHeader:     cfg.Oracle.APIKeyHeader,
		Symbol:           cfg.Oracle.Symbol,
		Timeout:          config.Duration(cfg.Oracle.Timeout, 10*time.Second),
		MaxResponseBytes: cfg.Oracle.MaxResponseBytes,
		VolatileFields:   cfg.Oracle.VolatileFields,
	}, httpClient, logger)

	builder, err := txbuilder.NewBuilder(txbuilder.Config{
		ChainID:          chainID,
		TransferGasLimit: cfg.Gas.TransferGasLimit,
		TransferGasPrice: cfg.Gas.TransferGasPriceWei(),
		PayloadGasLimit:  cfg.Gas.PayloadGasLimit,
	})
	if err != nil {
		return nil, errors.ConfigInvalid(err.Error())
	}
	a.Validator = validation.NewValidator(logger, cfg.Gas.PayloadGasLimit)

	// 事件输出
	sink, err := output.NewSink(cfg.Output, logger)
	if err != nil {
		return nil, err
	}
	a.Sink = sink
	a.addCloser("event_sinks", shutdown.OrderCloseSinks, a.Sink.Close)

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a.Metrics = metrics.New(reg)

	var costHint *uint64
	if cfg.Agent.SignCostHint > 0 {
		hint := cfg.Agent.SignCostHint
		costHint = &hint
	}

	agent, err := pipeline.NewAgent(pipeline.Options{
		Identity:      identity,
		KeyName:       cfg.Agent.KeyName,
		SignCostHint:  costHint,
		ChainTimeout:  chainTimeout,
		SignerTimeout: signerTimeout,
		Observer:      opts.Observer,
	}, pipeline.Deps{
		Resolver:     signer.NewResolver(backend),
		Reader:       nodeClient,
		Oracle:       priceOracle,
		Builder:      builder,
		Signer:       signer.NewGateway(backend, chainID, logger),
		Broadcaster:  nodeClient,
		Sanitizer:    sanitizer,
		Validator:    a.Validator,
		Sink:         a.Sink,
		Metrics:      a.Metrics,
		ErrorHandler: errors.NewErrorHandler(logger),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	a.Agent = agent

	// 运行时配置管理，仅在配置了数据库时可用
	if dsn := os.Getenv(config.EnvDBDSN); dsn != "" {
		if a.Settings, err = config.NewDatabaseConfig(dsn, logger); err != nil {
			return nil, err
		}
		a.addCloser("settings_db", shutdown.OrderCloseConnections, a.Settings.Close)
	}

	logger.WithFields(logrus.Fields{
		"chain_id":    chainID.String(),
		"signer_mode": cfg.Signer.Mode,
		"key_name":    cfg.Agent.KeyName,
		"output":      cfg.Output.Format,
	}).Info("代理组件初始化完成")
	ready = true
	return a, nil
}

func (a *App) buildSigner(ctx context.Context, cfg config.SignerConfig, retrier *retry.Retrier, opts Options) (signer.ThresholdSigner, error) {
	if opts.Signer != nil {
		return opts.Signer, nil
	}

	switch cfg.Mode {
	case "dev":
		a.Logger.Warn("使用开发签名器，私钥由种子在本地派生，禁止用于生产环境")
		return signer.NewDevSigner(cfg.DevSeed)
	case "remote":
		remote, err := signer.DialRemoteSigner(ctx, cfg.URL, retrier, a.Logger)
		if err != nil {
			return nil, errors.SigningBackendError(err, "连接签名服务失败")
		}
		a.addCloser("remote_signer", shutdown.OrderCloseConnections, func() error {
			remote.Close()
			return nil
		})
		return remote, nil
	default:
		return nil, errors.ConfigInvalid(fmt.Sprintf("不支持的签名模式: %s", cfg.Mode))
	}
}

func (a *App) addCloser(name string, order int, fn func() error) {
	a.closers = append(a.closers, closer{name: name, order: order, fn: fn})
}

// Journal 本地事件日志，未启用时为 nil
func (a *App) Journal() *output.JournalSink {
	if a.Sink == nil {
		return nil
	}
	return a.Sink.Journal()
}

// RegisterShutdown 把资源释放交给停机管理器，之后 Close 不再重复释放
func (a *App) RegisterShutdown(m *shutdown.Manager) {
	for _, c := range a.closers {
		fn := c.fn
		m.Register(c.name, c.order, func(context.Context) error { return fn() })
	}
	a.closers = nil
}

// Close 按创建的逆序释放资源
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].fn(); err != nil {
			a.Logger.Warnf("关闭 %s 失败: %v", a.closers[i].name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	a.closers = nil
	return firstErr
}
