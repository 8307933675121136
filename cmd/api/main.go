package main

import (
	"flag"

	"github.com/sirupsen/logrus"

	"ethagent/internal/api"
	"ethagent/internal/app"
	"ethagent/internal/config"
	"ethagent/internal/logging"
	"ethagent/internal/shutdown"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	host       = flag.String("host", "", "监听地址，为空表示使用配置文件中的地址")
	port       = flag.Int("port", 0, "API 服务端口，0 表示使用配置文件中的端口")
	verbose    = flag.Bool("verbose", false, "详细输出")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}

	logCfg := cfg.Logging
	if *verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.NewLogger(&logCfg)
	if err != nil {
		logrus.Fatalf("初始化日志失败: %v", err)
	}

	if *host != "" {
		cfg.API.Host = *host
	}
	if *port > 0 {
		cfg.API.Port = *port
	}

	guard := shutdown.NewManager(0, logger)

	agentApp, err := app.New(guard.Context(), cfg, logger, app.Options{})
	if err != nil {
		logger.Fatalf("初始化代理失败: %v", err)
	}

	opts := api.Options{
		Host:           cfg.API.Host,
		Port:           cfg.API.Port,
		AuthToken:      cfg.API.AuthToken,
		AllowedOrigins: cfg.API.AllowedOrigins,
		LogBufferSize:  cfg.API.LogBufferSize,
		Metrics:        agentApp.Metrics,
		Validator:      agentApp.Validator,
		Guard:          guard,
		Nodes:          agentApp.Pool,
	}
	if journal := agentApp.Journal(); journal != nil {
		opts.History = journal
	}
	if agentApp.Settings != nil {
		opts.Settings = agentApp.Settings
	}
	server := api.NewServer(agentApp.Agent, opts, logger)

	guard.Register("http_server", shutdown.OrderStopAcceptingRuns, server.Stop)
	guard.Register("drain_runs", shutdown.OrderDrainRuns, guard.Drain)
	agentApp.RegisterShutdown(guard)
	guard.Listen()

	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("API服务器异常退出: %v", err)
			guard.Shutdown()
		}
	}()

	<-guard.Done()
	logger.WithFields(logrus.Fields{"host": cfg.API.Host, "port": cfg.API.Port}).Info("服务器已关闭")
}
