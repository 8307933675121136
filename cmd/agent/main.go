package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ethagent/internal/app"
	"ethagent/internal/config"
	"ethagent/internal/errors"
	"ethagent/internal/logging"
	"ethagent/internal/outcall"
	"ethagent/internal/output"
	"ethagent/internal/signer"
)

var (
	configFile string
	verbose    bool

	// 转账参数
	to    string
	value uint64

	// 查询参数
	limit int

	// 规范化参数
	inputFile string
	status    int

	// 开发签名服务参数
	listenAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "agent",
		Short:         "门限签名以太坊代理",
		Long:          `由身份派生地址、通过门限签名服务签名并广播以太坊交易的无状态代理`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	addressCmd := &cobra.Command{
		Use:   "address",
		Short: "查询代理的以太坊地址",
		RunE: withAgent(func(ctx context.Context, a *app.App) (string, error) {
			return a.Agent.GetAddress(ctx)
		}),
	}

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "发送原生代币转账",
		RunE: withAgent(func(ctx context.Context, a *app.App) (string, error) {
			return a.Agent.SendValue(ctx, to, value)
		}),
	}

	sendWithPriceCmd := &cobra.Command{
		Use:   "send-with-price",
		Short: "发送携带 ETH/USD 报价的转账",
		RunE: withAgent(func(ctx context.Context, a *app.App) (string, error) {
			return a.Agent.SendValueWithOraclePayload(ctx, to, value)
		}),
	}

	for _, cmd := range []*cobra.Command{sendCmd, sendWithPriceCmd} {
		cmd.Flags().StringVar(&to, "to", "", "收款地址（0x 前缀可选）")
		cmd.Flags().Uint64Var(&value, "value", 0, "转账金额（wei）")
		_ = cmd.MarkFlagRequired("to")
		_ = cmd.MarkFlagRequired("value")
	}

	priceCmd := &cobra.Command{
		Use:   "price",
		Short: "查询 ETH/USD 报价",
		RunE: withAgent(func(ctx context.Context, a *app.App) (string, error) {
			return a.Agent.GetOraclePriceUSD(ctx)
		}),
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "查看本地事件日志",
		RunE:  showHistory,
	}
	historyCmd.Flags().IntVar(&limit, "limit", 20, "显示条数")

	transformCmd := &cobra.Command{
		Use:   "transform",
		Short: "规范化 HTTP 响应体（从文件或标准输入读取）",
		RunE:  runTransform,
	}
	transformCmd.Flags().StringVar(&inputFile, "file", "-", "响应体文件，- 表示标准输入")
	transformCmd.Flags().IntVar(&status, "status", 200, "HTTP 状态码")

	devSignerCmd := &cobra.Command{
		Use:   "dev-signer",
		Short: "以 JSON-RPC 方式提供本地开发签名服务",
		Long:  `使用 signer.dev_seed 派生测试密钥，提供 tsig 命名空间接口，供 remote 模式联调，禁止用于生产`,
		RunE:  runDevSigner,
	}
	devSignerCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:9545", "监听地址")

	rootCmd.AddCommand(addressCmd, sendCmd, sendWithPriceCmd, priceCmd, historyCmd, transformCmd, devSignerCmd)

	if err := rootCmd.Execute(); err != nil {
		if agentErr, ok := errors.As(err); ok {
			fmt.Fprintf(os.Stderr, "执行失败 [%s]: %s\n", agentErr.Code, agentErr.Reason())
		} else {
			fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		}
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}

	logCfg := cfg.Logging
	if verbose {
		logCfg.Level = "debug"
	}
	// 结果写到标准输出，日志改走标准错误
	if logCfg.Output == "" || logCfg.Output == "stdout" {
		logCfg.Output = "stderr"
	}
	logger, err := logging.NewLogger(&logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, nil
}

// withAgent 组装代理，执行一次操作后打印结果
func withAgent(op func(ctx context.Context, a *app.App) (string, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, logger, app.Options{Registerer: prometheus.NewRegistry()})
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := op(ctx, a)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result)
		return nil
	}
}

// showHistory 直接读取本地事件日志，不连接节点和签名服务
func showHistory(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	journal, err := output.NewJournalSink(cfg.Output.JournalPath, logger)
	if err != nil {
		return err
	}
	defer journal.Close()

	stats, err := journal.Stats()
	if err != nil {
		return err
	}
	events, err := journal.List(limit)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "总运行: %d  成功: %d  失败: %d\n", stats.TotalRuns, stats.SucceededRuns, stats.FailedRuns)
	fmt.Fprintln(w, strings.Repeat("=", 50))
	for _, e := range events {
		line := fmt.Sprintf("%s  %-32s %-8s %s", e.StartedAt.Format("2006-01-02 15:04:05"), e.Operation, e.FinalState, e.RunID)
		if e.TxHash != "" {
			line += "  tx=" + e.TxHash
		}
		if e.ErrorCode != "" {
			line += "  err=" + e.ErrorCode
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

// runTransform 对响应体做确定性规范化，输出 JSON
func runTransform(cmd *cobra.Command, args []string) error {
	// 纯函数，不要求配置完整，配置可用时使用其中的易变字段
	var volatile []string
	if cfg, err := config.LoadConfig(configFile); err == nil {
		volatile = cfg.Oracle.VolatileFields
	}

	var r io.Reader = cmd.InOrStdin()
	if inputFile != "-" {
		f, err := os.Open(inputFile)
		if err != nil {
			return fmt.Errorf("打开文件失败: %w", err)
		}
		defer f.Close()
		r = f
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("读取响应体失败: %w", err)
	}

	canonical := outcall.NewSanitizer(volatile).Canonicalize(&outcall.RawResponse{
		Status: status,
		Body:   body,
	})

	out, err := json.Marshal(struct {
		Status int    `json:"status"`
		Body   string `json:"body"`
	}{canonical.Status, string(canonical.Body)})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// runDevSigner 运行开发签名服务直到收到退出信号
func runDevSigner(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	backend, err := signer.NewDevSigner(cfg.Signer.DevSeed)
	if err != nil {
		return err
	}
	rpcServer, err := signer.NewRPCServer(backend)
	if err != nil {
		return err
	}
	defer rpcServer.Stop()

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           rpcServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.Warnf("开发签名服务已启动: %s，禁止用于生产环境", listenAddr)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("签名服务异常退出: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
