package connection

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"ethagent/internal/config"
	"ethagent/internal/retry"
)

// DialFunc 建立 RPC 连接
type DialFunc func(ctx context.Context, url string) (*rpc.Client, error)

// Pool 链节点连接池
//
// 按优先级选择健康节点。选择节点不是重试：一次失败的调用不会换节点重发。
type Pool struct {
	nodes       []*NodeHandle
	chainID     *big.Int
	retrier     *retry.Retrier
	dial        DialFunc
	logger      *logrus.Logger
	mu          sync.RWMutex
	healthCheck time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NodeHandle 单个节点的连接与健康状态
type NodeHandle struct {
	config    *config.NodeConfig
	client    *rpc.Client
	isHealthy bool
	lastCheck time.Time
	lastErr   error
}

// NewPool 创建连接池
func NewPool(nodes []*config.NodeConfig, chainID *big.Int, retrier *retry.Retrier, logger *logrus.Logger) *Pool {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if retrier == nil {
		retrier = retry.NewRetrier(retry.DialRetryConfig(), logger)
	}

	handles := make([]*NodeHandle, 0, len(nodes))
	for _, n := range nodes {
		handles = append(handles, &NodeHandle{config: n})
	}
	sort.SliceStable(handles, func(i, j int) bool {
		return handles[i].config.Priority < handles[j].config.Priority
	})

	return &Pool{
		nodes:       handles,
		chainID:     new(big.Int).Set(chainID),
		retrier:     retrier,
		dial:        rpc.DialContext,
		logger:      logger,
		healthCheck: 30 * time.Second,
		stopCh:      make(chan struct{}),
	}
}

// WithDialer 替换拨号函数
func (p *Pool) WithDialer(dial DialFunc) *Pool {
	p.dial = dial
	return p
}

// WithHealthCheckInterval 设置健康检查间隔
func (p *Pool) WithHealthCheckInterval(interval time.Duration) *Pool {
	if interval > 0 {
		p.healthCheck = interval
	}
	return p
}

// Initialize 拨号所有节点并校验链ID，链ID不一致的节点被拒绝
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ready := 0
	for _, node := range p.nodes {
		var client *rpc.Client
		err := p.retrier.Execute(ctx, "dial_"+node.config.Name, func(ctx context.Context) error {
			c, err := p.dial(ctx, node.config.URL)
			if err != nil {
				return err
			}
			if err := verifyChainID(ctx, c, p.chainID); err != nil {
				c.Close()
				return err
			}
			client = c
			return nil
		})
		if err != nil {
			node.lastErr = err
			p.logger.Warnf("初始化节点 %s 失败: %v", node.config.Name, err)
			continue
		}

		node.client = client
		node.isHealthy = true
		node.lastCheck = time.Now()
		ready++
		p.logger.Infof("节点 %s 已连接", node.config.Name)
	}

	if ready == 0 {
		return fmt.Errorf("没有可用的链节点")
	}
	return nil
}

// verifyChainID 校验节点链ID
func verifyChainID(ctx context.Context, client *rpc.Client, expected *big.Int) error {
	var id hexutil.Big
	if err := client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return fmt.Errorf("查询链ID失败: %w", err)
	}
	if id.ToInt().Cmp(expected) != 0 {
		return retry.Permanent(fmt.Errorf("节点链ID %s 与配置 %s 不一致", id.ToInt(), expected))
	}
	return nil
}

// Client 返回优先级最高的健康节点
func (p *Pool) Client() (*rpc.Client, string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, node := range p.nodes {
		if node.client != nil && node.isHealthy {
			return node.client, node.config.Name, nil
		}
	}
	return nil, "", fmt.Errorf("没有可用的健康节点")
}

// StartHealthCheck 启动后台健康检查
func (p *Pool) StartHealthCheck() {
	p.wg.Add(1)
	go p.healthChecker()
}

// healthChecker 健康检查器
func (p *Pool) healthChecker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.healthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.healthCheck/2)
			p.CheckHealth(ctx)
			cancel()
		case <-p.stopCh:
			return
		}
	}
}

// CheckHealth 检查所有已连接节点
func (p *Pool) CheckHealth(ctx context.Context) {
	p.mu.RLock()
	nodes := make([]*NodeHandle, len(p.nodes))
	copy(nodes, p.nodes)
	p.mu.RUnlock()

	for _, node := range nodes {
		if node.client == nil {
			continue
		}

		err := verifyChainID(ctx, node.client, p.chainID)

		p.mu.Lock()
		wasHealthy := node.isHealthy
		node.isHealthy = err == nil
		node.lastErr = err
		node.lastCheck = time.Now()
		p.mu.Unlock()

		switch {
		case err != nil && wasHealthy:
			p.logger.Warnf("节点 %s 健康检查失败: %v", node.config.Name, err)
		case err == nil && !wasHealthy:
			p.logger.Infof("节点 %s 已恢复", node.config.Name)
		case err == nil:
			p.logger.Debugf("节点 %s 健康检查通过", node.config.Name)
		}
	}
}

// GetStats 获取连接池统计信息
func (p *Pool) GetStats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make(map[string]interface{})
	for _, node := range p.nodes {
		nodeStats := map[string]interface{}{
			"priority":   node.config.Priority,
			"connected":  node.client != nil,
			"is_healthy": node.isHealthy,
		}
		if !node.lastCheck.IsZero() {
			nodeStats["last_check"] = node.lastCheck.Format(time.RFC3339)
		}
		if node.lastErr != nil {
			nodeStats["last_error"] = node.lastErr.Error()
		}
		stats[node.config.Name] = nodeStats
	}
	return stats
}

// Close 关闭连接池
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, node := range p.nodes {
		if node.client != nil {
			node.client.Close()
			node.client = nil
		}
		node.isHealthy = false
	}

	p.logger.Info("连接池已关闭")
	return nil
}
