package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopAcceptingRuns = 10 // 停止接受新的流水线调用
	OrderDrainRuns         = 20 // 等待进行中的流水线结束
	OrderCloseSinks        = 30 // 刷新并关闭事件输出端
	OrderCloseConnections  = 40 // 关闭节点、签名服务和数据库连接
)

// Hook 停机处理函数
type Hook struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// Manager 优雅停机管理器
//
// 进行中的流水线运行不会被中断：签名之后的广播一旦开始就必须等它返回，否则调用方无法知道交易是否已提交。
type Manager struct {
	logger  *logrus.Logger
	timeout time.Duration
	hooks   []Hook

	signals chan os.Signal
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu           sync.Mutex
	shuttingDown bool
	inflight     sync.WaitGroup
	active       int
}

// NewManager 创建停机管理器
func NewManager(timeout time.Duration, logger *logrus.Logger) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:  logger,
		timeout: timeout,
		signals: make(chan os.Signal, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Register 注册停机处理函数
func (m *Manager) Register(name string, order int, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Func: fn, Order: order})
	m.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Listen 监听 SIGINT/SIGTERM/SIGQUIT，收到信号后执行停机
func (m *Manager) Listen() {
	signal.Notify(m.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-m.signals:
			m.logger.Infof("收到停机信号: %v", sig)
			m.Shutdown()
		case <-m.done:
		}
	}()
	m.logger.Info("停机管理器已启动，监听信号: SIGINT, SIGTERM, SIGQUIT")
}

// Context 停机开始后被取消
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Done 停机流程完成后关闭
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Acquire 登记一次流水线运行，停机开始后返回 false
func (m *Manager) Acquire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown {
		return false
	}
	m.inflight.Add(1)
	m.active++
	return true
}

// Release 结束一次流水线运行
func (m *Manager) Release() {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
	m.inflight.Done()
}

// Active 进行中的运行数
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Drain 等待进行中的运行结束
func (m *Manager) Drain(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("仍有 %d 个运行未结束: %w", m.Active(), ctx.Err())
	}
}

// IsShuttingDown 是否正在停机
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// Shutdown 执行停机，只会执行一次
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		m.logger.Warn("停机过程已在进行中")
		return
	}
	m.shuttingDown = true
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	signal.Stop(m.signals)
	defer close(m.done)

	m.logger.Info("开始优雅停机流程...")
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })

	failed := 0
	for _, hook := range hooks {
		start := time.Now()
		if err := hook.Func(ctx); err != nil {
			failed++
			m.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", hook.Name, time.Since(start), err)
		} else {
			m.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", hook.Name, time.Since(start))
		}

		if ctx.Err() != nil {
			m.logger.Warn("停机超时，跳过剩余处理")
			break
		}
	}

	m.cancel()
	if failed > 0 {
		m.logger.Errorf("停机过程中发生 %d 个错误", failed)
	}
	m.logger.Info("优雅停机流程完成")
}
