package output

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"ethagent/pkg/models"
)

// DefaultFileDir 默认事件文件目录
const DefaultFileDir = "./data/events"

// FileSink 异步 JSONL 事件文件，后台批量刷盘
type FileSink struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	logger *logrus.Logger

	eventChan chan *models.PipelineEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu 保证关闭后不再入队，关闭前入队的事件都会被写入
	mu     sync.RWMutex
	closed bool

	batchSize     int
	flushInterval time.Duration
	written       atomic.Uint64
	dropped       atomic.Uint64
}

// NewFileSink 在目录下创建带时间戳的事件文件并启动写入器
func NewFileSink(dir string, logger *logrus.Logger) (*FileSink, error) {
	return newFileSink(dir, 1000, 100, time.Second, logger)
}

func newFileSink(dir string, queueSize, batchSize int, flushInterval time.Duration, logger *logrus.Logger) (*FileSink, error) {
	if dir == "" {
		dir = DefaultFileDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("events_%s.jsonl", time.Now().Format("20060102_150405")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("创建文件 %s 失败: %w", path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &FileSink{
		path:          path,
		file:          file,
		writer:        bufio.NewWriter(file),
		logger:        logger,
		eventChan:     make(chan *models.PipelineEvent, queueSize),
		ctx:           ctx,
		cancel:        cancel,
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}

	f.wg.Add(1)
	go f.eventWriter()

	logger.Infof("事件文件输出已初始化: %s", path)
	return f, nil
}

// Path 当前写入的文件路径
func (f *FileSink) Path() string {
	return f.path
}

// WriteEvent 入队，队列满时丢弃并返回错误
func (f *FileSink) WriteEvent(event *models.PipelineEvent) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return fmt.Errorf("输出器已关闭")
	}
	select {
	case f.eventChan <- event:
		return nil
	default:
		f.dropped.Add(1)
		return fmt.Errorf("事件通道已满，丢弃运行 %s", event.RunID)
	}
}

func (f *FileSink) eventWriter() {
	defer f.wg.Done()

	pending := 0
	ticker := time.NewTicker(f.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-f.eventChan:
			f.encode(event)
			pending++
			if pending >= f.batchSize {
				f.flush()
				pending = 0
			}

		case <-ticker.C:
			if pending > 0 {
				f.flush()
				pending = 0
			}

		case <-f.ctx.Done():
			// 写完队列中剩余的事件
			for {
				select {
				case event := <-f.eventChan:
					f.encode(event)
				default:
					f.flush()
					return
				}
			}
		}
	}
}

func (f *FileSink) encode(event *models.PipelineEvent) {
	if event == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		f.dropped.Add(1)
		f.logger.WithError(err).WithField("run_id", event.RunID).Error("序列化事件失败")
		return
	}
	data = append(data, '\n')
	if _, err := f.writer.Write(data); err != nil {
		f.dropped.Add(1)
		f.logger.WithError(err).WithField("run_id", event.RunID).Error("写入事件失败")
		return
	}
	f.written.Add(1)
}

func (f *FileSink) flush() {
	if err := f.writer.Flush(); err != nil {
		f.logger.WithError(err).Error("刷新事件文件失败")
	}
}

// Close 停止接收事件，刷盘后关闭文件
func (f *FileSink) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	f.wg.Wait()

	if err := f.file.Close(); err != nil {
		return fmt.Errorf("关闭文件 %s 失败: %w", f.path, err)
	}
	f.logger.WithFields(logrus.Fields{
		"written": f.written.Load(),
		"dropped": f.dropped.Load(),
	}).Info("事件文件输出已关闭")
	return nil
}

// GetStats 获取输出器统计信息
func (f *FileSink) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"path":           f.path,
		"queue_size":     len(f.eventChan),
		"written":        f.written.Load(),
		"dropped":        f.dropped.Load(),
		"batch_size":     f.batchSize,
		"flush_interval": f.flushInterval.String(),
	}
}
