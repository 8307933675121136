package output

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"ethagent/pkg/models"
)

const (
	// DefaultJournalPath 默认日志数据库路径
	DefaultJournalPath = "./data/journal.db"

	// 存储桶名称
	EventsBucket = "events"
	StatsBucket  = "stats"

	// 统计键
	TotalRunsKey     = "total_runs"
	SucceededRunsKey = "succeeded_runs"
	FailedRunsKey    = "failed_runs"
)

// ErrJournalClosed 事件日志已关闭
var ErrJournalClosed = errors.New("事件日志已关闭")

// JournalStats 日志统计
type JournalStats struct {
	TotalRuns     uint64 `json:"total_runs"`
	SucceededRuns uint64 `json:"succeeded_runs"`
	FailedRuns    uint64 `json:"failed_runs"`
}

// JournalSink 本地 BoltDB 事件日志，只追加，流水线从不回读
type JournalSink struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.RWMutex
}

// NewJournalSink 打开或创建事件日志
func NewJournalSink(dbPath string, logger *logrus.Logger) (*JournalSink, error) {
	if dbPath == "" {
		dbPath = DefaultJournalPath
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开事件日志失败: %w", err)
	}

	journal := &JournalSink{
		db:     db,
		logger: logger,
		dbPath: dbPath,
	}

	if err := journal.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化事件日志失败: %w", err)
	}

	logger.Infof("事件日志已打开，数据库路径: %s", dbPath)
	return journal, nil
}

// initDB 初始化存储桶
func (j *JournalSink) initDB() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(EventsBucket)); err != nil {
			return fmt.Errorf("创建事件存储桶失败: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(StatsBucket)); err != nil {
			return fmt.Errorf("创建统计存储桶失败: %w", err)
		}
		return nil
	})
}

// WriteEvent 追加事件，键为自增序号
func (j *JournalSink) WriteEvent(event *models.PipelineEvent) error {
	if event == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return ErrJournalClosed
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket([]byte(EventsBucket))
		seq, err := events.NextSequence()
		if err != nil {
			return fmt.Errorf("生成序号失败: %w", err)
		}
		if err := events.Put(uint64ToBytes(seq), data); err != nil {
			return fmt.Errorf("写入事件失败: %w", err)
		}

		stats := tx.Bucket([]byte(StatsBucket))
		if err := incrementCounter(stats, TotalRunsKey); err != nil {
			return err
		}
		if event.Succeeded() {
			return incrementCounter(stats, SucceededRunsKey)
		}
		return incrementCounter(stats, FailedRunsKey)
	})
}

// List 按时间倒序返回最近的事件
func (j *JournalSink) List(limit int) ([]*models.PipelineEvent, error) {
	if limit <= 0 {
		limit = 20
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.db == nil {
		return nil, ErrJournalClosed
	}

	var events []*models.PipelineEvent
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(EventsBucket)).Cursor()
		for k, v := c.Last(); k != nil && len(events) < limit; k, v = c.Prev() {
			var event models.PipelineEvent
			if err := json.Unmarshal(v, &event); err != nil {
				j.logger.Warnf("跳过损坏的事件记录 %d: %v", bytesToUint64(k), err)
				continue
			}
			events = append(events, &event)
		}
		return nil
	})
	return events, err
}

// Stats 获取统计信息
func (j *JournalSink) Stats() (*JournalStats, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.db == nil {
		return nil, ErrJournalClosed
	}

	stats := &JournalStats{}
	err := j.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(StatsBucket))
		stats.TotalRuns = readCounter(bucket, TotalRunsKey)
		stats.SucceededRuns = readCounter(bucket, SucceededRunsKey)
		stats.FailedRuns = readCounter(bucket, FailedRunsKey)
		return nil
	})
	return stats, err
}

// Close 关闭数据库
func (j *JournalSink) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db != nil {
		err := j.db.Close()
		j.db = nil
		return err
	}
	return nil
}

func incrementCounter(bucket *bolt.Bucket, key string) error {
	value := readCounter(bucket, key) + 1
	if err := bucket.Put([]byte(key), uint64ToBytes(value)); err != nil {
		return fmt.Errorf("更新统计 %s 失败: %w", key, err)
	}
	return nil
}

func readCounter(bucket *bolt.Bucket, key string) uint64 {
	data := bucket.Get([]byte(key))
	if len(data) != 8 {
		return 0
	}
	return bytesToUint64(data)
}

// uint64ToBytes 大端序编码，保证游标按写入顺序遍历
func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
