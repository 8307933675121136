package output

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"ethagent/pkg/models"
)

// DefaultKafkaTopic 默认事件主题
const DefaultKafkaTopic = "agent_pipeline_events"

// KafkaSink 异步Kafka事件输出，投递结果由后台处理器记录，不阻塞调用方
type KafkaSink struct {
	logger   *logrus.Logger
	topic    string
	producer sarama.AsyncProducer

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	sentCount  atomic.Uint64
	errorCount atomic.Uint64
}

// NewKafkaSink 创建Kafka输出端
func NewKafkaSink(brokers []string, topic string, logger *logrus.Logger) (*KafkaSink, error) {
	logger.Infof("初始化异步Kafka输出端，brokers: %v, topic: %s", brokers, topic)

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 5 * time.Second
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Compression = sarama.CompressionSnappy
	config.ChannelBufferSize = 1000
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	return NewKafkaSinkWithProducer(producer, topic, logger), nil
}

// NewKafkaSinkWithProducer 基于已有生产者创建输出端并启动后台处理器
func NewKafkaSinkWithProducer(producer sarama.AsyncProducer, topic string, logger *logrus.Logger) *KafkaSink {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	k := &KafkaSink{
		logger:   logger,
		topic:    topic,
		producer: producer,
	}

	k.wg.Add(2)
	go k.handleSuccesses()
	go k.handleErrors()
	return k
}

// handleSuccesses 处理成功发送的消息，通道关闭后退出
func (k *KafkaSink) handleSuccesses() {
	defer k.wg.Done()
	for msg := range k.producer.Successes() {
		k.sentCount.Add(1)
		k.logger.Debugf("事件已发送到Kafka topic '%s' (partition: %d, offset: %d)",
			msg.Topic, msg.Partition, msg.Offset)
	}
}

// handleErrors 处理发送失败的消息，通道关闭后退出
func (k *KafkaSink) handleErrors() {
	defer k.wg.Done()
	for perr := range k.producer.Errors() {
		k.errorCount.Add(1)
		runID := ""
		if perr.Msg != nil && perr.Msg.Metadata != nil {
			runID, _ = perr.Msg.Metadata.(string)
		}
		k.logger.WithError(perr.Err).WithField("run_id", runID).Error("发送事件到Kafka失败")
	}
}

// WriteEvent 事件入队，以 run_id 作为消息键；输入通道满时立即返回错误
func (k *KafkaSink) WriteEvent(event *models.PipelineEvent) error {
	if event == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(event.RunID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("operation"), Value: []byte(event.Operation)},
			{Key: []byte("final_state"), Value: []byte(event.FinalState)},
		},
		Metadata: event.RunID,
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return fmt.Errorf("Kafka生产者已关闭")
	}
	select {
	case k.producer.Input() <- msg:
		return nil
	default:
		k.errorCount.Add(1)
		return fmt.Errorf("Kafka生产者输入通道已满，丢弃运行 %s", event.RunID)
	}
}

// GetStats 已发送和失败的事件数
func (k *KafkaSink) GetStats() (uint64, uint64) {
	return k.sentCount.Load(), k.errorCount.Load()
}

// Close 停止接收事件，等待缓冲的消息投递完成
func (k *KafkaSink) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	k.producer.AsyncClose()
	k.wg.Wait()

	sent, failed := k.GetStats()
	k.logger.Infof("Kafka输出端已关闭，总计发送: %d，失败: %d", sent, failed)
	return nil
}
