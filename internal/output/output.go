package output

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"ethagent/internal/config"
	"ethagent/pkg/models"
)

// Sink 流水线事件输出接口
type Sink interface {
	WriteEvent(event *models.PipelineEvent) error
	Close() error
}

// NopSink 丢弃所有事件
type NopSink struct{}

func (NopSink) WriteEvent(*models.PipelineEvent) error { return nil }
func (NopSink) Close() error                           { return nil }

// MultiSink 依次写入多个输出端，单个失败不影响其他输出端
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink 创建组合输出端
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// WriteEvent 写入事件
func (m *MultiSink) WriteEvent(event *models.PipelineEvent) error {
	var errs []string
	for _, s := range m.sinks {
		if err := s.WriteEvent(event); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("写入事件失败: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Close 关闭所有输出端
func (m *MultiSink) Close() error {
	var errs []string
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("关闭输出端失败: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Journal 返回组合中的本地日志输出端
func (m *MultiSink) Journal() *JournalSink {
	for _, s := range m.sinks {
		if j, ok := s.(*JournalSink); ok {
			return j
		}
	}
	return nil
}

// NewSink 根据配置创建输出端
func NewSink(cfg config.OutputConfig, logger *logrus.Logger) (*MultiSink, error) {
	var sinks []Sink
	for _, format := range cfg.Formats() {
		switch format {
		case "none":
		case "journal":
			journal, err := NewJournalSink(cfg.JournalPath, logger)
			if err != nil {
				closeAll(sinks)
				return nil, err
			}
			sinks = append(sinks, journal)
		case "file":
			file, err := NewFileSink(cfg.FileDir, logger)
			if err != nil {
				closeAll(sinks)
				return nil, err
			}
			sinks = append(sinks, file)
		case "kafka":
			kafka, err := NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
			if err != nil {
				closeAll(sinks)
				return nil, err
			}
			sinks = append(sinks, kafka)
		default:
			closeAll(sinks)
			return nil, fmt.Errorf("不支持的输出格式: %s", format)
		}
	}
	return NewMultiSink(sinks...), nil
}

func closeAll(sinks []Sink) {
	for _, s := range sinks {
		s.Close()
	}
}
