package output

import (
	"bufio"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ethagent/internal/config"
	"ethagent/pkg/models"
)

func testEvent(runID string, failed bool) *models.PipelineEvent {
	event := &models.PipelineEvent{
		RunID:      runID,
		Operation:  "send_value",
		FinalState: "done",
		States:     []string{"idle", "address_resolved", "state_read", "tx_built", "signed", "broadcast", "done"},
		TxHash:     "ab",
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	}
	if failed {
		event.FinalState = "failed"
		event.ErrorCode = "BROADCAST_REJECTED"
	}
	return event
}

func TestJournalSink_WriteAndList(t *testing.T) {
	journal, err := NewJournalSink(filepath.Join(t.TempDir(), "journal.db"), logrus.New())
	require.NoError(t, err)
	defer journal.Close()

	require.NoError(t, journal.WriteEvent(testEvent("run-1", false)))
	require.NoError(t, journal.WriteEvent(testEvent("run-2", true)))
	require.NoError(t, journal.WriteEvent(testEvent("run-3", false)))

	events, err := journal.List(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "run-3", events[0].RunID)
	assert.Equal(t, "run-2", events[1].RunID)

	stats, err := journal.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.TotalRuns)
	assert.Equal(t, uint64(2), stats.SucceededRuns)
	assert.Equal(t, uint64(1), stats.FailedRuns)
}

func TestJournalSink_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")

	journal, err := NewJournalSink(path, logrus.New())
	require.NoError(t, err)
	require.NoError(t, journal.WriteEvent(testEvent("run-1", false)))
	require.NoError(t, journal.Close())

	reopened, err := NewJournalSink(path, logrus.New())
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.List(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "run-1", events[0].RunID)
}

func asyncTestConfig() *sarama.Config {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	return cfg
}

func TestKafkaSink_WriteEvent(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, asyncTestConfig())
	producer.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event models.PipelineEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.RunID != "run-1" {
			return stderrors.New("unexpected run id")
		}
		return nil
	})

	sink := NewKafkaSinkWithProducer(producer, "", logrus.New())
	assert.Equal(t, DefaultKafkaTopic, sink.topic)

	require.NoError(t, sink.WriteEvent(testEvent("run-1", false)))
	require.NoError(t, sink.Close())

	sent, failed := sink.GetStats()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(0), failed)
	assert.Error(t, sink.WriteEvent(testEvent("run-2", false)))
}

func TestKafkaSink_SendFailureIsCounted(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, asyncTestConfig())
	producer.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	sink := NewKafkaSinkWithProducer(producer, "events", logrus.New())

	// 投递失败在后台处理，不回传给调用方
	require.NoError(t, sink.WriteEvent(testEvent("run-1", false)))
	assert.Eventually(t, func() bool {
		_, failed := sink.GetStats()
		return failed == 1
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, sink.Close())
}

// stalledProducer 输入通道无人读取，模拟卡住的 broker
type stalledProducer struct {
	sarama.AsyncProducer
	input     chan *sarama.ProducerMessage
	successes chan *sarama.ProducerMessage
	errors    chan *sarama.ProducerError
}

func newStalledProducer(buffer int) *stalledProducer {
	return &stalledProducer{
		input:     make(chan *sarama.ProducerMessage, buffer),
		successes: make(chan *sarama.ProducerMessage),
		errors:    make(chan *sarama.ProducerError),
	}
}

func (p *stalledProducer) Input() chan<- *sarama.ProducerMessage     { return p.input }
func (p *stalledProducer) Successes() <-chan *sarama.ProducerMessage { return p.successes }
func (p *stalledProducer) Errors() <-chan *sarama.ProducerError      { return p.errors }
func (p *stalledProducer) AsyncClose() {
	close(p.successes)
	close(p.errors)
}

func TestKafkaSink_StalledBrokerDoesNotBlockWriter(t *testing.T) {
	producer := newStalledProducer(1)
	sink := NewKafkaSinkWithProducer(producer, "events", logrus.New())

	done := make(chan error, 2)
	go func() {
		done <- sink.WriteEvent(testEvent("run-1", false))
		done <- sink.WriteEvent(testEvent("run-2", false))
	}()

	for i, wantErr := range []bool{false, true} {
		select {
		case err := <-done:
			if wantErr {
				assert.ErrorContains(t, err, "输入通道已满", "write %d", i)
			} else {
				assert.NoError(t, err, "write %d", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("write %d blocked on a stalled broker", i)
		}
	}

	_, failed := sink.GetStats()
	assert.Equal(t, uint64(1), failed)
	require.NoError(t, sink.Close())
}

type failingSink struct{ writes int }

func (f *failingSink) WriteEvent(*models.PipelineEvent) error {
	f.writes++
	return stderrors.New("disk full")
}
func (f *failingSink) Close() error { return nil }

func TestMultiSink_ContinuesAfterFailure(t *testing.T) {
	journal, err := NewJournalSink(filepath.Join(t.TempDir(), "journal.db"), logrus.New())
	require.NoError(t, err)

	failing := &failingSink{}
	multi := NewMultiSink(failing, journal)
	defer multi.Close()

	err = multi.WriteEvent(testEvent("run-1", false))
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, failing.writes)

	assert.Same(t, journal, multi.Journal())
	events, err := journal.List(10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestNewSink(t *testing.T) {
	sink, err := NewSink(config.OutputConfig{Format: "none"}, logrus.New())
	require.NoError(t, err)
	assert.Nil(t, sink.Journal())
	assert.NoError(t, sink.WriteEvent(testEvent("run-1", false)))

	sink, err = NewSink(config.OutputConfig{Format: "journal", JournalPath: filepath.Join(t.TempDir(), "j.db")}, logrus.New())
	require.NoError(t, err)
	assert.NotNil(t, sink.Journal())
	require.NoError(t, sink.Close())

	sink, err = NewSink(config.OutputConfig{Format: "journal,file", JournalPath: filepath.Join(t.TempDir(), "j.db"), FileDir: t.TempDir()}, logrus.New())
	require.NoError(t, err)
	assert.NotNil(t, sink.Journal())
	require.NoError(t, sink.Close())

	_, err = NewSink(config.OutputConfig{Format: "s3"}, logrus.New())
	assert.Error(t, err)
}

func readLines(t *testing.T, path string) []models.PipelineEvent {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var events []models.PipelineEvent
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var event models.PipelineEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		events = append(events, event)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestFileSink_FlushOnClose(t *testing.T) {
	sink, err := newFileSink(t.TempDir(), 10, 100, time.Hour, logrus.New())
	require.NoError(t, err)

	require.NoError(t, sink.WriteEvent(testEvent("run-1", false)))
	require.NoError(t, sink.WriteEvent(testEvent("run-2", true)))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	events := readLines(t, sink.Path())
	require.Len(t, events, 2)
	assert.Equal(t, "run-1", events[0].RunID)
	assert.Equal(t, "BROADCAST_REJECTED", events[1].ErrorCode)

	assert.Error(t, sink.WriteEvent(testEvent("run-3", false)))
	assert.Equal(t, uint64(2), sink.GetStats()["written"])
}

func TestFileSink_BatchFlush(t *testing.T) {
	sink, err := newFileSink(t.TempDir(), 10, 2, time.Hour, logrus.New())
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.WriteEvent(testEvent("run-1", false)))
	require.NoError(t, sink.WriteEvent(testEvent("run-2", false)))

	assert.Eventually(t, func() bool {
		info, err := os.Stat(sink.Path())
		return err == nil && info.Size() > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileSink_AcceptedEventsSurviveConcurrentClose(t *testing.T) {
	sink, err := newFileSink(t.TempDir(), 10000, 100, time.Hour, logrus.New())
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if sink.WriteEvent(testEvent("run", false)) == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}(w)
	}
	require.NoError(t, sink.Close())
	wg.Wait()

	assert.Len(t, readLines(t, sink.Path()), accepted)
}

func TestFileSink_CountsWriteFailures(t *testing.T) {
	sink, err := newFileSink(t.TempDir(), 10, 1, time.Hour, logrus.New())
	require.NoError(t, err)
	require.NoError(t, sink.file.Close())

	require.NoError(t, sink.WriteEvent(testEvent("run-1", false)))
	require.NoError(t, sink.WriteEvent(testEvent("run-2", false)))

	assert.Eventually(t, func() bool {
		return sink.GetStats()["dropped"].(uint64) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Error(t, sink.Close())
}
