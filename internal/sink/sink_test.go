package sink

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/prbarcelon/mcporch/internal/config"
	"github.com/prbarcelon/mcporch/internal/protocol"
	"github.com/prbarcelon/mcporch/internal/store"
)

type memBackend struct {
	mu     sync.Mutex
	events []Event
	gate   chan struct{}
	closed bool
}

func (b *memBackend) Name() string { return "mem" }

func (b *memBackend) Write(ev Event) error {
	if b.gate != nil {
		<-b.gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *memBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type failingBackend struct{}

func (failingBackend) Name() string { return "failing" }

func (failingBackend) Write(Event) error { return errors.New("disk full") }

func (failingBackend) Close() error { return errors.New("already gone") }

func TestSinkFansOutInOrder(t *testing.T) {
	a, b := &memBackend{}, &memBackend{}
	s := New(16, zaptest.NewLogger(t), a, b)

	s.RecordMessage("s1", protocol.Message{Seq: 1, Role: protocol.RoleUser, Content: "hi"})
	s.RecordCall(protocol.ToolCallRequest{CallID: "c1", Session: "s1", Tool: "add"}, protocol.ToolCallResult{CallID: "c1", Status: protocol.StatusSuccess})
	s.RecordSummary("s1", protocol.MemorySummary{ID: 1, Text: "short"})
	require.NoError(t, s.Close())

	for _, backend := range []*memBackend{a, b} {
		require.Len(t, backend.events, 3)
		assert.Equal(t, KindMessage, backend.events[0].Kind)
		assert.Equal(t, KindCall, backend.events[1].Kind)
		assert.Equal(t, "s1", backend.events[1].Session)
		assert.Equal(t, KindSummary, backend.events[2].Kind)
		assert.True(t, backend.closed)
	}

	s.RecordMessage("s1", protocol.Message{Seq: 2})
	assert.Len(t, a.events, 3)
	assert.NoError(t, s.Close())
}

func TestSinkDropsWhenFull(t *testing.T) {
	blocked := &memBackend{gate: make(chan struct{})}
	s := New(1, zaptest.NewLogger(t), blocked)

	// the first event is taken by the writer and blocks it; the second
	// fills the buffer
	s.RecordMessage("s1", protocol.Message{Seq: 1})
	require.Eventually(t, func() bool { return len(s.ch) == 0 }, time.Second, time.Millisecond)
	s.RecordMessage("s1", protocol.Message{Seq: 2})
	s.RecordMessage("s1", protocol.Message{Seq: 3})
	s.RecordMessage("s1", protocol.Message{Seq: 4})
	assert.Equal(t, uint64(2), s.Dropped())

	close(blocked.gate)
	require.NoError(t, s.Close())
	require.Len(t, blocked.events, 2)
	assert.Equal(t, int64(2), blocked.events[1].Message.Seq)
}

func TestSinkBackendErrorsAreIsolated(t *testing.T) {
	good := &memBackend{}
	s := New(4, zaptest.NewLogger(t), failingBackend{}, good)
	s.RecordMessage("s1", protocol.Message{Seq: 1})
	err := s.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close failing")
	assert.Len(t, good.events, 1)
}

func TestSQLiteBackend(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "sink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	s := New(16, zaptest.NewLogger(t), NewSQLite(st))
	now := time.Now().UTC()
	s.RecordMessage("s1", protocol.Message{Seq: 1, Role: protocol.RoleUser, Content: "add 2 and 3", At: now})
	s.RecordMessage("s1", protocol.Message{Seq: 2, Role: protocol.RoleTool, CallID: "c1", Content: "5", At: now})
	s.RecordCall(
		protocol.ToolCallRequest{CallID: "c1", Session: "s1", Tool: "add", Arguments: map[string]any{"a": 2.0, "b": 3.0}},
		protocol.ToolCallResult{CallID: "c1", Tool: "add", Server: "calc", Status: protocol.StatusSuccess, Payload: json.RawMessage(`5`), Attempts: 1, Duration: 3 * time.Millisecond, At: now},
	)
	s.RecordSummary("s1", protocol.MemorySummary{ID: 1, Covers: protocol.SeqRange{From: 1, To: 1}, Text: "asked to add", CreatedAt: now})
	require.NoError(t, s.Close())

	msgs, err := st.ListMessages("s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "c1", msgs[1].CallID)

	history, err := st.ListHistory("calc", "add", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "s1", history[0].Session)
	assert.Equal(t, 3.0, history[0].Args["b"])

	sums, err := st.ListSummaries("s1")
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "asked to add", sums[0].Text)
}

func TestKafkaBackend(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, nil)
	producer.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "mcporch.events" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "s1" {
			return errors.New("wrong key " + string(key))
		}
		value, _ := msg.Value.Encode()
		var ev Event
		if err := json.Unmarshal(value, &ev); err != nil {
			return err
		}
		if ev.Kind != KindMessage || ev.Message.Content != "hi" {
			return errors.New("unexpected event " + string(value))
		}
		return nil
	})
	producer.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	k := newKafka(producer, "mcporch.events", zaptest.NewLogger(t))
	s := New(4, zaptest.NewLogger(t), k)
	s.RecordMessage("s1", protocol.Message{Seq: 1, Role: protocol.RoleUser, Content: "hi"})
	s.RecordSummary("s1", protocol.MemorySummary{ID: 1, Text: "hi"})
	require.NoError(t, s.Close())
}

func TestNewKafkaValidates(t *testing.T) {
	_, err := NewKafka(config.KafkaConfig{Topic: "t"}, nil)
	assert.Error(t, err)
	_, err = NewKafka(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: " "}, nil)
	assert.Error(t, err)
}
