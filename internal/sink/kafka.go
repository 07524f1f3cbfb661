package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/prbarcelon/mcporch/internal/config"
)

// Kafka publishes every event as JSON, keyed by session so a session's
// events stay ordered within one partition.
type Kafka struct {
	producer sarama.AsyncProducer
	topic    string
	log      *zap.Logger
	drained  chan struct{}
}

func NewKafka(cfg config.KafkaConfig, log *zap.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers is empty")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka topic is empty")
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Retry.Max = 10
	sc.Producer.Retry.Backoff = 100 * time.Millisecond
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.ClientID = strings.TrimSpace(cfg.ClientID)

	p, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return newKafka(p, cfg.Topic, log), nil
}

func newKafka(p sarama.AsyncProducer, topic string, log *zap.Logger) *Kafka {
	if log == nil {
		log = zap.NewNop()
	}
	k := &Kafka{producer: p, topic: topic, log: log, drained: make(chan struct{})}
	go k.drainErrors()
	return k
}

func (k *Kafka) drainErrors() {
	defer close(k.drained)
	for perr := range k.producer.Errors() {
		k.log.Warn("kafka publish failed", zap.String("topic", k.topic), zap.Error(perr.Err))
	}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Write(ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	k.producer.Input() <- &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(ev.Session),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(ev.Kind)},
		},
	}
	return nil
}

func (k *Kafka) Close() error {
	err := k.producer.Close()
	<-k.drained
	return err
}
