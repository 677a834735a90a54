package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the subset of *kgo.Client the Kafka sink needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSink produces envelopes to one topic, keyed by stream channel so events of
// a job stay ordered within a partition.
type KafkaSink struct {
	producer Producer
	topic    string
}

// NewKafkaSink creates a franz-go producer for brokers.
func NewKafkaSink(brokers []string, topic, clientID string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if clientID == "" {
		clientID = "rendernet-relay"
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return NewKafkaSinkWithProducer(client, topic), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(p Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

// Record builds the Kafka record for env.
func (s *KafkaSink) Record(env Envelope) (*kgo.Record, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal kafka payload: %w", err)
	}
	return &kgo.Record{
		Topic: s.topic,
		Key:   []byte(env.Key()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(env.Event.Type)},
			{Key: "category", Value: []byte(env.Event.Type.Category())},
			{Key: "relay_id", Value: []byte(env.RelayID)},
		},
		Timestamp: env.ReceivedAt,
	}, nil
}

func (s *KafkaSink) Publish(ctx context.Context, env Envelope) error {
	record, err := s.Record(env)
	if err != nil {
		return err
	}
	if err := s.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// Client returns the franz-go client when the sink owns one, for health checks.
func (s *KafkaSink) Client() *kgo.Client {
	c, _ := s.producer.(*kgo.Client)
	return c
}

func (s *KafkaSink) Close() error {
	s.producer.Close()
	return nil
}
