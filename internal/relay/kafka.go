package relay

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
)

// KafkaWriter is the subset of kafka.Writer the sink needs.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes envelopes to a topic keyed by entity, so every change to
// one mission lands on the same partition.
type KafkaSink struct {
	writer KafkaWriter
	topic  string
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return &KafkaSink{writer: w, topic: topic}
}

// NewKafkaSinkWithWriter allows injecting a test writer.
func NewKafkaSinkWithWriter(w KafkaWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic}
}

func (s *KafkaSink) Name() string        { return "kafka:" + s.topic }
func (s *KafkaSink) Accepts(string) bool { return true }
func (s *KafkaSink) Close() error        { return s.writer.Close() }

func (s *KafkaSink) Deliver(ctx context.Context, env Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.EntityKind + ":" + env.EntityID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(env.Type)},
		},
	})
}
