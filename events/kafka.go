package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/liamcoop/decisions/internal/logger"
)

// KafkaEmitter publishes events to a Kafka topic, keyed by execution ID.
// Writes are asynchronous; failures are logged from the completion callback.
type KafkaEmitter struct {
	writer *kafka.Writer
}

// NewKafkaEmitter creates an emitter writing to topic on brokers
func NewKafkaEmitter(brokers []string, topic string) *KafkaEmitter {
	return &KafkaEmitter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			Async:        true,
			BatchTimeout: 50 * time.Millisecond,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logger.Error("kafka publish failed", "topic", topic, "messages", len(messages), "error", err)
				}
			},
		},
	}
}

// Emit implements Emitter
func (e *KafkaEmitter) Emit(event DecisionEvent) {
	msg, err := kafkaMessage(event)
	if err != nil {
		logger.Error("kafka marshal failed", "execution_id", event.ExecutionID, "error", err)
		return
	}
	if err := e.writer.WriteMessages(context.Background(), msg); err != nil {
		logger.Error("kafka publish failed", "execution_id", event.ExecutionID, "error", err)
	}
}

// Close flushes pending messages and closes the writer
func (e *KafkaEmitter) Close() error {
	return e.writer.Close()
}

func kafkaMessage(event DecisionEvent) (kafka.Message, error) {
	b, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}
	attrs := event.Attributes()
	headers := make([]kafka.Header, 0, len(attrs))
	for k, v := range attrs {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Key:     []byte(event.ExecutionID),
		Value:   b,
		Headers: headers,
		Time:    event.Timestamp,
	}, nil
}
