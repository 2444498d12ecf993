package events

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/liamcoop/decisions/internal/logger"
)

// PubSubEmitter publishes events to a Google Cloud Pub/Sub topic
type PubSubEmitter struct {
	ctx    context.Context
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubEmitter connects to projectID and publishes to topicID
func NewPubSubEmitter(ctx context.Context, projectID, topicID string) (*PubSubEmitter, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	return &PubSubEmitter{
		ctx:    ctx,
		client: client,
		topic:  client.Topic(topicID),
	}, nil
}

// Emit implements Emitter. The publish result is awaited off the caller's goroutine.
func (e *PubSubEmitter) Emit(event DecisionEvent) {
	b, err := json.Marshal(event)
	if err != nil {
		logger.Error("pubsub marshal failed", "execution_id", event.ExecutionID, "error", err)
		return
	}

	res := e.topic.Publish(e.ctx, &pubsub.Message{
		Data:       b,
		Attributes: event.Attributes(),
	})

	go func() {
		if _, err := res.Get(e.ctx); err != nil {
			logger.Error("pubsub publish failed", "execution_id", event.ExecutionID, "error", err)
			return
		}
		logger.Debug("decision event published", "execution_id", event.ExecutionID)
	}()
}

// Close flushes pending messages and closes the client
func (e *PubSubEmitter) Close() error {
	e.topic.Stop()
	return e.client.Close()
}
