package jobengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message is the broker payload for one dispatch of a job.
type Message struct {
	JobID         string `json:"job_id"`
	Kind          string `json:"kind"`
	DispatchToken string `json:"dispatch_token"`
}

func encodeMessage(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

func decodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.JobID == "" || msg.DispatchToken == "" {
		return Message{}, fmt.Errorf("malformed message: %s", data)
	}
	return msg, nil
}

// Broker delivers dispatch messages at least once. A received message holds a
// lease on its dispatch token until it is acked or nacked; the lease is what
// the recovery sweep asks about through IsLive.
type Broker interface {
	// Publish enqueues msg for delivery after delay.
	Publish(ctx context.Context, msg Message, delay time.Duration) error

	// Consume starts delivering messages of the given kinds. The channel is
	// closed when ctx is done or the broker is closed. Each call gets its own
	// consumer; the next message is taken only after the previous one was
	// received from the channel.
	Consume(ctx context.Context, kinds []string) (<-chan Delivery, error)

	// IsLive reports whether a consumer still holds the lease for token.
	IsLive(ctx context.Context, token string) (bool, error)

	// Close stops all consumers and releases broker resources.
	Close() error
}

// Delivery is a message handed to one consumer.
type Delivery interface {
	Message() Message

	// Touch renews the delivery lease.
	Touch(ctx context.Context) error

	// Ack removes the message for good and releases the lease.
	Ack(ctx context.Context) error

	// Nack releases the lease; with requeue the message is delivered again.
	Nack(ctx context.Context, requeue bool) error
}
