// Package notify publishes fire-and-forget read-model update notifications.
// Delivery is best effort: a lost notification never affects dispatch
// correctness, so publishers report failures to their own logger/counter
// and nothing else. Kafka and RabbitMQ adapters live in subpackages.
package notify

import "context"

// ReadModelUpdated announces that a consumer applied a changeset.
type ReadModelUpdated struct {
	NotificationID string `json:"notification_id"`
	Consumer       string `json:"consumer"`
	Slot           string `json:"slot"`
	StreamID       string `json:"stream_id"`
	Position       int64  `json:"position"`
	Created        bool   `json:"created"`
}

type Publisher interface {
	Publish(ctx context.Context, n ReadModelUpdated) error
	Close() error
}

// Nop discards every notification. The default when no broker is
// configured.
type Nop struct{}

func (Nop) Publish(context.Context, ReadModelUpdated) error { return nil }
func (Nop) Close() error                                    { return nil }
