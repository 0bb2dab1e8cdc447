// Package broker defines the queue capability used by the ingestion path
// and the consumption worker: declare a named queue, publish opaque bytes,
// and consume with explicit acknowledgement.
//
// Drivers live in sub-packages (amqpbroker, pgqueue); Memory is an
// in-process implementation for tests and local runs.
package broker

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker: closed")
	// ErrUnknownQueue is returned when publishing to an undeclared queue.
	ErrUnknownQueue = errors.New("broker: queue not declared")
	// ErrAlreadySettled is returned when a delivery is acked or nacked twice.
	ErrAlreadySettled = errors.New("broker: delivery already settled")
)

// Broker is safe for concurrent use by multiple goroutines.
type Broker interface {
	// DeclareQueue makes sure the queue (and its dead-letter queue, if one
	// is configured) exists. It is idempotent.
	DeclareQueue(ctx context.Context, queue string) error

	// Publish enqueues body on queue. A nil error means the broker has
	// accepted the message.
	Publish(ctx context.Context, queue string, body []byte) error

	// Consume registers a consumer on queue. Deliveries arrive on the
	// returned channel, at most prefetch unsettled at a time (0 means no
	// limit). The channel is closed when ctx is cancelled or the broker
	// goes away. Deliveries received before that stay settleable.
	Consume(ctx context.Context, queue, consumer string, prefetch int) (<-chan Delivery, error)

	// Ping reports whether the broker is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Acker settles a single delivery.
type Acker interface {
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
}

// Delivery is one message handed to a consumer. Exactly one of Ack or
// Nack must be called on it.
type Delivery struct {
	// ID identifies the delivery in logs. Its format is driver specific
	// and it may change when the message is redelivered.
	ID          string
	// MessageID is stable across redeliveries of the same message.
	MessageID   string
	Queue       string
	Body        []byte
	Redelivered bool

	acker Acker
}

// NewDelivery is used by drivers to build a Delivery.
func NewDelivery(id, messageID, queue string, body []byte, redelivered bool, acker Acker) Delivery {
	return Delivery{ID: id, MessageID: messageID, Queue: queue, Body: body, Redelivered: redelivered, acker: acker}
}

// Ack confirms the message was processed. The broker forgets it.
func (d Delivery) Ack(ctx context.Context) error {
	return d.acker.Ack(ctx)
}

// Nack rejects the message. With requeue the broker redelivers it,
// otherwise it is dead-lettered (or dropped when no dead-letter queue
// is configured).
func (d Delivery) Nack(ctx context.Context, requeue bool) error {
	return d.acker.Nack(ctx, requeue)
}

// DeadLetters maps a work queue to the queue receiving its rejected
// messages.
type DeadLetters map[string]string

// For returns the dead-letter queue of queue, if any.
func (d DeadLetters) For(queue string) (string, bool) {
	dlq, ok := d[queue]
	return dlq, ok && dlq != ""
}
