// Package queue provides the at-least-once message channel linking the
// orchestrator to the stage workers.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Stage topics. Each stage worker class consumes exactly one topic.
const (
	TopicOCR     = "stage.ocr"
	TopicDiff    = "stage.diff"
	TopicSummary = "stage.summary"
)

// DeadLetterSuffix is appended to a topic name when a message exhausts its
// delivery attempts.
const DeadLetterSuffix = ".dead"

// Delivery is one received message. Exactly one of Ack or Nack must be called
// when handling finishes. Nack requeues the message until the channel's
// attempt limit is reached, after which it lands on the dead-letter topic.
type Delivery struct {
	Payload []byte
	Attempt int

	ack  func() error
	nack func() error
}

// Ack acknowledges successful handling.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack signals failed handling and requests redelivery.
func (d *Delivery) Nack() error {
	if d.nack == nil {
		return nil
	}
	return d.nack()
}

// Channel is the transport between the orchestrator and workers. Delivery is
// at-least-once: consumers must tolerate duplicates.
type Channel interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Consume(ctx context.Context, topic string) (<-chan Delivery, error)
	Close() error
}

// envelope wraps a payload with delivery bookkeeping so attempts survive
// requeues on any backend.
type envelope struct {
	ID         string    `json:"id"`
	Attempt    int       `json:"attempt"`
	Body       []byte    `json:"body"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func newEnvelope(payload []byte) envelope {
	return envelope{
		ID:         uuid.NewString(),
		Attempt:    1,
		Body:       payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

func encodeEnvelope(env envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
