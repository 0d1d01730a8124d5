// Package queue delivers background tasks with at-least-once semantics.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type Message struct {
	ID    string
	Queue string
	Body  []byte
	// Attempt counts deliveries, starting at 1.
	Attempt int
	receipt string
}

// Queue is the task transport between the API process and the worker.
// A received message is redelivered until it is acked.
type Queue interface {
	Send(ctx context.Context, queue string, payload []byte) error
	Receive(ctx context.Context, queue string, limit int, wait time.Duration) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
	// Nack returns the message for a later redelivery.
	Nack(ctx context.Context, msg Message) error
}

func SendJSON(ctx context.Context, q Queue, queue string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s task: %w", queue, err)
	}
	return q.Send(ctx, queue, b)
}
