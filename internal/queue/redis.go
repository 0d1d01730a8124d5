package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis the reliable queue uses.
type RedisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
}

type envelope struct {
	ID      string          `json:"id"`
	Body    json.RawMessage `json:"body"`
	Attempt int             `json:"attempt"`
}

// Redis is a reliable list queue. Receive moves a message into a
// per-queue processing list, Ack removes it from there, and Recover puts
// anything a crashed consumer left behind back on the queue.
type Redis struct {
	client RedisClient
}

func NewRedis(client RedisClient) *Redis {
	return &Redis{client: client}
}

func processingKey(queue string) string {
	return queue + ":processing"
}

func (q *Redis) Send(ctx context.Context, queue string, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("send to %s: payload is not json", queue)
	}
	raw, err := json.Marshal(envelope{ID: uuid.NewString(), Body: payload})
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, queue, raw).Err(); err != nil {
		return fmt.Errorf("send to %s: %w", queue, err)
	}
	return nil
}

func (q *Redis) Receive(ctx context.Context, queue string, limit int, wait time.Duration) ([]Message, error) {
	if limit <= 0 {
		limit = 1
	}
	first, err := q.client.BLMove(ctx, queue, processingKey(queue), "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", queue, err)
	}
	raws := []string{first}
	for len(raws) < limit {
		next, err := q.client.LMove(ctx, queue, processingKey(queue), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("receive from %s: %w", queue, err)
		}
		raws = append(raws, next)
	}

	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// Unreadable entries would be redelivered forever.
			_ = q.client.LRem(ctx, processingKey(queue), 1, raw).Err()
			continue
		}
		out = append(out, Message{
			ID:      env.ID,
			Queue:   queue,
			Body:    env.Body,
			Attempt: env.Attempt + 1,
			receipt: raw,
		})
	}
	return out, nil
}

func (q *Redis) Ack(ctx context.Context, msg Message) error {
	if err := q.client.LRem(ctx, processingKey(msg.Queue), 1, msg.receipt).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", msg.ID, msg.Queue, err)
	}
	return nil
}

// Nack puts the message back at the tail with its delivery count bumped.
func (q *Redis) Nack(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(envelope{ID: msg.ID, Body: msg.Body, Attempt: msg.Attempt})
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, msg.Queue, raw).Err(); err != nil {
		return fmt.Errorf("nack %s on %s: %w", msg.ID, msg.Queue, err)
	}
	return q.Ack(ctx, msg)
}

// Recover moves every message left in the processing list back onto the
// queue. Run it before consumers start.
func (q *Redis) Recover(ctx context.Context, queue string) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, processingKey(queue), queue, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover %s: %w", queue, err)
		}
		n++
	}
}
