package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/telemyapp/emulab-control-plane/internal/metrics"
	"github.com/telemyapp/emulab-control-plane/internal/queue"
	"github.com/telemyapp/emulab-control-plane/internal/retry"
)

// Handler processes one task body. A nil return acks the message, a
// retry.Permanent error drops it, and anything else redelivers it.
type Handler func(ctx context.Context, body []byte) error

// recoverer is implemented by queues that park received messages and need
// them put back after a crash.
type recoverer interface {
	Recover(ctx context.Context, queue string) (int, error)
}

type ConsumerOptions struct {
	Queue       queue.Queue
	Name        string
	Handler     Handler
	Logger      logrus.FieldLogger
	Concurrency int
	// Wait is the long-poll duration of one Receive.
	Wait time.Duration
	// MaxDeliveries acks a failing message after this many attempts.
	MaxDeliveries int
	ErrorBackoff  time.Duration
}

type Consumer struct {
	queue         queue.Queue
	name          string
	handler       Handler
	log           logrus.FieldLogger
	concurrency   int
	wait          time.Duration
	maxDeliveries int
	errorBackoff  time.Duration
	now           func() time.Time
}

func NewConsumer(opts ConsumerOptions) *Consumer {
	c := &Consumer{
		queue:         opts.Queue,
		name:          opts.Name,
		handler:       opts.Handler,
		log:           opts.Logger,
		concurrency:   opts.Concurrency,
		wait:          opts.Wait,
		maxDeliveries: opts.MaxDeliveries,
		errorBackoff:  opts.ErrorBackoff,
		now:           time.Now,
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	c.log = c.log.WithField("queue", c.name)
	if c.concurrency <= 0 {
		c.concurrency = 1
	}
	if c.wait <= 0 {
		c.wait = 20 * time.Second
	}
	if c.maxDeliveries <= 0 {
		c.maxDeliveries = 5
	}
	if c.errorBackoff <= 0 {
		c.errorBackoff = 5 * time.Second
	}
	return c
}

// Run receives and handles messages until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	if r, ok := c.queue.(recoverer); ok {
		n, err := r.Recover(ctx, c.name)
		if err != nil {
			return fmt.Errorf("recover %s: %w", c.name, err)
		}
		if n > 0 {
			c.log.WithField("recovered", n).Warn("event=queue_messages_recovered")
		}
	}
	c.log.Info("event=consumer_started")
	for {
		if ctx.Err() != nil {
			c.log.Info("event=consumer_stopped")
			return nil
		}
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.log.WithError(err).Warn("event=queue_receive_failed")
			_ = retry.Sleep(ctx, c.errorBackoff)
		}
	}
}

// Poll runs one receive and handles the batch. It returns how many
// messages were handled.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	msgs, err := c.queue.Receive(ctx, c.name, c.concurrency, c.wait)
	if err != nil {
		return 0, err
	}
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, msg := range msgs {
		g.Go(func() error {
			c.handle(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()
	return len(msgs), nil
}

func (c *Consumer) handle(ctx context.Context, msg queue.Message) {
	start := c.now()
	status := c.settle(ctx, msg, c.invoke(ctx, msg))
	metrics.Default().IncCounter("emulab_queue_messages_total", map[string]string{"queue": c.name, "status": status})
	metrics.Default().ObserveHistogram("emulab_queue_message_duration_ms", float64(c.now().Sub(start).Milliseconds()), map[string]string{"queue": c.name})
}

func (c *Consumer) invoke(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, msg.Body)
}

// settle acks or nacks msg and returns the outcome label.
func (c *Consumer) settle(ctx context.Context, msg queue.Message, err error) string {
	log := c.log.WithFields(logrus.Fields{"message_id": msg.ID, "attempt": msg.Attempt})
	// Settling must outlive a shutdown that interrupted the handler.
	ctx = context.WithoutCancel(ctx)

	status := "ok"
	ack := true
	switch {
	case err == nil:
	case retry.IsPermanent(err):
		log.WithError(err).Error("event=task_dropped")
		status = "dropped"
	case msg.Attempt >= c.maxDeliveries:
		log.WithError(err).Error("event=task_dead_lettered")
		status = "dead_letter"
	default:
		log.WithError(err).Warn("event=task_failed")
		status = "retry"
		ack = false
	}

	if ack {
		if aerr := c.queue.Ack(ctx, msg); aerr != nil {
			log.WithError(aerr).Warn("event=queue_ack_failed")
		}
		return status
	}
	if nerr := c.queue.Nack(ctx, msg); nerr != nil {
		log.WithError(nerr).Warn("event=queue_nack_failed")
	}
	return status
}
