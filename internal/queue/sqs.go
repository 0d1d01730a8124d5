package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/telemyapp/emulab-control-plane/internal/metrics"
)

type SQSAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSOptions struct {
	Region   string
	Endpoint string
	// VisibilityTimeout is how long a received message stays hidden
	// before SQS redelivers it.
	VisibilityTimeout time.Duration
	Client            SQSAPI
}

type SQS struct {
	client     SQSAPI
	visibility int32

	mu   sync.Mutex
	urls map[string]string
}

func NewSQS(ctx context.Context, opts SQSOptions) (*SQS, error) {
	client := opts.Client
	if client == nil {
		cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(opts.Region))
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		endpoint := strings.TrimSpace(opts.Endpoint)
		client = sqs.NewFromConfig(cfg, func(o *sqs.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
	}
	visibility := int32(opts.VisibilityTimeout / time.Second)
	if visibility <= 0 {
		visibility = 600
	}
	return &SQS{client: client, visibility: visibility, urls: map[string]string{}}, nil
}

func (q *SQS) Send(ctx context.Context, queue string, payload []byte) error {
	url, err := q.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(payload)),
	})
	q.observe("send", start, err)
	if err != nil {
		return fmt.Errorf("send to %s: %w", queue, err)
	}
	return nil
}

func (q *SQS) Receive(ctx context.Context, queue string, limit int, wait time.Duration) ([]Message, error) {
	url, err := q.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(url),
		MaxNumberOfMessages:         int32(min(max(limit, 1), 10)),
		WaitTimeSeconds:             int32(min(wait/time.Second, 20)),
		VisibilityTimeout:           q.visibility,
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameApproximateReceiveCount},
	})
	q.observe("receive", start, err)
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", queue, err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		attempt, _ := strconv.Atoi(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
		msgs = append(msgs, Message{
			ID:      aws.ToString(m.MessageId),
			Queue:   queue,
			Body:    []byte(aws.ToString(m.Body)),
			Attempt: max(attempt, 1),
			receipt: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

func (q *SQS) Ack(ctx context.Context, msg Message) error {
	url, err := q.queueURL(ctx, msg.Queue)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(msg.receipt),
	})
	q.observe("ack", start, err)
	if err != nil {
		return fmt.Errorf("ack %s on %s: %w", msg.ID, msg.Queue, err)
	}
	return nil
}

// Nack leaves the message hidden until its visibility timeout runs out.
func (q *SQS) Nack(context.Context, Message) error {
	return nil
}

func (q *SQS) queueURL(ctx context.Context, queue string) (string, error) {
	if strings.HasPrefix(queue, "https://") || strings.HasPrefix(queue, "http://") {
		return queue, nil
	}
	q.mu.Lock()
	url, ok := q.urls[queue]
	q.mu.Unlock()
	if ok {
		return url, nil
	}
	out, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", fmt.Errorf("resolve queue %s: %w", queue, err)
	}
	url = aws.ToString(out.QueueUrl)
	q.mu.Lock()
	q.urls[queue] = url
	q.mu.Unlock()
	return url, nil
}

func (q *SQS) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Default().ObserveProvider("sqs", op, status, float64(time.Since(start).Milliseconds()))
}
