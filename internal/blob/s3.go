package blob

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/telemyapp/emulab-control-plane/internal/metrics"
)

type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error)
}

// PresignedRequest mirrors the fields of the SDK presign result we use.
type PresignedRequest struct {
	URL string
}

type presignAdapter struct {
	client *s3.PresignClient
}

func (p presignAdapter) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	req, err := p.client.PresignGetObject(ctx, in, optFns...)
	if err != nil {
		return nil, err
	}
	return &PresignedRequest{URL: req.URL}, nil
}

type S3Options struct {
	Region string
	// Endpoint targets an S3-compatible service instead of AWS.
	Endpoint  string
	Client    S3API
	Presigner Presigner
}

type S3Store struct {
	client    S3API
	presigner Presigner
}

func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	client, presigner := opts.Client, opts.Presigner
	if client == nil || presigner == nil {
		cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(opts.Region))
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		endpoint := strings.TrimSpace(opts.Endpoint)
		sdk := s3.NewFromConfig(cfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		})
		if client == nil {
			client = sdk
		}
		if presigner == nil {
			presigner = presignAdapter{client: s3.NewPresignClient(sdk)}
		}
	}
	return &S3Store{client: client, presigner: presigner}, nil
}

func (s *S3Store) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("video/mp4"),
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	start := time.Now()
	_, err := s.client.PutObject(ctx, in)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Default().ObserveProvider("s3", "put_object", status, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *S3Store) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}
