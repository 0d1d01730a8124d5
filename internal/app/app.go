// Package app wires configured providers into the orchestrator. Both the
// API and the worker process build the same graph.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/telemyapp/emulab-control-plane/internal/agent"
	"github.com/telemyapp/emulab-control-plane/internal/blob"
	"github.com/telemyapp/emulab-control-plane/internal/compute"
	"github.com/telemyapp/emulab-control-plane/internal/config"
	"github.com/telemyapp/emulab-control-plane/internal/device"
	"github.com/telemyapp/emulab-control-plane/internal/dns"
	"github.com/telemyapp/emulab-control-plane/internal/queue"
	"github.com/telemyapp/emulab-control-plane/internal/session"
	"github.com/telemyapp/emulab-control-plane/internal/store"
)

type App struct {
	Sessions *session.Service
	Devices  *device.Coordinator
	Queue    queue.Queue

	closers []func()
}

func New(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*App, error) {
	a := &App{}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := store.EnsureSchema(ctx, pool); err != nil {
		a.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	coll := store.NewPostgres(pool)

	comp, err := newComputeProvider(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	names, err := newDNSProvider(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	q, closeQueue, err := newQueue(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeQueue)
	objects, err := blob.NewS3Store(ctx, blob.S3Options{Region: cfg.AWSRegion, Endpoint: cfg.S3Endpoint})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init blob store: %w", err)
	}

	agentClient := agent.New(agent.Options{
		Username: cfg.AgentUsername,
		Timeout:  cfg.AgentTimeout,
		Logger:   log,
	})
	a.Devices = device.New(device.Options{
		Agent:        agentClient,
		Images:       coll.Images,
		Applications: coll.Applications,
		Recordings:   coll.Recordings,
		Blob:         objects,
		Bucket:       cfg.RecordingsBucket,
		Logger:       log,
	})
	a.Queue = q
	a.Sessions = session.New(session.Options{
		Store:             coll,
		Compute:           comp,
		DNS:               names,
		Agent:             agentClient,
		Device:            a.Devices,
		Queue:             q,
		Blob:              objects,
		Logger:            log,
		SetupQueue:        cfg.SetupQueue,
		TerminationQueue:  cfg.TerminationQueue,
		SessionDomain:     cfg.SessionDomain,
		AgentUsername:     cfg.AgentUsername,
		Bucket:            cfg.RecordingsBucket,
		PresignTTL:        cfg.PresignTTL,
		ReadyPollInterval: cfg.ReadyPollInterval,
		ReadyTimeout:      cfg.ReadyTimeout,
		TLSSettleDelay:    cfg.TLSSettleDelay,
		StuckSetupAfter:   cfg.StuckSetupAfter,
		MaxSetupAttempts:  cfg.MaxSetupAttempts,
	})
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newComputeProvider(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (compute.Provider, error) {
	switch cfg.ComputeProvider {
	case "aws":
		p, err := compute.NewAWSProvider(ctx, compute.AWSProviderOptions{
			Region:        cfg.AWSRegion,
			SubnetID:      cfg.AWSSubnetID,
			SecurityGroup: cfg.AWSSecurityIDs,
			KeyName:       cfg.AWSKeyName,
			Logger:        log,
		})
		if err != nil {
			return nil, fmt.Errorf("init aws compute: %w", err)
		}
		return p, nil
	default:
		return compute.NewFakeProvider(), nil
	}
}

func newDNSProvider(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (dns.Provider, error) {
	switch cfg.DNSProvider {
	case "route53":
		p, err := dns.NewRoute53Provider(ctx, dns.Route53Options{
			Region:       cfg.AWSRegion,
			HostedZoneID: cfg.HostedZoneID,
			TTL:          cfg.DNSTTLSeconds,
			Logger:       log,
		})
		if err != nil {
			return nil, fmt.Errorf("init route53: %w", err)
		}
		return p, nil
	default:
		return dns.NewFakeProvider(), nil
	}
}

func newQueue(ctx context.Context, cfg config.Config) (queue.Queue, func(), error) {
	switch cfg.QueueProvider {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return queue.NewRedis(client), func() { _ = client.Close() }, nil
	default:
		q, err := queue.NewSQS(ctx, queue.SQSOptions{Region: cfg.AWSRegion, Endpoint: cfg.SQSEndpoint})
		if err != nil {
			return nil, nil, fmt.Errorf("init sqs: %w", err)
		}
		return q, func() {}, nil
	}
}
