package app

import (
	"context"
	"testing"

	"github.com/telemyapp/emulab-control-plane/internal/compute"
	"github.com/telemyapp/emulab-control-plane/internal/config"
	"github.com/telemyapp/emulab-control-plane/internal/dns"
	"github.com/telemyapp/emulab-control-plane/internal/logging"
	"github.com/telemyapp/emulab-control-plane/internal/queue"
)

func TestNewComputeProvider_FakeMode(t *testing.T) {
	p, err := newComputeProvider(context.Background(), config.Config{ComputeProvider: "fake"}, logging.Discard())
	if err != nil {
		t.Fatalf("newComputeProvider returned err: %v", err)
	}
	if _, ok := p.(*compute.FakeProvider); !ok {
		t.Fatalf("expected fake provider, got %T", p)
	}
}

func TestNewComputeProvider_AWSModeRequiresRegion(t *testing.T) {
	if _, err := newComputeProvider(context.Background(), config.Config{ComputeProvider: "aws"}, logging.Discard()); err == nil {
		t.Fatal("expected error without region")
	}
}

func TestNewDNSProvider_Route53RequiresZone(t *testing.T) {
	p, err := newDNSProvider(context.Background(), config.Config{DNSProvider: "fake"}, logging.Discard())
	if err != nil {
		t.Fatalf("newDNSProvider returned err: %v", err)
	}
	if _, ok := p.(*dns.FakeProvider); !ok {
		t.Fatalf("expected fake dns, got %T", p)
	}
	if _, err := newDNSProvider(context.Background(), config.Config{DNSProvider: "route53", AWSRegion: "us-east-1"}, logging.Discard()); err == nil {
		t.Fatal("expected error without hosted zone")
	}
}

func TestNewQueue_RedisMode(t *testing.T) {
	q, closeQueue, err := newQueue(context.Background(), config.Config{QueueProvider: "redis", RedisAddr: "127.0.0.1:6379"})
	if err != nil {
		t.Fatalf("newQueue returned err: %v", err)
	}
	defer closeQueue()
	if _, ok := q.(*queue.Redis); !ok {
		t.Fatalf("expected redis queue, got %T", q)
	}
}
