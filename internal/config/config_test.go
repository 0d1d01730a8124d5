package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("EMULAB_DATABASE_URL", "postgres://localhost/emulab")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned err: %v", err)
	}
	if cfg.ComputeProvider != "fake" || cfg.DNSProvider != "fake" || cfg.QueueProvider != "sqs" {
		t.Fatalf("unexpected providers: %+v", cfg)
	}
	if cfg.InactivityMinutes != 15 {
		t.Fatalf("expected 15 minute inactivity default, got %d", cfg.InactivityMinutes)
	}
	if cfg.ReadyTimeout != 300*time.Second || cfg.ReadyPollInterval != 5*time.Second {
		t.Fatalf("unexpected readiness defaults: %s / %s", cfg.ReadyTimeout, cfg.ReadyPollInterval)
	}
	if cfg.AgentUsername != "genymotion" {
		t.Fatalf("unexpected agent username: %s", cfg.AgentUsername)
	}
}

func TestLoad_ReadsOverrides(t *testing.T) {
	t.Setenv("EMULAB_DATABASE_URL", "postgres://localhost/emulab")
	t.Setenv("EMULAB_COMPUTE_PROVIDER", "AWS")
	t.Setenv("EMULAB_AWS_SECURITY_GROUP_IDS", "sg-1, sg-2,,")
	t.Setenv("EMULAB_SESSION_DOMAIN", "Devices.Example.com.")
	t.Setenv("EMULAB_SWEEP_INTERVAL", "30s")
	t.Setenv("EMULAB_QUEUE_PROVIDER", "redis")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned err: %v", err)
	}
	if cfg.ComputeProvider != "aws" {
		t.Fatalf("expected aws provider, got %s", cfg.ComputeProvider)
	}
	if len(cfg.AWSSecurityIDs) != 2 || cfg.AWSSecurityIDs[1] != "sg-2" {
		t.Fatalf("unexpected security groups: %v", cfg.AWSSecurityIDs)
	}
	if cfg.SessionDomain != "devices.example.com" {
		t.Fatalf("unexpected session domain: %s", cfg.SessionDomain)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("unexpected sweep interval: %s", cfg.SweepInterval)
	}
	if cfg.QueueProvider != "redis" {
		t.Fatalf("unexpected queue provider: %s", cfg.QueueProvider)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing database", env: map[string]string{}},
		{name: "bad compute provider", env: map[string]string{"EMULAB_DATABASE_URL": "x", "EMULAB_COMPUTE_PROVIDER": "gcp"}},
		{name: "route53 without zone", env: map[string]string{"EMULAB_DATABASE_URL": "x", "EMULAB_DNS_PROVIDER": "route53"}},
		{name: "bad queue provider", env: map[string]string{"EMULAB_DATABASE_URL": "x", "EMULAB_QUEUE_PROVIDER": "kafka"}},
		{name: "poll longer than timeout", env: map[string]string{"EMULAB_DATABASE_URL": "x", "EMULAB_READY_TIMEOUT": "1s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("EMULAB_DATABASE_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" a ,b,, c ")
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected split: %v", got)
	}
}
