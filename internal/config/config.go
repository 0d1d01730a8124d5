package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr  string
	DatabaseURL string
	CORSOrigins []string
	LogLevel    string
	LogFormat   string

	ComputeProvider   string
	AWSRegion         string
	AWSSubnetID       string
	AWSSecurityIDs    []string
	AWSKeyName        string
	DNSProvider       string
	HostedZoneID      string
	SessionDomain     string
	DNSTTLSeconds     int64
	QueueProvider     string
	SetupQueue        string
	TerminationQueue  string
	RedisAddr         string
	SQSEndpoint       string
	S3Endpoint        string
	RecordingsBucket  string
	PresignTTL        time.Duration
	AgentUsername     string
	AgentTimeout      time.Duration
	InactivityMinutes int

	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	StuckSetupAfter   time.Duration
	MaxSetupAttempts  int
	ReadyTimeout      time.Duration
	ReadyPollInterval time.Duration
	TLSSettleDelay    time.Duration
	WorkerConcurrency int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("cors_origins", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("compute_provider", "fake")
	v.SetDefault("aws_region", "us-east-1")
	v.SetDefault("dns_provider", "fake")
	v.SetDefault("session_domain", "sessions.emulab.dev")
	v.SetDefault("dns_ttl_seconds", 60)
	v.SetDefault("queue_provider", "sqs")
	v.SetDefault("setup_queue", "emulab-session-setup")
	v.SetDefault("termination_queue", "emulab-session-termination")
	v.SetDefault("redis_addr", "127.0.0.1:6379")
	v.SetDefault("recordings_bucket", "emulab-recordings")
	v.SetDefault("presign_ttl", time.Hour)
	v.SetDefault("agent_username", "genymotion")
	v.SetDefault("agent_timeout", 15*time.Second)
	v.SetDefault("inactivity_minutes", 15)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("reconcile_interval", 2*time.Minute)
	v.SetDefault("stuck_setup_after", 10*time.Minute)
	v.SetDefault("max_setup_attempts", 2)
	v.SetDefault("ready_timeout", 300*time.Second)
	v.SetDefault("ready_poll_interval", 5*time.Second)
	v.SetDefault("tls_settle_delay", 10*time.Second)
	v.SetDefault("worker_concurrency", 4)
}

// Load reads EMULAB_* environment variables.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EMULAB")
	v.AutomaticEnv()
	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		ListenAddr:        v.GetString("listen_addr"),
		DatabaseURL:       v.GetString("database_url"),
		CORSOrigins:       splitCSV(v.GetString("cors_origins")),
		LogLevel:          v.GetString("log_level"),
		LogFormat:         v.GetString("log_format"),
		ComputeProvider:   strings.ToLower(v.GetString("compute_provider")),
		AWSRegion:         v.GetString("aws_region"),
		AWSSubnetID:       strings.TrimSpace(v.GetString("aws_subnet_id")),
		AWSSecurityIDs:    splitCSV(v.GetString("aws_security_group_ids")),
		AWSKeyName:        strings.TrimSpace(v.GetString("aws_key_name")),
		DNSProvider:       strings.ToLower(v.GetString("dns_provider")),
		HostedZoneID:      v.GetString("hosted_zone_id"),
		SessionDomain:     strings.Trim(strings.ToLower(v.GetString("session_domain")), "."),
		DNSTTLSeconds:     v.GetInt64("dns_ttl_seconds"),
		QueueProvider:     strings.ToLower(v.GetString("queue_provider")),
		SetupQueue:        v.GetString("setup_queue"),
		TerminationQueue:  v.GetString("termination_queue"),
		RedisAddr:         v.GetString("redis_addr"),
		SQSEndpoint:       v.GetString("sqs_endpoint"),
		S3Endpoint:        v.GetString("s3_endpoint"),
		RecordingsBucket:  v.GetString("recordings_bucket"),
		PresignTTL:        v.GetDuration("presign_ttl"),
		AgentUsername:     v.GetString("agent_username"),
		AgentTimeout:      v.GetDuration("agent_timeout"),
		InactivityMinutes: positiveInt(v.GetInt("inactivity_minutes"), 15),
		SweepInterval:     v.GetDuration("sweep_interval"),
		ReconcileInterval: v.GetDuration("reconcile_interval"),
		StuckSetupAfter:   v.GetDuration("stuck_setup_after"),
		MaxSetupAttempts:  positiveInt(v.GetInt("max_setup_attempts"), 2),
		ReadyTimeout:      v.GetDuration("ready_timeout"),
		ReadyPollInterval: v.GetDuration("ready_poll_interval"),
		TLSSettleDelay:    v.GetDuration("tls_settle_delay"),
		WorkerConcurrency: positiveInt(v.GetInt("worker_concurrency"), 4),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("EMULAB_DATABASE_URL is required")
	}
	if cfg.ComputeProvider != "fake" && cfg.ComputeProvider != "aws" {
		return Config{}, fmt.Errorf("EMULAB_COMPUTE_PROVIDER must be one of fake|aws")
	}
	if cfg.DNSProvider != "fake" && cfg.DNSProvider != "route53" {
		return Config{}, fmt.Errorf("EMULAB_DNS_PROVIDER must be one of fake|route53")
	}
	if cfg.DNSProvider == "route53" && cfg.HostedZoneID == "" {
		return Config{}, fmt.Errorf("EMULAB_HOSTED_ZONE_ID is required for route53 dns provider")
	}
	if cfg.QueueProvider != "sqs" && cfg.QueueProvider != "redis" {
		return Config{}, fmt.Errorf("EMULAB_QUEUE_PROVIDER must be one of sqs|redis")
	}
	if cfg.SetupQueue == "" || cfg.TerminationQueue == "" {
		return Config{}, fmt.Errorf("EMULAB_SETUP_QUEUE and EMULAB_TERMINATION_QUEUE are required")
	}
	if cfg.SessionDomain == "" {
		return Config{}, fmt.Errorf("EMULAB_SESSION_DOMAIN is required")
	}
	if cfg.ReadyPollInterval <= 0 || cfg.ReadyTimeout < cfg.ReadyPollInterval {
		return Config{}, fmt.Errorf("EMULAB_READY_TIMEOUT must be at least EMULAB_READY_POLL_INTERVAL")
	}
	return cfg, nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func positiveInt(n, d int) int {
	if n <= 0 {
		return d
	}
	return n
}
