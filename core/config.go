package core

import (
	"fmt"
	"strings"
	"time"
)

type SchedulerConfig struct {
	TenantID      string        `koanf:"tenant_id" mapstructure:"tenant_id"`
	BatchSize     int           `koanf:"batch_size" mapstructure:"batch_size"`
	LeaseDuration time.Duration `koanf:"lease_duration" mapstructure:"lease_duration"`
	PollInterval  time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
	ReapInterval  time.Duration `koanf:"reap_interval" mapstructure:"reap_interval"`
	MaxAttempts   int           `koanf:"max_attempts" mapstructure:"max_attempts"`
}

type OutboxConfig struct {
	FanOutInterval  time.Duration `koanf:"fan_out_interval" mapstructure:"fan_out_interval"`
	FanOutBatchSize int           `koanf:"fan_out_batch_size" mapstructure:"fan_out_batch_size"`
}

type WebhookConfig struct {
	DeliverInterval time.Duration `koanf:"deliver_interval" mapstructure:"deliver_interval"`
	BatchSize       int           `koanf:"batch_size" mapstructure:"batch_size"`
	MaxAttempts     int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	BackoffBase     time.Duration `koanf:"backoff_base" mapstructure:"backoff_base"`
	RequestTimeout  time.Duration `koanf:"request_timeout" mapstructure:"request_timeout"`
}

type IdempotencyConfig struct {
	TTL time.Duration `koanf:"ttl" mapstructure:"ttl"`
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name"`
	Scheduler   SchedulerConfig   `koanf:"scheduler" mapstructure:"scheduler"`
	Outbox      OutboxConfig      `koanf:"outbox" mapstructure:"outbox"`
	Webhooks    WebhookConfig     `koanf:"webhooks" mapstructure:"webhooks"`
	Idempotency IdempotencyConfig `koanf:"idempotency" mapstructure:"idempotency"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "subscriptions",
		Scheduler: SchedulerConfig{
			BatchSize:     10,
			LeaseDuration: 5 * time.Minute,
			PollInterval:  5 * time.Second,
			ReapInterval:  60 * time.Second,
			MaxAttempts:   3,
		},
		Outbox: OutboxConfig{
			FanOutInterval:  5 * time.Second,
			FanOutBatchSize: 100,
		},
		Webhooks: WebhookConfig{
			DeliverInterval: 10 * time.Second,
			BatchSize:       50,
			MaxAttempts:     5,
			BackoffBase:     60 * time.Second,
			RequestTimeout:  10 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			TTL: 24 * time.Hour,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Scheduler.BatchSize < 0 {
		return fmt.Errorf("core: scheduler batch_size cannot be negative")
	}
	if c.Scheduler.LeaseDuration < 0 {
		return fmt.Errorf("core: scheduler lease_duration cannot be negative")
	}
	if c.Webhooks.MaxAttempts < 0 {
		return fmt.Errorf("core: webhooks max_attempts cannot be negative")
	}
	if c.Idempotency.TTL < 0 {
		return fmt.Errorf("core: idempotency ttl cannot be negative")
	}
	return nil
}
