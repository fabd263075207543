package core

import (
	"context"
	"testing"
	"time"
)

func TestCfgxConfigProvider_AppliesDefaultsAndOverrides(t *testing.T) {
	provider := NewCfgxConfigProvider(staticRawConfigLoader{Values: map[string]any{
		"service_name": "billing-worker",
		"scheduler": map[string]any{
			"batch_size": 25,
		},
	}})

	cfg, err := provider.Load(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ServiceName != "billing-worker" {
		t.Fatalf("service name = %q", cfg.ServiceName)
	}
	if cfg.Scheduler.BatchSize != 25 {
		t.Fatalf("batch size = %d", cfg.Scheduler.BatchSize)
	}
	if cfg.Scheduler.LeaseDuration != 5*time.Minute {
		t.Fatalf("expected default lease duration, got %s", cfg.Scheduler.LeaseDuration)
	}
	if cfg.Webhooks.MaxAttempts != 5 {
		t.Fatalf("expected default webhook attempts, got %d", cfg.Webhooks.MaxAttempts)
	}
}

func TestGoOptionsResolver_RuntimeWinsOverLoaded(t *testing.T) {
	defaults := DefaultConfig()
	loaded := Config{}
	loaded.ServiceName = "from-config"
	loaded.Scheduler.BatchSize = 20

	runtime := Config{}
	runtime.Scheduler.BatchSize = 3

	resolved, err := GoOptionsResolver{}.Resolve(defaults, loaded, runtime)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.ServiceName != "from-config" {
		t.Fatalf("service name = %q", resolved.ServiceName)
	}
	if resolved.Scheduler.BatchSize != 3 {
		t.Fatalf("runtime batch size should win, got %d", resolved.Scheduler.BatchSize)
	}
	if resolved.Scheduler.ReapInterval != 60*time.Second {
		t.Fatalf("defaults should fill unset fields, got %s", resolved.Scheduler.ReapInterval)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServiceName = "  "
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected blank service name to fail validation")
	}

	cfg = DefaultConfig()
	cfg.Scheduler.BatchSize = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected negative batch size to fail validation")
	}
}
