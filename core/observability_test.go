package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureMetricsRecorder struct {
	mu         sync.Mutex
	counters   map[string]int64
	histograms map[string][]float64
	tags       map[string]map[string]string
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = map[string]int64{}
		m.tags = map[string]map[string]string{}
	}
	m.counters[name] += value
	m.tags[name] = tags
}

func (m *captureMetricsRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.histograms == nil {
		m.histograms = map[string][]float64{}
	}
	m.histograms[name] = append(m.histograms[name], value)
}

func TestObserveOperation_RecordsMetricsAndTags(t *testing.T) {
	recorder := &captureMetricsRecorder{}

	ObserveOperation(
		context.Background(),
		nil,
		recorder,
		time.Now().Add(-15*time.Millisecond),
		"Task Dispatch",
		nil,
		map[string]any{"tenant_id": "tnt_1", "task_type": "CHARGE_PAYMENT"},
	)

	if recorder.counters["subscriptions.task_dispatch.total"] != 1 {
		t.Fatalf("counters = %#v", recorder.counters)
	}
	if len(recorder.histograms["subscriptions.task_dispatch.duration_ms"]) != 1 {
		t.Fatalf("histograms = %#v", recorder.histograms)
	}
	tags := recorder.tags["subscriptions.task_dispatch.total"]
	if tags["tenant_id"] != "tnt_1" || tags["task_type"] != "CHARGE_PAYMENT" {
		t.Fatalf("tags = %#v", tags)
	}
	if tags["status"] != "success" {
		t.Fatalf("status tag = %q", tags["status"])
	}
}

func TestObserveOperation_FailureStatus(t *testing.T) {
	recorder := &captureMetricsRecorder{}

	ObserveOperation(
		context.Background(),
		nil,
		recorder,
		time.Now(),
		"webhook_deliver",
		errors.New("connection refused"),
		nil,
	)

	tags := recorder.tags["subscriptions.webhook_deliver.total"]
	if tags["status"] != "failure" {
		t.Fatalf("status tag = %q", tags["status"])
	}
}
