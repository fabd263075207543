package scheduler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-subscriptions/scheduler"
)

func TestReaper_RunOnceReportsRecoveredLeases(t *testing.T) {
	store := &fakeTaskStore{reaped: 3}
	reaper, err := scheduler.NewReaper(store)
	if err != nil {
		t.Fatalf("new reaper: %v", err)
	}

	recovered, err := reaper.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if recovered != 3 {
		t.Fatalf("expected 3 recovered leases, got %d", recovered)
	}
}

func TestReaper_RunOnceWrapsStoreErrors(t *testing.T) {
	store := &fakeTaskStore{reapErr: errors.New("db gone")}
	reaper, err := scheduler.NewReaper(store)
	if err != nil {
		t.Fatalf("new reaper: %v", err)
	}
	if _, err := reaper.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected reap error to surface")
	}
}

func TestNewReaper_RequiresTaskStore(t *testing.T) {
	if _, err := scheduler.NewReaper(nil); err == nil {
		t.Fatalf("expected nil task store to be rejected")
	}
}
