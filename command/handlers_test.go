package command

import (
	"context"
	"errors"
	"testing"
	"time"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-subscriptions/core"
)

type stubLifecycleService struct {
	createFn   func(ctx context.Context, subscription core.Subscription) (core.Subscription, error)
	scheduleFn func(ctx context.Context, tenantID, subscriptionID string, dueAt time.Time) (core.Task, bool, error)
	cancelFn   func(ctx context.Context, tenantID, subscriptionID, reason string) error
}

func (s stubLifecycleService) CreateSubscription(ctx context.Context, subscription core.Subscription) (core.Subscription, error) {
	if s.createFn == nil {
		return core.Subscription{}, errors.New("unexpected CreateSubscription call")
	}
	return s.createFn(ctx, subscription)
}

func (s stubLifecycleService) ScheduleRenewal(ctx context.Context, tenantID, subscriptionID string, dueAt time.Time) (core.Task, bool, error) {
	if s.scheduleFn == nil {
		return core.Task{}, false, errors.New("unexpected ScheduleRenewal call")
	}
	return s.scheduleFn(ctx, tenantID, subscriptionID, dueAt)
}

func (s stubLifecycleService) Cancel(ctx context.Context, tenantID, subscriptionID, reason string) error {
	if s.cancelFn == nil {
		return errors.New("unexpected Cancel call")
	}
	return s.cancelFn(ctx, tenantID, subscriptionID, reason)
}

type stubEndpointStore struct {
	core.WebhookEndpointStore

	createFn func(ctx context.Context, endpoint core.WebhookEndpoint) (core.WebhookEndpoint, error)
	updateFn func(ctx context.Context, tenantID, endpointID, status string) error
}

func (s stubEndpointStore) Create(ctx context.Context, endpoint core.WebhookEndpoint) (core.WebhookEndpoint, error) {
	return s.createFn(ctx, endpoint)
}

func (s stubEndpointStore) UpdateStatus(ctx context.Context, tenantID, endpointID, status string) error {
	return s.updateFn(ctx, tenantID, endpointID, status)
}

type stubTaskStore struct {
	core.TaskStore

	enqueueFn func(ctx context.Context, input core.EnqueueTaskInput) (core.Task, bool, error)
}

func (s stubTaskStore) Enqueue(ctx context.Context, input core.EnqueueTaskInput) (core.Task, bool, error) {
	return s.enqueueFn(ctx, input)
}

type stubDeliveryStore struct {
	core.WebhookDeliveryStore

	rescheduleFn func(ctx context.Context, tenantID, deliveryID string, nextAttemptAt time.Time) (core.WebhookDelivery, error)
}

func (s stubDeliveryStore) Reschedule(ctx context.Context, tenantID, deliveryID string, nextAttemptAt time.Time) (core.WebhookDelivery, error) {
	return s.rescheduleFn(ctx, tenantID, deliveryID, nextAttemptAt)
}

func TestCreateSubscriptionCommand_DelegatesAndStoresResult(t *testing.T) {
	expected := core.Subscription{ID: "sub_1", TenantID: "acme", Status: core.SubscriptionStatusTrialing}
	svc := stubLifecycleService{
		createFn: func(_ context.Context, subscription core.Subscription) (core.Subscription, error) {
			if subscription.PlanID != "plan_1" {
				t.Fatalf("expected plan_1, got %q", subscription.PlanID)
			}
			return expected, nil
		},
	}

	cmd := NewCreateSubscriptionCommand(svc)
	collector := gocmd.NewResult[core.Subscription]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	err := cmd.Execute(ctx, CreateSubscriptionMessage{Subscription: core.Subscription{
		TenantID:   "acme",
		CustomerID: "cust_1",
		PlanID:     "plan_1",
	}})
	if err != nil {
		t.Fatalf("execute create subscription: %v", err)
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected result to be stored")
	}
	if result.ID != expected.ID || result.Status != expected.Status {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestScheduleRenewalCommand_DefaultsDueAtAndReportsCreation(t *testing.T) {
	svc := stubLifecycleService{
		scheduleFn: func(_ context.Context, tenantID, subscriptionID string, dueAt time.Time) (core.Task, bool, error) {
			if tenantID != "acme" || subscriptionID != "sub_1" {
				t.Fatalf("unexpected schedule args: %q %q", tenantID, subscriptionID)
			}
			if dueAt.IsZero() {
				t.Fatalf("expected due at defaulted to now")
			}
			return core.Task{ID: "task_1", TaskKey: core.RenewalTaskKey("sub_1")}, true, nil
		},
	}

	cmd := NewScheduleRenewalCommand(svc)
	collector := gocmd.NewResult[ScheduleRenewalResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := cmd.Execute(ctx, ScheduleRenewalMessage{TenantID: "acme", SubscriptionID: "sub_1"}); err != nil {
		t.Fatalf("execute schedule renewal: %v", err)
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected result to be stored")
	}
	if result.Task.ID != "task_1" || !result.Created {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestCancelSubscriptionCommand_DelegatesToService(t *testing.T) {
	called := false
	svc := stubLifecycleService{
		cancelFn: func(_ context.Context, tenantID, subscriptionID, reason string) error {
			called = true
			if tenantID != "acme" || subscriptionID != "sub_1" || reason != "customer request" {
				t.Fatalf("unexpected cancel args: %q %q %q", tenantID, subscriptionID, reason)
			}
			return nil
		},
	}

	cmd := NewCancelSubscriptionCommand(svc)
	err := cmd.Execute(context.Background(), CancelSubscriptionMessage{
		TenantID:       "acme",
		SubscriptionID: "sub_1",
		Reason:         "customer request",
	})
	if err != nil {
		t.Fatalf("execute cancel: %v", err)
	}
	if !called {
		t.Fatalf("expected cancel invocation")
	}
}

func TestEnqueueTaskCommand_StoresCreatedTask(t *testing.T) {
	store := stubTaskStore{
		enqueueFn: func(_ context.Context, input core.EnqueueTaskInput) (core.Task, bool, error) {
			if input.TaskType != core.TaskTypeSubscriptionRenewal {
				t.Fatalf("unexpected task type %q", input.TaskType)
			}
			return core.Task{ID: "task_1", TaskType: input.TaskType}, true, nil
		},
	}

	cmd := NewEnqueueTaskCommand(store)
	collector := gocmd.NewResult[core.Task]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	err := cmd.Execute(ctx, EnqueueTaskMessage{Input: core.EnqueueTaskInput{
		TenantID: "acme",
		TaskType: core.TaskTypeSubscriptionRenewal,
	}})
	if err != nil {
		t.Fatalf("execute enqueue: %v", err)
	}
	result, ok := collector.Load()
	if !ok || result.ID != "task_1" {
		t.Fatalf("expected stored task, got %#v ok=%v", result, ok)
	}
}

func TestEndpointCommands_DelegateToStore(t *testing.T) {
	t.Run("register", func(t *testing.T) {
		store := stubEndpointStore{
			createFn: func(_ context.Context, endpoint core.WebhookEndpoint) (core.WebhookEndpoint, error) {
				endpoint.ID = "ep_1"
				return endpoint, nil
			},
		}
		cmd := NewRegisterEndpointCommand(store)
		collector := gocmd.NewResult[core.WebhookEndpoint]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)

		err := cmd.Execute(ctx, RegisterEndpointMessage{Endpoint: core.WebhookEndpoint{
			TenantID: "acme",
			URL:      "https://hooks.example.com",
			Secret:   "whsec_test",
		}})
		if err != nil {
			t.Fatalf("execute register: %v", err)
		}
		result, ok := collector.Load()
		if !ok || result.ID != "ep_1" {
			t.Fatalf("expected stored endpoint, got %#v ok=%v", result, ok)
		}
	})

	t.Run("update status", func(t *testing.T) {
		called := false
		store := stubEndpointStore{
			updateFn: func(_ context.Context, tenantID, endpointID, status string) error {
				called = true
				if status != core.EndpointStatusDisabled {
					t.Fatalf("unexpected status %q", status)
				}
				return nil
			},
		}
		cmd := NewUpdateEndpointStatusCommand(store)
		err := cmd.Execute(context.Background(), UpdateEndpointStatusMessage{
			TenantID:   "acme",
			EndpointID: "ep_1",
			Status:     core.EndpointStatusDisabled,
		})
		if err != nil {
			t.Fatalf("execute update status: %v", err)
		}
		if !called {
			t.Fatalf("expected update invocation")
		}
	})
}

func TestReplayDeliveryCommand_DefaultsNextAttempt(t *testing.T) {
	store := stubDeliveryStore{
		rescheduleFn: func(_ context.Context, tenantID, deliveryID string, nextAttemptAt time.Time) (core.WebhookDelivery, error) {
			if nextAttemptAt.IsZero() {
				t.Fatalf("expected next attempt defaulted")
			}
			return core.WebhookDelivery{ID: deliveryID, Status: core.WebhookStatusPending}, nil
		},
	}

	cmd := NewReplayDeliveryCommand(store)
	collector := gocmd.NewResult[core.WebhookDelivery]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := cmd.Execute(ctx, ReplayDeliveryMessage{TenantID: "acme", DeliveryID: "del_1"}); err != nil {
		t.Fatalf("execute replay: %v", err)
	}
	result, ok := collector.Load()
	if !ok || result.Status != core.WebhookStatusPending {
		t.Fatalf("expected pending delivery, got %#v ok=%v", result, ok)
	}
}

func TestCommands_RejectMissingDependencies(t *testing.T) {
	if err := (&CreateSubscriptionCommand{}).Execute(context.Background(), CreateSubscriptionMessage{}); err == nil {
		t.Fatalf("expected dependency error")
	}
	if err := (&EnqueueTaskCommand{}).Execute(context.Background(), EnqueueTaskMessage{}); err == nil {
		t.Fatalf("expected dependency error")
	}
	if err := (&ReplayDeliveryCommand{}).Execute(context.Background(), ReplayDeliveryMessage{}); err == nil {
		t.Fatalf("expected dependency error")
	}
}

func TestMessages_ValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name    string
		message interface{ Validate() error }
		wantErr bool
	}{
		{"create subscription ok", CreateSubscriptionMessage{Subscription: core.Subscription{TenantID: "acme", CustomerID: "cust_1", PlanID: "plan_1"}}, false},
		{"create subscription missing plan", CreateSubscriptionMessage{Subscription: core.Subscription{TenantID: "acme", CustomerID: "cust_1"}}, true},
		{"schedule renewal ok", ScheduleRenewalMessage{TenantID: "acme", SubscriptionID: "sub_1"}, false},
		{"schedule renewal missing subscription", ScheduleRenewalMessage{TenantID: "acme"}, true},
		{"endpoint status invalid", UpdateEndpointStatusMessage{TenantID: "acme", EndpointID: "ep_1", Status: "PAUSED"}, true},
		{"endpoint status ok", UpdateEndpointStatusMessage{TenantID: "acme", EndpointID: "ep_1", Status: core.EndpointStatusActive}, false},
		{"replay missing delivery", ReplayDeliveryMessage{TenantID: "acme"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.message.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}
