package sqlstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/uptrace/bun"
)

type stubResult struct {
	affected int64
	err      error
}

func (r stubResult) LastInsertId() (int64, error) { return 0, nil }

func (r stubResult) RowsAffected() (int64, error) { return r.affected, r.err }

func TestRowsAffected_ReturnsDriverCount(t *testing.T) {
	affected, err := rowsAffected(stubResult{affected: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if affected != 3 {
		t.Fatalf("expected 3 rows, got %d", affected)
	}
}

func TestRowsAffected_SurfacesDriverError(t *testing.T) {
	driverErr := errors.New("driver: rows affected unsupported")

	affected, err := rowsAffected(stubResult{err: driverErr})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !errors.Is(err, driverErr) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
	if !strings.Contains(err.Error(), "rows affected") {
		t.Fatalf("expected error context, got %v", err)
	}
	if affected != 0 {
		t.Fatalf("expected zero count on error, got %d", affected)
	}
}

func TestRunInTransaction_RequiresConfiguredFactory(t *testing.T) {
	var factory *RepositoryFactory
	if err := factory.RunInTransaction(context.Background(), func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected error from nil factory")
	}

	factory = &RepositoryFactory{}
	if err := factory.RunInTransaction(context.Background(), func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected error from unconfigured factory")
	}
}

func TestRunInTransaction_ReusesOpenTransaction(t *testing.T) {
	factory := &RepositoryFactory{db: &bun.DB{}}
	open := bun.Tx{}
	ctx := withConn(context.Background(), open)

	called := false
	err := factory.RunInTransaction(ctx, func(fnCtx context.Context) error {
		called = true
		if _, ok := fnCtx.Value(txContextKey{}).(bun.Tx); !ok {
			t.Fatalf("expected the open transaction handle in fn context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected fn to run on the open transaction")
	}
}
