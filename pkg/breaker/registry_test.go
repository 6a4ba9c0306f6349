package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/mailfetch/pkg/mailapi"
)

func TestRegistry_IsolatesTenants(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil, zerolog.Nop())
	ctx := context.Background()

	a := r.Get(ctx, "alice")
	for i := 1; i <= 3; i++ {
		a.RecordError(ctx, mailapi.ErrorClassRateLimit, 1)
	}

	if !r.Status(ctx, "alice").IsOpen {
		t.Error("alice should be open")
	}
	if r.Status(ctx, "bob").IsOpen {
		t.Error("bob must not be affected by alice's quota violations")
	}
	if r.Get(ctx, "alice") != a {
		t.Error("Get() should return the same breaker for a tenant")
	}

	tenants := r.Tenants()
	if len(tenants) != 2 || tenants[0] != "alice" || tenants[1] != "bob" {
		t.Errorf("Tenants() = %v, want [alice bob]", tenants)
	}
}

func TestRegistry_Reset(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil, zerolog.Nop())
	ctx := context.Background()

	b := r.Get(ctx, "alice")
	for i := 1; i <= 5; i++ {
		b.RecordError(ctx, mailapi.ErrorClassRateLimit, i)
	}

	got := r.Reset(ctx, "alice")
	if got != (Status{}) {
		t.Errorf("Reset() = %+v, want zero status", got)
	}
	if got := r.Status(ctx, "alice"); got != (Status{}) {
		t.Errorf("Status() after Reset() = %+v, want zero status", got)
	}
}

func TestRegistry_RestoresFromStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	until := time.Now().Add(time.Hour)

	if err := store.Save(ctx, "alice", State{
		IsOpen:            true,
		OpenedUntil:       until,
		ConsecutiveErrors: 4,
		IsHeavy:           true,
	}); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(DefaultConfig(), store, zerolog.Nop())
	status := r.Status(ctx, "alice")
	if !status.IsOpen || !status.IsHeavy || status.ConsecutiveErrors != 4 {
		t.Errorf("restored status = %+v", status)
	}
}

func TestRegistry_SharedStoreSeesRemoteReset(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := NewRegistry(DefaultConfig(), store, zerolog.Nop())
	second := NewRegistry(DefaultConfig(), store, zerolog.Nop())

	b := first.Get(ctx, "alice")
	for i := 1; i <= 3; i++ {
		b.RecordError(ctx, mailapi.ErrorClassRateLimit, 1)
	}
	if !second.Status(ctx, "alice").IsOpen {
		t.Fatal("second registry should see alice open")
	}

	second.Reset(ctx, "alice")
	if got := first.Status(ctx, "alice"); got != (Status{}) {
		t.Errorf("first.Status() = %+v, want the reset state", got)
	}
}
