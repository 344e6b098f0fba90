package apps

import (
	"context"
	"errors"
	"testing"

	"github.com/Wundero/sinkr/internal/store"
	"github.com/Wundero/sinkr/pkg/logging"
)

func newService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return NewService(mem, nil, logging.NewLogger()), mem
}

func TestResolveReturnsEnabledApp(t *testing.T) {
	svc, mem := newService(t)
	mem.SeedApp(store.App{ID: "app-1", Name: "demo", SecretKey: "sk", Enabled: true})

	app, err := svc.Resolve(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("Resolve returned unexpected error: %v", err)
	}
	if app.SecretKey != "sk" {
		t.Fatalf("unexpected app row: %+v", app)
	}
}

func TestResolveUnknownAppIsNotFound(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Resolve(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveDisabledAppIsNotFound(t *testing.T) {
	svc, mem := newService(t)
	mem.SeedApp(store.App{ID: "app-1", Name: "demo", SecretKey: "sk", Enabled: false})

	_, err := svc.Resolve(context.Background(), "app-1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for disabled app, got %v", err)
	}
}

func TestInvalidateDropsCachedRow(t *testing.T) {
	svc, mem := newService(t)
	mem.SeedApp(store.App{ID: "app-1", Name: "demo", SecretKey: "old", Enabled: true})

	if _, err := svc.Resolve(context.Background(), "app-1"); err != nil {
		t.Fatalf("warm-up Resolve failed: %v", err)
	}

	// Rotate the secret behind the cache's back; a cached read still sees
	// the old row until invalidated.
	mem.SeedApp(store.App{ID: "app-1", Name: "demo", SecretKey: "new", Enabled: true})

	app, err := svc.Resolve(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if app.SecretKey != "old" {
		t.Fatalf("expected cached secret, got %q", app.SecretKey)
	}

	svc.Invalidate("app-1")

	app, err = svc.Resolve(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("Resolve after invalidation failed: %v", err)
	}
	if app.SecretKey != "new" {
		t.Fatalf("expected fresh secret after invalidation, got %q", app.SecretKey)
	}
}
