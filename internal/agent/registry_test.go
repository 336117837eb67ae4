package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/persistence"
)

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskrelay.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func boolPtr(b bool) *bool { return &b }

func TestRegistry_SyncAndResolve(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(openStore(t), nil)

	err := reg.Sync(ctx, []config.AgentConfig{
		{Name: "claude", Label: "Claude", Command: []string{"claude", "-p"}},
		{Name: "opencode", Label: "OpenCode", Active: boolPtr(false), Command: []string{"opencode"}},
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	a, err := reg.Resolve(ctx, "claude")
	if err != nil {
		t.Fatalf("resolve claude: %v", err)
	}
	if a.Label != "Claude" || !a.IsActive {
		t.Fatalf("unexpected agent: %+v", a)
	}

	if _, err := reg.Resolve(ctx, "opencode"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("inactive agent should be not found, got %v", err)
	}
	if _, err := reg.Resolve(ctx, "ghost"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("unknown agent should be not found, got %v", err)
	}

	p, ok := reg.Profile("claude")
	if !ok || len(p.Command) != 2 {
		t.Fatalf("expected claude profile, got %+v ok=%v", p, ok)
	}
}

func TestRegistry_SyncDeactivatesRemovedAgents(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(openStore(t), nil)

	if err := reg.Sync(ctx, []config.AgentConfig{
		{Name: "a", Command: []string{"a"}},
		{Name: "b", Command: []string{"b"}},
	}); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := reg.Sync(ctx, []config.AgentConfig{{Name: "a", Command: []string{"a"}}}); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	all, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("agents are never deleted, got %d", len(all))
	}
	active, err := reg.Active(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 || active[0].Name != "a" {
		t.Fatalf("expected only a active, got %+v", active)
	}
	if _, ok := reg.Profile("b"); ok {
		t.Fatal("removed agent should have no profile")
	}
}

func TestRegistry_ReadsStoreOnEveryLookup(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	reg := NewRegistry(store, nil)
	if err := reg.Sync(ctx, []config.AgentConfig{{Name: "claude", Command: []string{"claude"}}}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if err := store.SetAgentActive(ctx, "claude", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	ok, err := reg.Known(ctx, "claude")
	if err != nil {
		t.Fatalf("known: %v", err)
	}
	if ok {
		t.Fatal("deactivation in the store should be visible immediately")
	}
}
