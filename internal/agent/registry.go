// Package agent maps agent names to their identity and execution profile.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/persistence"
)

// Registry resolves agents. Identity and the active flag live in the store
// and are read on every lookup; the execution profile (command, workdir,
// timeout) is held in memory and replaced on config reload.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]config.AgentConfig
	store    *persistence.Store
	logger   *slog.Logger
}

func NewRegistry(store *persistence.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		profiles: make(map[string]config.AgentConfig),
		store:    store,
		logger:   logger,
	}
}

// Sync upserts every configured agent and soft-disables stored agents that
// are no longer configured. Agents are never deleted; tasks reference them.
func (r *Registry) Sync(ctx context.Context, agents []config.AgentConfig) error {
	profiles := make(map[string]config.AgentConfig, len(agents))
	for _, a := range agents {
		if err := r.store.UpsertAgent(ctx, persistence.Agent{
			Name:     a.Name,
			Label:    a.Label,
			IsActive: a.IsActive(),
		}); err != nil {
			return fmt.Errorf("sync agent %s: %w", a.Name, err)
		}
		profiles[a.Name] = a
	}

	stored, err := r.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("sync agents: %w", err)
	}
	for _, a := range stored {
		if _, ok := profiles[a.Name]; ok || !a.IsActive {
			continue
		}
		if err := r.store.SetAgentActive(ctx, a.Name, false); err != nil {
			return fmt.Errorf("deactivate agent %s: %w", a.Name, err)
		}
		r.logger.Info("agent removed from config, deactivated", "agent", a.Name)
	}

	r.mu.Lock()
	r.profiles = profiles
	r.mu.Unlock()
	r.logger.Info("agent registry synced", "agents", len(profiles))
	return nil
}

// Resolve returns an active agent. Unknown and inactive agents both yield
// persistence.ErrNotFound.
func (r *Registry) Resolve(ctx context.Context, name string) (*persistence.Agent, error) {
	a, err := r.store.GetAgent(ctx, name)
	if err != nil {
		return nil, err
	}
	if !a.IsActive {
		return nil, fmt.Errorf("agent %s is inactive: %w", name, persistence.ErrNotFound)
	}
	return a, nil
}

// Known reports whether name resolves to an active agent.
func (r *Registry) Known(ctx context.Context, name string) (bool, error) {
	_, err := r.Resolve(ctx, name)
	if errors.Is(err, persistence.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *Registry) List(ctx context.Context) ([]persistence.Agent, error) {
	return r.store.ListAgents(ctx)
}

// Active lists active agents ordered by name.
func (r *Registry) Active(ctx context.Context) ([]persistence.Agent, error) {
	all, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}

// Profile returns the execution profile for name.
func (r *Registry) Profile(name string) (config.AgentConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}
