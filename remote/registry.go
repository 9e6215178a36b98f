package remote

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/vaultsync/vaultsync/vault"
)

// Registry resolves remote ids to live backends.
//
// Backends are built lazily on first use and cached for the life of
// the registry, so remotes which are configured but never uploaded to
// cost nothing.
type Registry struct {
	mu       sync.Mutex
	configs  map[string]Config
	backends map[string]Backend
}

// NewRegistry makes a registry from validated configs
func NewRegistry(configs []Config) (*Registry, error) {
	r := &Registry{
		configs:  make(map[string]Config, len(configs)),
		backends: make(map[string]Backend),
	}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.configs[cfg.ID]; dup {
			return nil, errors.Errorf("duplicate remote id %q", cfg.ID)
		}
		r.configs[cfg.ID] = cfg
	}
	return r, nil
}

// Backend returns the live backend for the remote id, building it on
// first use.  An unknown or inactive remote returns
// vault.ErrorRemoteNotConfigured.
func (r *Registry) Backend(ctx context.Context, id string) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[id]; ok {
		return b, nil
	}
	cfg, ok := r.configs[id]
	if !ok {
		return nil, errors.Wrapf(vault.ErrorRemoteNotConfigured, "remote %q", id)
	}
	if !cfg.Active {
		return nil, errors.Wrapf(vault.ErrorRemoteNotConfigured, "remote %q is not active", cfg.Name)
	}
	info, err := Find(cfg.Kind)
	if err != nil {
		return nil, err
	}
	b, err := info.NewBackend(ctx, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to make %s backend for remote %q", cfg.Kind, cfg.Name)
	}
	r.backends[id] = b
	return b, nil
}

// Invalidate drops the cached backend for the remote id so the next
// use builds a fresh one.  Call it after the remote's configuration
// is edited or its remote-side state may have changed underneath us.
func (r *Registry) Invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backends, id)
}

// InvalidateAll drops every cached backend
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends = make(map[string]Backend)
}

// Reload replaces the config set and drops every cached backend.
// Nothing changes if any new config fails validation.
func (r *Registry) Reload(configs []Config) error {
	newConfigs := make(map[string]Config, len(configs))
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, dup := newConfigs[cfg.ID]; dup {
			return errors.Errorf("duplicate remote id %q", cfg.ID)
		}
		newConfigs[cfg.ID] = cfg
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = newConfigs
	r.backends = make(map[string]Backend)
	return nil
}

// Config returns the config of the remote id
func (r *Registry) Config(id string) (Config, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	return cfg, ok
}

// KindOf returns the kind of the remote id
func (r *Registry) KindOf(id string) (Kind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	return cfg.Kind, ok
}

// ActiveIDs returns the ids of all active remotes, sorted
func (r *Registry) ActiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.configs))
	for id, cfg := range r.configs {
		if cfg.Active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
