// Package warden is the process-wide realm directory: it maps realm ids to
// their lifecycle managers, creates realms, and rehydrates the map from
// disk at boot. The registry serializes nothing beyond its own map;
// per-realm ordering is the manager's lock, so operations on different
// realms run in parallel.
package warden

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/islet-project/warden/hypervisor"
	"github.com/islet-project/warden/realm"
	"github.com/islet-project/warden/types"
)

// ErrNoSuchRealm is returned when a realm id is not in the registry.
var ErrNoSuchRealm = errors.New("no such realm")

// Store is the persistence surface the registry itself needs.
type Store interface {
	realm.Store
	LoadAll(ctx context.Context) ([]*types.Realm, error)
}

// Warden is the registry of realm managers.
type Warden struct {
	timeouts  realm.Timeouts
	store     Store
	fabric    realm.Fabric
	launcher  hypervisor.Launcher
	connector realm.Connector

	mu     sync.RWMutex
	realms map[uuid.UUID]*realm.Manager
}

// New creates an empty registry over the shared services.
func New(timeouts realm.Timeouts, store Store, fabric realm.Fabric, launcher hypervisor.Launcher, connector realm.Connector) *Warden {
	return &Warden{
		timeouts:  timeouts,
		store:     store,
		fabric:    fabric,
		launcher:  launcher,
		connector: connector,
		realms:    make(map[uuid.UUID]*realm.Manager),
	}
}

// LoadAll rehydrates one manager per persisted realm, all Halted. Called
// once at boot before the RPC server accepts anything.
func (w *Warden) LoadAll(ctx context.Context) error {
	realms, err := w.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load realms: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range realms {
		w.realms[r.ID] = w.newManager(r)
	}
	log.WithFunc("warden.LoadAll").Infof(ctx, "rehydrated %d realms", len(realms))
	return nil
}

func (w *Warden) newManager(r *types.Realm) *realm.Manager {
	return realm.New(r, w.timeouts, w.store, w.fabric, w.launcher, w.connector)
}

// CreateRealm allocates an id, persists the record and registers a manager.
func (w *Warden) CreateRealm(ctx context.Context, cfg types.RealmConfig) (uuid.UUID, error) {
	if err := cfg.Validate(); err != nil {
		return uuid.Nil, err
	}
	r := &types.Realm{
		ID:     uuid.New(),
		Config: cfg,
		Apps:   make(map[uuid.UUID]*types.Application),
	}
	if err := w.store.SaveRealm(r); err != nil {
		return uuid.Nil, fmt.Errorf("%w: persist realm: %w", realm.ErrPersistence, err)
	}

	w.mu.Lock()
	w.realms[r.ID] = w.newManager(r)
	w.mu.Unlock()

	log.WithFunc("warden.CreateRealm").Infof(ctx, "realm %s created", r.ID)
	return r.ID, nil
}

// Get borrows the manager for one operation.
func (w *Warden) Get(id uuid.UUID) (*realm.Manager, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	manager, ok := w.realms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchRealm, id)
	}
	return manager, nil
}

// List snapshots every realm's description.
func (w *Warden) List() []types.RealmDescription {
	w.mu.RLock()
	managers := make([]*realm.Manager, 0, len(w.realms))
	for _, manager := range w.realms {
		managers = append(managers, manager)
	}
	w.mu.RUnlock()

	descriptions := make([]types.RealmDescription, 0, len(managers))
	for _, manager := range managers {
		descriptions = append(descriptions, manager.Inspect())
	}
	return descriptions
}

// DestroyRealm stops the realm if needed, removes its records and drops it
// from the registry.
func (w *Warden) DestroyRealm(ctx context.Context, id uuid.UUID) error {
	manager, err := w.Get(id)
	if err != nil {
		return err
	}
	if err := manager.Destroy(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.realms, id)
	w.mu.Unlock()
	log.WithFunc("warden.DestroyRealm").Infof(ctx, "realm %s destroyed", id)
	return nil
}

// StopAll stops every realm in parallel. Used by daemon shutdown; errors
// are joined, not short-circuited.
func (w *Warden) StopAll(ctx context.Context) error {
	w.mu.RLock()
	managers := make([]*realm.Manager, 0, len(w.realms))
	for _, manager := range w.realms {
		managers = append(managers, manager)
	}
	w.mu.RUnlock()

	// No shared cancellation: one realm failing to stop must not abandon
	// the others mid-shutdown.
	var group errgroup.Group
	for _, manager := range managers {
		manager := manager
		group.Go(func() error {
			if err := manager.Stop(ctx); err != nil {
				return fmt.Errorf("stop realm %s: %w", manager.ID(), err)
			}
			return nil
		})
	}
	return group.Wait()
}
