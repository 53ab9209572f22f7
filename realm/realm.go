// Package realm implements the per-realm lifecycle state machine. One
// Manager owns one guest VM process, its agent channel and its TAP device;
// every public method holds the manager's lock, so operations on one realm
// observe a total order while different realms proceed in parallel.
package realm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/islet-project/warden/agent"
	"github.com/islet-project/warden/hypervisor"
	"github.com/islet-project/warden/types"
)

var (
	// ErrInvalidState: the operation is not allowed in the realm's current
	// state.
	ErrInvalidState = errors.New("invalid realm state")
	// ErrAppNotFound: the realm has no application with that id.
	ErrAppNotFound = errors.New("application not found")
	// ErrHypervisor, ErrNetwork and ErrPersistence classify failures of the
	// underlying services for the RPC error mapping.
	ErrHypervisor  = errors.New("hypervisor error")
	ErrNetwork     = errors.New("network error")
	ErrPersistence = errors.New("persistence error")
)

// Store is the slice of the persistence layer a manager mutates.
type Store interface {
	SaveRealm(realm *types.Realm) error
	SaveApp(realmID uuid.UUID, app *types.Application) error
	DeleteRealm(realmID uuid.UUID) error
}

// Fabric hands out and reclaims TAP devices.
type Fabric interface {
	CreateTap(ctx context.Context, name string) error
	DeleteTap(ctx context.Context, name string) error
}

// Channel is the realm's agent endpoint (implemented by agent.Channel).
type Channel interface {
	Provision(apps []types.ApplicationInfo) error
	StartApp(id uuid.UUID) error
	StopApp(id uuid.UUID) error
	Reboot() error
	Shutdown() error
	Close() error
}

// Connector produces agent channels. Register must be called before the
// hypervisor spawns so an early-connecting guest finds its waiter.
type Connector interface {
	Register(cid uint32) (Waiter, error)
}

// Waiter is one pending guest connection claim (implemented by
// agent.Waiter).
type Waiter interface {
	Await(ctx context.Context, wait, responseTimeout time.Duration) (Channel, error)
	Cancel()
}

// Timeouts carries the agent-channel windows from daemon config.
type Timeouts struct {
	ConnectionWait time.Duration
	ResponseWait   time.Duration
	// ChildExitGrace is added to ResponseWait to bound how long stop/reboot
	// wait for the guest to power off before escalating to Kill.
	ChildExitGrace time.Duration
}

// Manager is the lifecycle state machine of one realm.
type Manager struct {
	mu sync.Mutex

	realm    *types.Realm
	state    types.RealmState
	timeouts Timeouts

	store     Store
	fabric    Fabric
	launcher  hypervisor.Launcher
	connector Connector

	// Runtime handles, non-nil between a successful start and the next
	// stop/teardown.
	vm      hypervisor.VM
	channel Channel
}

// New creates a Manager for a realm in state Halted.
func New(realm *types.Realm, timeouts Timeouts, store Store, fabric Fabric, launcher hypervisor.Launcher, connector Connector) *Manager {
	if realm.Apps == nil {
		realm.Apps = make(map[uuid.UUID]*types.Application)
	}
	return &Manager{
		realm:     realm,
		state:     types.RealmStateHalted,
		timeouts:  timeouts,
		store:     store,
		fabric:    fabric,
		launcher:  launcher,
		connector: connector,
	}
}

// ID returns the realm's identity.
func (m *Manager) ID() uuid.UUID { return m.realm.ID }

// Start boots the realm: TAP, hypervisor, agent handshake, provisioning.
// Allowed from Halted and NeedReboot. Failures before the agent channel
// exists tear everything down and leave the realm Halted; provisioning
// failures after the handshake leave the child running and the realm in
// NeedReboot.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.RealmStateHalted && m.state != types.RealmStateNeedReboot {
		return fmt.Errorf("%w: cannot start a realm in state %s", ErrInvalidState, m.state)
	}
	if m.state == types.RealmStateNeedReboot {
		m.teardownRuntime(ctx)
		m.state = types.RealmStateHalted
	}
	return m.startLocked(ctx)
}

func (m *Manager) startLocked(ctx context.Context) error {
	logger := log.WithFunc("realm.Start")
	tap := m.realm.Config.Network.TapDevice

	if err := m.fabric.CreateTap(ctx, tap); err != nil {
		return fmt.Errorf("%w: acquire tap %s: %w", ErrNetwork, tap, err)
	}

	waiter, err := m.connector.Register(m.realm.Config.Network.VsockCID)
	if err != nil {
		_ = m.fabric.DeleteTap(ctx, tap)
		return fmt.Errorf("register agent waiter: %w", err)
	}

	vm, err := m.launcher.Launch(ctx, m.realm.ID.String(), &m.realm.Config)
	if err != nil {
		waiter.Cancel()
		_ = m.fabric.DeleteTap(ctx, tap)
		return fmt.Errorf("%w: launch: %w", ErrHypervisor, err)
	}

	m.state = types.RealmStateProvisioning
	channel, err := waiter.Await(ctx, m.timeouts.ConnectionWait, m.timeouts.ResponseWait)
	if err != nil {
		_ = vm.Kill(ctx)
		_ = m.fabric.DeleteTap(ctx, tap)
		m.state = types.RealmStateHalted
		return fmt.Errorf("await agent: %w", err)
	}

	m.vm = vm
	m.channel = channel

	if err := channel.Provision(m.provisionInfo()); err != nil {
		// The channel is gone but the guest may be healthy enough to act
		// on a reboot; keep the child for diagnosis instead of killing it.
		_ = channel.Close()
		m.channel = nil
		m.state = types.RealmStateNeedReboot
		return fmt.Errorf("provision realm: %w", err)
	}

	m.state = types.RealmStateRunning
	if err := m.markInstalled(ctx); err != nil {
		logger.Warnf(ctx, "realm %s: %v", m.realm.ID, err)
	}
	logger.Infof(ctx, "realm %s running with %d applications", m.realm.ID, len(m.realm.Apps))
	return nil
}

// provisionInfo lists every application, sorted by id for a stable wire
// order.
func (m *Manager) provisionInfo() []types.ApplicationInfo {
	infos := make([]types.ApplicationInfo, 0, len(m.realm.Apps))
	for _, app := range m.realm.Apps {
		infos = append(infos, app.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID.String() < infos[j].ID.String()
	})
	return infos
}

// markInstalled records that provisioning was requested for every app that
// had not been installed yet. A record that fails to persist keeps its
// in-memory flag cleared so the next boot re-reports it.
func (m *Manager) markInstalled(ctx context.Context) error {
	var errs []error
	for _, app := range m.realm.Apps {
		if app.Installed {
			continue
		}
		app.Installed = true
		if err := m.store.SaveApp(m.realm.ID, app); err != nil {
			app.Installed = false
			errs = append(errs, fmt.Errorf("%w: app %s: %w", ErrPersistence, app.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Stop shuts the realm down. A clean shutdown is requested over the agent
// channel first; a guest that does not power off in time is killed. Stop on
// a Halted realm is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case types.RealmStateHalted:
		return nil
	case types.RealmStateProvisioning:
		return fmt.Errorf("%w: cannot stop a realm in state %s", ErrInvalidState, m.state)
	}
	return m.stopLocked(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) error {
	logger := log.WithFunc("realm.Stop")

	if m.channel != nil {
		if err := m.channel.Shutdown(); err != nil {
			logger.Warnf(ctx, "realm %s shutdown request: %v", m.realm.ID, err)
		}
	}
	if m.vm != nil {
		waitCtx, cancel := context.WithTimeout(ctx, m.timeouts.ResponseWait+m.timeouts.ChildExitGrace)
		_, err := m.vm.Wait(waitCtx)
		cancel()
		if err != nil {
			logger.Warnf(ctx, "realm %s did not power off, killing: %v", m.realm.ID, err)
			if killErr := m.vm.Kill(ctx); killErr != nil {
				return fmt.Errorf("%w: kill: %w", ErrHypervisor, killErr)
			}
		}
	}
	m.teardownRuntime(ctx)
	m.state = types.RealmStateHalted
	logger.Infof(ctx, "realm %s halted", m.realm.ID)
	return nil
}

// teardownRuntime releases every runtime resource: channel, child, TAP.
// Idempotent; used by stop, failed starts and NeedReboot recovery.
func (m *Manager) teardownRuntime(ctx context.Context) {
	logger := log.WithFunc("realm.teardownRuntime")
	if m.channel != nil {
		_ = m.channel.Close()
		m.channel = nil
	}
	if m.vm != nil {
		if m.vm.Alive() {
			if err := m.vm.Kill(ctx); err != nil {
				logger.Warnf(ctx, "realm %s: kill leftover hypervisor: %v", m.realm.ID, err)
			}
		}
		m.vm = nil
	}
	if err := m.fabric.DeleteTap(ctx, m.realm.Config.Network.TapDevice); err != nil {
		logger.Warnf(ctx, "realm %s: release tap: %v", m.realm.ID, err)
	}
}

// Reboot restarts the guest while preserving the realm id: request a guest
// reboot, await child exit, then run the start sequence again. Allowed from
// Running and NeedReboot.
func (m *Manager) Reboot(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.RealmStateRunning && m.state != types.RealmStateNeedReboot {
		return fmt.Errorf("%w: cannot reboot a realm in state %s", ErrInvalidState, m.state)
	}

	logger := log.WithFunc("realm.Reboot")
	if m.channel != nil {
		if err := m.channel.Reboot(); err != nil {
			logger.Warnf(ctx, "realm %s reboot request: %v", m.realm.ID, err)
		}
	}
	if m.vm != nil {
		waitCtx, cancel := context.WithTimeout(ctx, m.timeouts.ResponseWait+m.timeouts.ChildExitGrace)
		_, err := m.vm.Wait(waitCtx)
		cancel()
		if err != nil {
			logger.Warnf(ctx, "realm %s did not exit for reboot, killing: %v", m.realm.ID, err)
			_ = m.vm.Kill(ctx)
		}
	}
	m.teardownRuntime(ctx)
	m.state = types.RealmStateHalted
	return m.startLocked(ctx)
}

// Destroy stops the realm if needed and removes its persistence. The
// manager must not be used afterwards.
func (m *Manager) Destroy(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.RealmStateHalted {
		if err := m.stopLocked(ctx); err != nil {
			return fmt.Errorf("stop before destroy: %w", err)
		}
	}
	if err := m.store.DeleteRealm(m.realm.ID); err != nil {
		return fmt.Errorf("%w: remove realm records: %w", ErrPersistence, err)
	}
	return nil
}

// CreateApp registers a new application on a Halted realm. The record is
// persisted before the in-memory set is touched, so a persistence failure
// leaves no trace.
func (m *Manager) CreateApp(ctx context.Context, cfg types.ApplicationConfig) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.RealmStateHalted {
		return uuid.Nil, fmt.Errorf("%w: cannot create an application in state %s", ErrInvalidState, m.state)
	}
	app := &types.Application{ID: uuid.New(), Config: cfg}
	if err := m.store.SaveApp(m.realm.ID, app); err != nil {
		return uuid.Nil, fmt.Errorf("%w: persist app: %w", ErrPersistence, err)
	}
	m.realm.Apps[app.ID] = app
	log.WithFunc("realm.CreateApp").Infof(ctx, "realm %s: application %s (%s) created", m.realm.ID, app.ID, cfg.Name)
	return app.ID, nil
}

// UpdateApp overwrites an application's config and clears its installed
// flag: the next boot reprovisions it.
func (m *Manager) UpdateApp(ctx context.Context, id uuid.UUID, cfg types.ApplicationConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.RealmStateHalted {
		return fmt.Errorf("%w: cannot update an application in state %s", ErrInvalidState, m.state)
	}
	app, ok := m.realm.Apps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAppNotFound, id)
	}
	updated := &types.Application{ID: id, Config: cfg, Installed: false}
	if err := m.store.SaveApp(m.realm.ID, updated); err != nil {
		return fmt.Errorf("%w: persist app: %w", ErrPersistence, err)
	}
	*app = *updated
	return nil
}

// StartApp forwards a start to the agent. Requires state Running.
func (m *Manager) StartApp(ctx context.Context, id uuid.UUID) error {
	return m.appOp(ctx, id, func(ch Channel) error { return ch.StartApp(id) })
}

// StopApp forwards a stop to the agent. Requires state Running.
func (m *Manager) StopApp(ctx context.Context, id uuid.UUID) error {
	return m.appOp(ctx, id, func(ch Channel) error { return ch.StopApp(id) })
}

func (m *Manager) appOp(ctx context.Context, id uuid.UUID, op func(Channel) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.RealmStateRunning {
		return fmt.Errorf("%w: cannot control applications in state %s", ErrInvalidState, m.state)
	}
	if _, ok := m.realm.Apps[id]; !ok {
		return fmt.Errorf("%w: %s", ErrAppNotFound, id)
	}
	if err := op(m.channel); err != nil {
		if errors.Is(err, agent.ErrResponseTimeout) || errors.Is(err, agent.ErrDisconnected) {
			// The channel is dead; the guest's state is unknown.
			m.channel = nil
			m.state = types.RealmStateNeedReboot
			log.WithFunc("realm.appOp").Warnf(ctx, "realm %s lost its agent channel: %v", m.realm.ID, err)
		}
		return err
	}
	return nil
}

// Inspect returns a snapshot of the realm for clients.
func (m *Manager) Inspect() types.RealmDescription {
	m.mu.Lock()
	defer m.mu.Unlock()

	apps := make([]types.ApplicationDescription, 0, len(m.realm.Apps))
	for _, app := range m.realm.Apps {
		apps = append(apps, app.Describe())
	}
	sort.Slice(apps, func(i, j int) bool {
		return apps[i].ID.String() < apps[j].ID.String()
	})
	return types.RealmDescription{
		ID:           m.realm.ID,
		State:        m.state,
		Applications: apps,
	}
}
