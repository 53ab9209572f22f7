package realm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/islet-project/warden/agent"
	"github.com/islet-project/warden/hypervisor"
	"github.com/islet-project/warden/types"
)

// --- fakes -----------------------------------------------------------------

type fakeStore struct {
	mu        sync.Mutex
	savedApps []*types.Application
	deleted   []uuid.UUID
	appErr    error
	deleteErr error
}

func (s *fakeStore) SaveRealm(*types.Realm) error { return nil }

func (s *fakeStore) SaveApp(_ uuid.UUID, app *types.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appErr != nil {
		return s.appErr
	}
	saved := *app
	s.savedApps = append(s.savedApps, &saved)
	return nil
}

func (s *fakeStore) DeleteRealm(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, id)
	return nil
}

type fakeFabric struct {
	mu        sync.Mutex
	created   []string
	deleted   []string
	createErr error
}

func (f *fakeFabric) CreateTap(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, name)
	return nil
}

func (f *fakeFabric) DeleteTap(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return nil
}

type fakeVM struct {
	mu     sync.Mutex
	exited chan struct{}
	killed bool
}

func newFakeVM() *fakeVM { return &fakeVM{exited: make(chan struct{})} }

func (v *fakeVM) exit() {
	v.mu.Lock()
	defer v.mu.Unlock()
	select {
	case <-v.exited:
	default:
		close(v.exited)
	}
}

func (v *fakeVM) Wait(ctx context.Context) (int, error) {
	select {
	case <-v.exited:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (v *fakeVM) Kill(context.Context) error {
	v.mu.Lock()
	v.killed = true
	v.mu.Unlock()
	v.exit()
	return nil
}

func (v *fakeVM) Alive() bool {
	select {
	case <-v.exited:
		return false
	default:
		return true
	}
}

type fakeLauncher struct {
	mu       sync.Mutex
	vms      []*fakeVM
	launches int
	err      error
}

func (l *fakeLauncher) exitAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, vm := range l.vms {
		vm.exit()
	}
}

func (l *fakeLauncher) Launch(context.Context, string, *types.RealmConfig) (hypervisor.VM, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.launches++
	vm := newFakeVM()
	l.vms = append(l.vms, vm)
	return vm, nil
}

type fakeChannel struct {
	mu           sync.Mutex
	provisioned  [][]types.ApplicationInfo
	started      []uuid.UUID
	stopped      []uuid.UUID
	rebooted     int
	shutdowns    int
	closed       bool
	provisionErr error
	opErr        error
	onShutdown   func()
	onReboot     func()
}

func (c *fakeChannel) Provision(apps []types.ApplicationInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provisionErr != nil {
		return c.provisionErr
	}
	c.provisioned = append(c.provisioned, apps)
	return nil
}

func (c *fakeChannel) StartApp(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opErr != nil {
		return c.opErr
	}
	c.started = append(c.started, id)
	return nil
}

func (c *fakeChannel) StopApp(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opErr != nil {
		return c.opErr
	}
	c.stopped = append(c.stopped, id)
	return nil
}

func (c *fakeChannel) Reboot() error {
	c.mu.Lock()
	c.rebooted++
	cb := c.onReboot
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (c *fakeChannel) Shutdown() error {
	c.mu.Lock()
	c.shutdowns++
	cb := c.onShutdown
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeWaiter struct {
	channel   *fakeChannel
	err       error
	cancelled bool
}

func (w *fakeWaiter) Await(context.Context, time.Duration, time.Duration) (Channel, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.channel, nil
}

func (w *fakeWaiter) Cancel() { w.cancelled = true }

type fakeConnector struct {
	mu      sync.Mutex
	waiters []*fakeWaiter
	next    func() *fakeWaiter
}

func (c *fakeConnector) Register(uint32) (Waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.next()
	c.waiters = append(c.waiters, w)
	return w, nil
}

// --- harness ---------------------------------------------------------------

type harness struct {
	manager   *Manager
	store     *fakeStore
	fabric    *fakeFabric
	launcher  *fakeLauncher
	connector *fakeConnector
	channel   *fakeChannel
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	channel := &fakeChannel{}
	h := &harness{
		store:    &fakeStore{},
		fabric:   &fakeFabric{},
		launcher: &fakeLauncher{},
		channel:  channel,
		connector: &fakeConnector{
			next: func() *fakeWaiter { return &fakeWaiter{channel: channel} },
		},
	}
	realm := &types.Realm{
		ID: uuid.New(),
		Config: types.RealmConfig{
			Machine: "virt",
			CPU:     types.CPUConfig{CPU: "cortex-a57", CoresNumber: 1},
			Memory:  types.MemoryConfig{RAMSize: 2048},
			Network: types.NetworkConfig{
				VsockCID:       12346,
				TapDevice:      "tap100",
				MacAddress:     "52:55:00:d1:55:01",
				HardwareDevice: "e1000",
			},
			Kernel: types.KernelConfig{KernelPath: "/img/Image"},
		},
		Apps: make(map[uuid.UUID]*types.Application),
	}
	timeouts := Timeouts{ConnectionWait: time.Second, ResponseWait: 50 * time.Millisecond}
	h.manager = New(realm, timeouts, h.store, h.fabric, h.launcher, h.connector)
	return h
}

func (h *harness) addApp(t *testing.T, name string) uuid.UUID {
	t.Helper()
	id, err := h.manager.CreateApp(context.Background(), types.ApplicationConfig{
		Name: name, Version: "1", ImageRegistry: "r",
		ImageStorageSize: 1, DataStorageSize: 1,
	})
	if err != nil {
		t.Fatalf("CreateApp: %v", err)
	}
	return id
}

// exitVMsOnShutdown makes the fake guest power off when asked.
func (h *harness) exitVMsOnShutdown() {
	h.channel.onShutdown = h.launcher.exitAll
	h.channel.onReboot = h.launcher.exitAll
}

// --- tests -----------------------------------------------------------------

func TestStartProvisionsAndRuns(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	appID := h.addApp(t, "db")

	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := h.manager.Inspect().State; got != types.RealmStateRunning {
		t.Errorf("state = %s, want Running", got)
	}
	if len(h.channel.provisioned) != 1 {
		t.Fatalf("guest saw %d ProvisionInfo messages, want exactly 1", len(h.channel.provisioned))
	}
	apps := h.channel.provisioned[0]
	if len(apps) != 1 || apps[0].ID != appID {
		t.Errorf("provisioned apps = %+v, want [%s]", apps, appID)
	}
	if apps[0].ImagePartUUID != types.ImagePartUUID(appID) || apps[0].DataPartUUID != types.DataPartUUID(appID) {
		t.Errorf("partition uuids not derived from app id: %+v", apps[0])
	}

	// installed flipped and persisted (create + mark = 2 saves).
	desc := h.manager.Inspect()
	if !desc.Applications[0].Installed {
		t.Error("application not marked installed after provisioning ack")
	}
	last := h.store.savedApps[len(h.store.savedApps)-1]
	if !last.Installed {
		t.Error("installed flag not persisted")
	}
}

func TestStartFromRunningIsInvalid(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.manager.Start(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestStartTapFailureLeavesHalted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fabric.createErr = fmt.Errorf("tap100 exists")

	if err := h.manager.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded despite tap failure")
	}
	if got := h.manager.Inspect().State; got != types.RealmStateHalted {
		t.Errorf("state = %s, want Halted", got)
	}
	if h.launcher.launches != 0 {
		t.Error("hypervisor launched despite tap failure")
	}
}

func TestStartConnectionTimeoutTearsDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connector.next = func() *fakeWaiter { return &fakeWaiter{err: agent.ErrConnectionTimeout} }

	err := h.manager.Start(context.Background())
	if !errors.Is(err, agent.ErrConnectionTimeout) {
		t.Fatalf("got %v, want ErrConnectionTimeout", err)
	}
	if got := h.manager.Inspect().State; got != types.RealmStateHalted {
		t.Errorf("state = %s, want Halted", got)
	}
	if len(h.launcher.vms) != 1 || !h.launcher.vms[0].killed {
		t.Error("hypervisor child leaked after connection timeout")
	}
	if len(h.fabric.deleted) != 1 || h.fabric.deleted[0] != "tap100" {
		t.Errorf("tap not released: deleted = %v", h.fabric.deleted)
	}
}

func TestStartProvisionFailureNeedsReboot(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.channel.provisionErr = fmt.Errorf("%w: guest refused", agent.ErrProtocol)

	if err := h.manager.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded despite provisioning failure")
	}
	if got := h.manager.Inspect().State; got != types.RealmStateNeedReboot {
		t.Errorf("state = %s, want NeedReboot", got)
	}
}

func TestStopOnHaltedIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.manager.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on Halted: %v", err)
	}
	if h.channel.shutdowns != 0 || len(h.fabric.deleted) != 0 {
		t.Error("Stop on Halted had side effects")
	}
}

func TestStopShutsDownCleanly(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.exitVMsOnShutdown()
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.manager.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.channel.shutdowns != 1 {
		t.Errorf("shutdown requests = %d, want 1", h.channel.shutdowns)
	}
	if got := h.manager.Inspect().State; got != types.RealmStateHalted {
		t.Errorf("state = %s, want Halted", got)
	}
	if len(h.fabric.deleted) == 0 || h.fabric.deleted[0] != "tap100" {
		t.Errorf("tap not released: %v", h.fabric.deleted)
	}
}

func TestStopKillsUnresponsiveGuest(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Guest acks shutdown but never powers off; the short ResponseWait in
	// the harness keeps the escalation fast.
	if err := h.manager.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !h.launcher.vms[0].killed {
		t.Error("unresponsive guest was not killed")
	}
}

func TestRebootRestartsChild(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.exitVMsOnShutdown()
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	id := h.manager.ID()
	if err := h.manager.Reboot(context.Background()); err != nil {
		t.Fatalf("Reboot: %v", err)
	}
	if h.manager.ID() != id {
		t.Error("realm id changed across reboot")
	}
	if h.launcher.launches != 2 {
		t.Errorf("launches = %d, want 2", h.launcher.launches)
	}
	if h.channel.rebooted != 1 {
		t.Errorf("reboot requests = %d, want 1", h.channel.rebooted)
	}
	if got := h.manager.Inspect().State; got != types.RealmStateRunning {
		t.Errorf("state = %s, want Running", got)
	}
}

func TestRebootFromHaltedIsInvalid(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.manager.Reboot(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestCreateAppRequiresHalted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err := h.manager.CreateApp(context.Background(), types.ApplicationConfig{Name: "x"})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestCreateAppPersistenceFailureRollsBack(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.appErr = fmt.Errorf("disk full")
	if _, err := h.manager.CreateApp(context.Background(), types.ApplicationConfig{Name: "x"}); err == nil {
		t.Fatal("CreateApp succeeded despite persistence failure")
	}
	if got := len(h.manager.Inspect().Applications); got != 0 {
		t.Errorf("in-memory app set size = %d after failed create, want 0", got)
	}
}

func TestUpdateAppClearsInstalled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.exitVMsOnShutdown()
	appID := h.addApp(t, "svc")

	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.manager.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	cfg := types.ApplicationConfig{Name: "svc", Version: "2", ImageRegistry: "r", ImageStorageSize: 1, DataStorageSize: 1}
	if err := h.manager.UpdateApp(context.Background(), appID, cfg); err != nil {
		t.Fatalf("UpdateApp: %v", err)
	}
	desc := h.manager.Inspect()
	if desc.Applications[0].Installed {
		t.Error("installed flag survived an update")
	}
	if desc.Applications[0].Config.Version != "2" {
		t.Errorf("version = %s, want 2", desc.Applications[0].Config.Version)
	}
}

func TestUpdateUnknownApp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	err := h.manager.UpdateApp(context.Background(), uuid.New(), types.ApplicationConfig{})
	if !errors.Is(err, ErrAppNotFound) {
		t.Fatalf("got %v, want ErrAppNotFound", err)
	}
}

func TestStartAppForwardsToAgent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	appID := h.addApp(t, "svc")
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.manager.StartApp(context.Background(), appID); err != nil {
		t.Fatalf("StartApp: %v", err)
	}
	if len(h.channel.started) != 1 || h.channel.started[0] != appID {
		t.Errorf("agent saw starts %v, want [%s]", h.channel.started, appID)
	}
}

func TestStartAppRequiresRunning(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	appID := h.addApp(t, "svc")
	if err := h.manager.StartApp(context.Background(), appID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestAppOpTimeoutTransitionsToNeedReboot(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	appID := h.addApp(t, "svc")
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.channel.opErr = agent.ErrResponseTimeout

	if err := h.manager.StartApp(context.Background(), appID); !errors.Is(err, agent.ErrResponseTimeout) {
		t.Fatalf("got %v, want ErrResponseTimeout", err)
	}
	if got := h.manager.Inspect().State; got != types.RealmStateNeedReboot {
		t.Errorf("state = %s, want NeedReboot", got)
	}
}

func TestDestroyWhileRunningStopsFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.exitVMsOnShutdown()
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.manager.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if len(h.store.deleted) != 1 || h.store.deleted[0] != h.manager.ID() {
		t.Errorf("realm records not removed: %v", h.store.deleted)
	}
	if len(h.fabric.deleted) == 0 {
		t.Error("tap not released on destroy")
	}
}

func TestOperationsOnOneRealmSerialize(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.exitVMsOnShutdown()

	// Starts and stops race on one manager. Each holds the manager lock for
	// its whole run, so once they are all done the state is never
	// Provisioning: the fake guest connects instantly and every Start
	// completes before the next operation begins.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.manager.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			_ = h.manager.Stop(context.Background())
		}()
	}
	wg.Wait()

	switch got := h.manager.Inspect().State; got {
	case types.RealmStateRunning, types.RealmStateHalted:
	default:
		t.Errorf("state after concurrent ops = %s, want Running or Halted", got)
	}
}
