package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/islet-project/warden/config"
	"github.com/islet-project/warden/types"
)

func newStore(t *testing.T) (*Store, *config.Config) {
	t.Helper()
	conf := config.DefaultConfig()
	conf.WorkdirPath = t.TempDir()
	s, err := New(conf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, conf
}

func sampleRealm() *types.Realm {
	return &types.Realm{
		ID: uuid.New(),
		Config: types.RealmConfig{
			Machine: "virt",
			CPU:     types.CPUConfig{CPU: "cortex-a57", CoresNumber: 1},
			Memory:  types.MemoryConfig{RAMSize: 2048},
			Network: types.NetworkConfig{
				VsockCID:          12346,
				TapDevice:         "tap100",
				MacAddress:        "52:55:00:d1:55:01",
				HardwareDevice:    "e1000",
				RemoteTerminalURI: "tcp:localhost:1338",
			},
			Kernel: types.KernelConfig{KernelPath: "/img/Image"},
		},
		Apps: make(map[uuid.UUID]*types.Application),
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()
	s, conf := newStore(t)
	realm := sampleRealm()

	if err := s.SaveRealm(realm); err != nil {
		t.Fatalf("SaveRealm: %v", err)
	}
	if _, err := os.Stat(conf.RealmFile(realm.ID.String())); err != nil {
		t.Fatalf("realm.json missing: %v", err)
	}

	app := &types.Application{
		ID: uuid.New(),
		Config: types.ApplicationConfig{
			Name: "a", Version: "1", ImageRegistry: "r",
			ImageStorageSize: 1, DataStorageSize: 1,
		},
	}
	if err := s.SaveApp(realm.ID, app); err != nil {
		t.Fatalf("SaveApp: %v", err)
	}

	loaded, err := s.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d realms, want 1", len(loaded))
	}
	got := loaded[0]
	if got.ID != realm.ID {
		t.Errorf("id = %s, want %s", got.ID, realm.ID)
	}

	// The config must round-trip byte-identical through persistence.
	want, _ := json.Marshal(realm.Config)
	back, _ := json.Marshal(got.Config)
	if string(want) != string(back) {
		t.Errorf("config round trip mismatch:\n got %s\nwant %s", back, want)
	}

	if len(got.Apps) != 1 || got.Apps[app.ID] == nil {
		t.Fatalf("apps = %+v, want one app %s", got.Apps, app.ID)
	}
	if got.Apps[app.ID].Installed {
		t.Error("installed flag true on a never-provisioned app")
	}
}

func TestLoadAllSkipsCorruptRealm(t *testing.T) {
	t.Parallel()
	s, conf := newStore(t)

	good := sampleRealm()
	if err := s.SaveRealm(good); err != nil {
		t.Fatalf("SaveRealm: %v", err)
	}

	badID := uuid.New()
	if err := os.MkdirAll(conf.RealmDir(badID.String()), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(conf.RealmFile(badID.String()), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != good.ID {
		t.Errorf("loaded %+v, want only the good realm", loaded)
	}
}

func TestLoadAllIgnoresForeignContent(t *testing.T) {
	t.Parallel()
	s, conf := newStore(t)
	realm := sampleRealm()
	if err := s.SaveRealm(realm); err != nil {
		t.Fatalf("SaveRealm: %v", err)
	}

	// Stray files in the workdir and the realm dir are not realm state.
	if err := os.WriteFile(filepath.Join(conf.WorkdirPath, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(conf.RealmDir(realm.ID.String()), "console.log"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(conf.AppsDir(realm.ID.String()), "README"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 1 || len(loaded[0].Apps) != 0 {
		t.Errorf("loaded %+v, want one realm with no apps", loaded)
	}
}

func TestDeleteRealmRemovesDirectory(t *testing.T) {
	t.Parallel()
	s, conf := newStore(t)
	realm := sampleRealm()
	if err := s.SaveRealm(realm); err != nil {
		t.Fatalf("SaveRealm: %v", err)
	}
	app := &types.Application{ID: uuid.New()}
	if err := s.SaveApp(realm.ID, app); err != nil {
		t.Fatalf("SaveApp: %v", err)
	}

	if err := s.DeleteRealm(realm.ID); err != nil {
		t.Fatalf("DeleteRealm: %v", err)
	}
	if _, err := os.Stat(conf.RealmDir(realm.ID.String())); !os.IsNotExist(err) {
		t.Errorf("realm dir still exists: %v", err)
	}

	if err := s.DeleteRealm(realm.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestSaveAppOverwrite(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	realm := sampleRealm()
	if err := s.SaveRealm(realm); err != nil {
		t.Fatalf("SaveRealm: %v", err)
	}

	app := &types.Application{ID: uuid.New(), Config: types.ApplicationConfig{Name: "a", Version: "1"}}
	if err := s.SaveApp(realm.ID, app); err != nil {
		t.Fatalf("SaveApp: %v", err)
	}
	app.Config.Version = "2"
	app.Installed = true
	if err := s.SaveApp(realm.ID, app); err != nil {
		t.Fatalf("SaveApp overwrite: %v", err)
	}

	loaded, err := s.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	got := loaded[0].Apps[app.ID]
	if got == nil || got.Config.Version != "2" || !got.Installed {
		t.Errorf("app after overwrite = %+v", got)
	}
}

func TestNewRefusesOwnedWorkdir(t *testing.T) {
	t.Parallel()
	s, conf := newStore(t)

	// The workdir is held by the first store: a second daemon must not be
	// able to open it.
	if _, err := New(conf); err == nil {
		t.Fatal("second store opened an owned workdir")
	}

	// Ownership is released on Close, as across a daemon restart.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reopened, err := New(conf)
	if err != nil {
		t.Fatalf("New after Close: %v", err)
	}
	_ = reopened.Close()
}
