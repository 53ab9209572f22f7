// Package store persists realm and application records under the warden
// working directory, one directory per realm:
//
//	<workdir>/<realm-uuid>/realm.json
//	<workdir>/<realm-uuid>/apps/<app-uuid>.json
//
// Opening a store takes flock(2) ownership of the workdir, so two daemons
// can never mutate the same persistence root. Writes are crash-atomic per
// file (temp + fsync + rename). Cross-file ordering on save is the caller's
// job (realm record before app records); DeleteRealm itself removes the app
// records before the realm record.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/islet-project/warden/config"
	"github.com/islet-project/warden/types"
	"github.com/islet-project/warden/utils"
)

// ErrNotFound is returned when a realm has no record on disk.
var ErrNotFound = errors.New("realm record not found")

// Store is the file-backed persistence layer. It owns the workdir for the
// life of the process; per-realm write ordering is the caller's job (the
// realm managers hold one lock per realm).
type Store struct {
	conf *config.Config
	// owner is the held flock on the workdir lock file.
	owner *flock.Flock
}

// New creates a Store rooted at the configured workdir, creating it if
// missing, and takes exclusive ownership of it. A workdir already owned by
// another daemon is refused.
func New(conf *config.Config) (*Store, error) {
	if err := os.MkdirAll(conf.WorkdirPath, 0o700); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	owner := flock.New(conf.WorkdirLock())
	locked, err := owner.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock workdir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("workdir %s is owned by another warden daemon", conf.WorkdirPath)
	}
	return &Store{conf: conf, owner: owner}, nil
}

// Close releases workdir ownership. The store must not be used afterwards.
func (s *Store) Close() error {
	if err := s.owner.Unlock(); err != nil {
		return fmt.Errorf("unlock workdir: %w", err)
	}
	return nil
}

// LoadAll scans the workdir and returns every realm that parses. Entries
// whose realm.json is missing or malformed are logged and skipped so one
// corrupt record cannot prevent the daemon from starting.
func (s *Store) LoadAll(ctx context.Context) ([]*types.Realm, error) {
	logger := log.WithFunc("store.LoadAll")
	entries, err := os.ReadDir(s.conf.WorkdirPath)
	if err != nil {
		return nil, fmt.Errorf("scan workdir: %w", err)
	}

	var realms []*types.Realm
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := uuid.Parse(entry.Name())
		if err != nil {
			continue // not a realm directory
		}
		realm, err := s.loadRealm(ctx, id)
		if err != nil {
			logger.Warnf(ctx, "skipping realm %s: %v", id, err)
			continue
		}
		realms = append(realms, realm)
	}
	return realms, nil
}

func (s *Store) loadRealm(ctx context.Context, id uuid.UUID) (*types.Realm, error) {
	raw, err := os.ReadFile(s.conf.RealmFile(id.String()))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read realm record: %w", err)
	}
	realm := &types.Realm{Apps: make(map[uuid.UUID]*types.Application)}
	if err := json.Unmarshal(raw, realm); err != nil {
		return nil, fmt.Errorf("parse realm record: %w", err)
	}
	realm.ID = id // the directory name is authoritative

	if err := s.loadApps(ctx, realm); err != nil {
		return nil, err
	}
	return realm, nil
}

// loadApps fills realm.Apps from the apps directory. Files that are not
// <uuid>.json, and records that fail to parse, are ignored per the on-disk
// contract: any other content in a realm directory is skipped on load.
func (s *Store) loadApps(ctx context.Context, realm *types.Realm) error {
	logger := log.WithFunc("store.loadApps")
	entries, err := os.ReadDir(s.conf.AppsDir(realm.ID.String()))
	if err != nil {
		if os.IsNotExist(err) {
			return nil // realm without applications
		}
		return fmt.Errorf("scan apps dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(s.conf.AppFile(realm.ID.String(), id.String()))
		if err != nil {
			return fmt.Errorf("read app record %s: %w", id, err)
		}
		app := &types.Application{}
		if err := json.Unmarshal(raw, app); err != nil {
			logger.Warnf(ctx, "skipping app %s of realm %s: %v", id, realm.ID, err)
			continue
		}
		app.ID = id
		realm.Apps[id] = app
	}
	return nil
}

// SaveRealm writes the realm record, creating the realm directory on first
// save. Application records are saved separately via SaveApp.
func (s *Store) SaveRealm(realm *types.Realm) error {
	dir := s.conf.RealmDir(realm.ID.String())
	if err := os.MkdirAll(filepath.Join(dir, "apps"), 0o700); err != nil {
		return fmt.Errorf("create realm dir: %w", err)
	}
	if err := utils.AtomicWriteJSON(s.conf.RealmFile(realm.ID.String()), realm); err != nil {
		return fmt.Errorf("write realm record: %w", err)
	}
	return nil
}

// SaveApp writes one application record of the given realm.
func (s *Store) SaveApp(realmID uuid.UUID, app *types.Application) error {
	if err := os.MkdirAll(s.conf.AppsDir(realmID.String()), 0o700); err != nil {
		return fmt.Errorf("create apps dir: %w", err)
	}
	if err := utils.AtomicWriteJSON(s.conf.AppFile(realmID.String(), app.ID.String()), app); err != nil {
		return fmt.Errorf("write app record: %w", err)
	}
	return nil
}

// DeleteRealm removes a realm's records: app records first, then the realm
// record, then the directory, so a crash mid-delete leaves a directory that
// either still loads or is skipped, never a half-realm that loads wrong.
func (s *Store) DeleteRealm(realmID uuid.UUID) error {
	dir := s.conf.RealmDir(realmID.String())
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrNotFound
	}
	if err := os.RemoveAll(s.conf.AppsDir(realmID.String())); err != nil {
		return fmt.Errorf("remove app records: %w", err)
	}
	if err := os.Remove(s.conf.RealmFile(realmID.String())); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove realm record: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove realm dir: %w", err)
	}
	return nil
}
