// Package store is the configuration cache: the single source of truth for
// apps, models, tools, sources, groups, users, prompts and platform config.
//
// Readers dereference an atomic snapshot pointer, so the hot path takes no
// locks. Refreshes build a new snapshot and swap the pointer; concurrent
// refreshes collapse through singleflight. Refresh failures are fail-open:
// the last good snapshot keeps serving and the error is logged.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/promptgate/promptgate/pkg/authz"
	"github.com/promptgate/promptgate/pkg/config"
)

// Resource names accepted by Refresh and Invalidate.
const (
	ResourceApps         = "apps"
	ResourceModels       = "models"
	ResourceTools        = "tools"
	ResourceSources      = "sources"
	ResourceGroups       = "groups"
	ResourceUsers        = "users"
	ResourcePrompts      = "prompts"
	ResourcePlatform     = "platform"
	ResourceUI           = "ui"
	ResourceStyles       = "styles"
	ResourceTranslations = "translations"
)

// Snapshot is one immutable view of the full configuration. Fields must not
// be mutated after publication.
type Snapshot struct {
	Apps         []*config.App
	Models       []*config.Model
	Tools        []*config.Tool
	Sources      []*config.Source
	Groups       []*config.Group
	Users        []*config.User
	Prompts      []*config.Prompt
	Platform     *config.Platform
	UI           map[string]any
	Styles       map[string]any
	Translations map[string]map[string]any

	// Resolver is rebuilt with each snapshot so memoized permissions never
	// outlive the groups they were computed from.
	Resolver *authz.Resolver

	// etags holds the global content hash per resource.
	etags map[string]string

	loadedAt time.Time
}

// Store owns the snapshot pointer and the refresh machinery.
type Store struct {
	loader *Loader

	snapshot atomic.Pointer[Snapshot]
	stale    atomic.Bool
	group    singleflight.Group
	loginMu  sync.Mutex
}

// New loads the initial snapshot. Startup fails only when nothing at all can
// be loaded; individual bad files are skipped with a log line.
func New(contentsDir, defaultsDir string) (*Store, error) {
	s := &Store{loader: NewLoader(contentsDir, defaultsDir)}
	snap, err := s.loader.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	s.snapshot.Store(snap)
	return s, nil
}

// Snapshot returns the current snapshot, refreshing first when the cache has
// been invalidated.
// Loader exposes the disk layer for the admin write path.
func (s *Store) Loader() *Loader { return s.loader }

func (s *Store) Snapshot() *Snapshot {
	if s.stale.Load() {
		s.refreshAll()
	}
	return s.snapshot.Load()
}

// Refresh reloads one resource into a fresh snapshot. Unknown resource names
// reload everything.
func (s *Store) Refresh(resource string) error {
	_, err, _ := s.group.Do("refresh:"+resource, func() (any, error) {
		current := s.snapshot.Load()
		next, err := s.loader.Reload(current, resource)
		if err != nil {
			slog.Error("config refresh failed, keeping previous snapshot", "resource", resource, "error", err)
			return nil, err
		}
		s.snapshot.Store(next)
		s.stale.Store(false)
		slog.Debug("config resource refreshed", "resource", resource)
		return nil, nil
	})
	return err
}

// Invalidate marks the cache stale; the next read refreshes.
func (s *Store) Invalidate() {
	s.stale.Store(true)
}

func (s *Store) refreshAll() {
	s.group.Do("refresh:all", func() (any, error) {
		snap, err := s.loader.LoadAll()
		if err != nil {
			slog.Error("config reload failed, keeping previous snapshot", "error", err)
			return nil, err
		}
		s.snapshot.Store(snap)
		s.stale.Store(false)
		return nil, nil
	})
}

// StartBackground runs the TTL refresh timer and the on-disk change watcher
// until ctx is cancelled.
func (s *Store) StartBackground(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refreshAll()
			}
		}
	}()

	if err := s.watch(ctx); err != nil {
		slog.Warn("config file watcher unavailable, relying on TTL refresh", "error", err)
	}
}

// RecordLogin appends a first-seen external identity to users.json and
// refreshes the user cache. Raw identity claims and credential material are
// never persisted; a user already on record is left untouched.
func (s *Store) RecordLogin(user *config.User) error {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	path := filepath.Join(s.loader.contentsDir, "config", "users.json")
	var list []*config.User
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("malformed user file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	for _, u := range list {
		if u.ID == user.ID {
			return nil
		}
	}

	record := *user
	record.Raw = nil
	record.PasswordHash = ""
	record.Authenticated = false
	record.FirstLogin = time.Now().UTC().Format(time.RFC3339)
	list = append(list, &record)

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "users.*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return s.Refresh(ResourceUsers)
}

// Lookup helpers. All operate on one snapshot so a request sees a consistent
// view even across a concurrent refresh.

func (snap *Snapshot) App(id string) (*config.App, bool) {
	for _, a := range snap.Apps {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

func (snap *Snapshot) Model(id string) (*config.Model, bool) {
	for _, m := range snap.Models {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

func (snap *Snapshot) Tool(id string) (*config.Tool, bool) {
	for _, t := range snap.Tools {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

func (snap *Snapshot) Source(id string) (*config.Source, bool) {
	for _, src := range snap.Sources {
		if src.ID == id {
			return src, true
		}
	}
	return nil, false
}

func (snap *Snapshot) Group(id string) (*config.Group, bool) {
	for _, g := range snap.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return nil, false
}

func (snap *Snapshot) Prompt(id string) (*config.Prompt, bool) {
	for _, p := range snap.Prompts {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// FindUser looks a user up by id or email.
func (snap *Snapshot) FindUser(idOrEmail string) (*config.User, bool) {
	for _, u := range snap.Users {
		if u.ID == idOrEmail || (u.Email != "" && u.Email == idOrEmail) {
			return u, true
		}
	}
	return nil, false
}

// DefaultModel returns the model flagged default, else the first.
func (snap *Snapshot) DefaultModel() (*config.Model, bool) {
	if len(snap.Models) == 0 {
		return nil, false
	}
	for _, m := range snap.Models {
		if m.Default {
			return m, true
		}
	}
	return snap.Models[0], true
}

// sortApps orders apps by Order then id for stable listings and ETags.
func sortApps(apps []*config.App) {
	sort.SliceStable(apps, func(i, j int) bool {
		if apps[i].Order != apps[j].Order {
			return apps[i].Order < apps[j].Order
		}
		return apps[i].ID < apps[j].ID
	})
}
