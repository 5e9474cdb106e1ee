package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watch reloads the snapshot when files under the contents tree change.
// Events are debounced so an editor's write-then-rename sequence triggers a
// single reload.
func (s *Store) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	root := s.loader.contentsDir
	if err := addRecursive(watcher, root); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !relevant(event) {
					continue
				}
				// New subdirectories need their own watch.
				if event.Op.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = addRecursive(watcher, event.Name)
					}
				}
				slog.Debug("config file changed", "path", event.Name, "op", event.Op.String())
				pending = time.After(500 * time.Millisecond)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)

			case <-pending:
				pending = nil
				s.refreshAll()
			}
		}
	}()
	return nil
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				slog.Warn("failed to watch config directory", "path", path, "error", err)
			}
		}
		return nil
	})
}

// relevant filters noise: only JSON files and directory creation matter.
func relevant(event fsnotify.Event) bool {
	if event.Op.Has(fsnotify.Chmod) {
		return false
	}
	if strings.HasSuffix(event.Name, ".json") {
		return true
	}
	info, err := os.Stat(event.Name)
	return err == nil && info.IsDir()
}
