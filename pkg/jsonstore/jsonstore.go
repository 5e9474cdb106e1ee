// Package jsonstore persists small server-side datasets (shortlinks, usage
// counters) as pretty-printed JSON files with atomic replace-on-write.
package jsonstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File is one JSON-backed dataset of type T, guarded by a single lock.
type File[T any] struct {
	mu   sync.Mutex
	path string
}

func NewFile[T any](path string) *File[T] {
	return &File[T]{path: path}
}

// Load reads the dataset. A missing file yields the zero value.
func (f *File[T]) Load() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *File[T]) load() (T, error) {
	var data T
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return data, nil
	}
	if err != nil {
		return data, err
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return data, nil
}

// Update applies fn to the current dataset and writes the result back
// atomically: temp file in the same directory, then rename over.
func (f *File[T]) Update(fn func(data T) (T, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return err
	}
	data, err = fn(data)
	if err != nil {
		return err
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
