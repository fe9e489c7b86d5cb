package cache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidDSN        = errors.New("invalid cache dsn")
	ErrUnsupportedScheme = errors.New("unsupported cache scheme")
)

// Backend is the durable medium under the cache. Values are opaque bytes; expiry is
// handled by Cache, not by the backend.
type Backend interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

type backendCloser interface {
	Close() error
}

type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: map[string][]byte{}}
}

func (b *MemoryBackend) Get(key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (b *MemoryBackend) Put(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *MemoryBackend) Keys(prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// FileBackend keeps every entry in one JSON document. Writes go through a temp file and
// rename, and are serialised across processes with an advisory lock on <path>.lock.
type FileBackend struct {
	path string
	mu   sync.Mutex
}

type fileBackendState struct {
	Entries map[string]string `json:"entries"`
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidDSN
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{path: path}, nil
}

func (b *FileBackend) Get(key string) ([]byte, bool, error) {
	var (
		value string
		ok    bool
	)
	err := b.withLock(func() error {
		state, err := b.loadLocked()
		if err != nil {
			return err
		}
		value, ok = state.Entries[key]
		return nil
	})
	if err != nil || !ok {
		return nil, false, err
	}
	return []byte(value), true, nil
}

func (b *FileBackend) Put(key string, value []byte) error {
	return b.withLock(func() error {
		state, err := b.loadLocked()
		if err != nil {
			return err
		}
		state.Entries[key] = string(value)
		return b.saveLocked(state)
	})
}

func (b *FileBackend) Delete(key string) error {
	return b.withLock(func() error {
		state, err := b.loadLocked()
		if err != nil {
			return err
		}
		if _, ok := state.Entries[key]; !ok {
			return nil
		}
		delete(state.Entries, key)
		return b.saveLocked(state)
	})
}

func (b *FileBackend) Keys(prefix string) ([]string, error) {
	var keys []string
	err := b.withLock(func() error {
		state, err := b.loadLocked()
		if err != nil {
			return err
		}
		for key := range state.Entries {
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

func (b *FileBackend) withLock(fn func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	unlock, err := lockFile(b.path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (b *FileBackend) loadLocked() (fileBackendState, error) {
	state := fileBackendState{Entries: map[string]string{}}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, err
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return fileBackendState{Entries: map[string]string{}}, err
	}
	if state.Entries == nil {
		state.Entries = map[string]string{}
	}
	return state, nil
}

func (b *FileBackend) saveLocked(state fileBackendState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.path), "."+filepath.Base(b.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return err
	}
	committed = true
	return nil
}
