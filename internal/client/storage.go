package client

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// Storage is a small string key-value store standing in for the browser
// storage areas the web client used. Implementations must be safe for
// concurrent use. Failures are non-fatal: a broken storage degrades the
// client (breaker resets, cursor restarts from zero) but never breaks it.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
}

// MemoryStorage is the session-scoped storage area: its contents vanish
// with the process, like sessionStorage vanishes with the page.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStorage creates an empty in-memory storage area.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

func (m *MemoryStorage) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MemoryStorage) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

func (m *MemoryStorage) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}

// FileStorage is the durable storage area: a single JSON file holding the
// values that must survive restarts (long-poll cursor, one-shot markers).
// All I/O errors are swallowed after a debug log; a missing or corrupt
// file behaves like an empty store.
type FileStorage struct {
	mu   sync.Mutex
	path string
}

// NewFileStorage creates a file-backed storage area at path. The file is
// created lazily on first write.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

func (f *FileStorage) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values := f.load()
	v, ok := values[key]
	return v, ok
}

func (f *FileStorage) Set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values := f.load()
	values[key] = value
	f.save(values)
}

func (f *FileStorage) Delete(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values := f.load()
	if _, ok := values[key]; !ok {
		return
	}
	delete(values, key)
	f.save(values)
}

func (f *FileStorage) load() map[string]string {
	values := make(map[string]string)
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Debug().Err(err).Str("path", f.path).Msg("storage read failed")
		}
		return values
	}
	if err := json.Unmarshal(raw, &values); err != nil {
		log.Debug().Err(err).Str("path", f.path).Msg("storage file corrupt, starting empty")
		return make(map[string]string)
	}
	return values
}

func (f *FileStorage) save(values map[string]string) {
	raw, err := json.Marshal(values)
	if err != nil {
		log.Debug().Err(err).Msg("storage marshal failed")
		return
	}
	if err := os.WriteFile(f.path, raw, 0o600); err != nil {
		log.Debug().Err(err).Str("path", f.path).Msg("storage write failed")
	}
}
