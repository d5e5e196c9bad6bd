package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store persists a registry.
type Store interface {
	Load(ctx context.Context) (*Registry, error)
	Save(ctx context.Context, r *Registry) error
}

// FileStore keeps the registry in one JSON file. Saves write a temp file in
// the same directory and rename it over the target, so readers see either
// the old or the new content.
type FileStore struct {
	path     string
	operator string
	now      func() time.Time
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store for operator at path.
func NewFileStore(path, operator string) *FileStore {
	return &FileStore{path: path, operator: operator, now: time.Now}
}

// Path is the registry file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the registry file. A missing file yields an empty registry.
func (s *FileStore) Load(_ context.Context) (*Registry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(s.operator), nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", s.path, err)
	}
	return decode(data, s.operator)
}

func decode(data []byte, operator string) (*Registry, error) {
	r := New(operator)
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if r.Operator != operator {
		return nil, fmt.Errorf("%w: file has %s, want %s", ErrOperatorMismatch, r.Operator, operator)
	}
	if r.Accounts == nil {
		r.Accounts = []*TrackedAccount{}
	}
	if err := r.reindex(); err != nil {
		return nil, err
	}
	return r, nil
}

// Save persists r atomically.
func (s *FileStore) Save(_ context.Context, r *Registry) error {
	if r.Operator != s.operator {
		return fmt.Errorf("%w: registry has %s, store has %s", ErrOperatorMismatch, r.Operator, s.operator)
	}
	r.Version = SchemaVersion
	r.UpdatedAt = s.now().UTC()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersist, err)
	}
	tmp, err := s.writeTemp(data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: rename: %v", ErrPersist, err)
	}
	registryPersists.Inc()
	return nil
}

// writeTemp writes and fsyncs data to a temp file beside the target and
// returns its path. The target is untouched until the rename.
func (s *FileStore) writeTemp(data []byte) (string, error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("%w: mkdir: %v", ErrPersist, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("%w: create temp: %v", ErrPersist, err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("%w: write: %v", ErrPersist, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("%w: sync: %v", ErrPersist, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("%w: close: %v", ErrPersist, err)
	}
	return name, nil
}

// MemoryStore keeps an encoded registry in memory. Useful for tests.
type MemoryStore struct {
	mu       sync.Mutex
	operator string
	data     []byte
	SaveErr  error
	saves    int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(operator string) *MemoryStore {
	return &MemoryStore{operator: operator}
}

func (m *MemoryStore) Load(_ context.Context) (*Registry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return New(m.operator), nil
	}
	return decode(m.data, m.operator)
}

func (m *MemoryStore) Save(_ context.Context, r *Registry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	r.Version = SchemaVersion
	r.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersist, err)
	}
	m.data = data
	m.saves++
	return nil
}

// Saves is the number of successful saves.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
