package state

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
)

// Document is one named blob in a ledger store.
type Document interface {
	Name() string
	Data(ctx context.Context) ([]byte, error)
	SetData(ctx context.Context, data []byte) error
	Exists(ctx context.Context) (bool, error)
	Delete(ctx context.Context) error
}

// Store is durable key/value document storage with a transactional commit.
// Writes become durable on Commit; Push publishes committed changes.
type Store interface {
	Get(name string) Document

	// Commit records pending changes and reports whether anything changed.
	Commit(ctx context.Context, message string) (bool, error)

	Push(ctx context.Context) error
}

// StoreConfig selects and configures a store implementation.
type StoreConfig struct {
	Type string // "git", "s3", "memory"
	Dir  string

	Git GitOptions
	S3  S3Options

	// EncryptionKey, when set, encrypts every document at rest.
	EncryptionKey string
}

// NewStore creates a store from configuration.
func NewStore(ctx context.Context, cfg *StoreConfig) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("store configuration is nil")
	}

	var (
		s   Store
		err error
	)
	switch cfg.Type {
	case "git", "":
		s, err = OpenGitStore(cfg.Dir, cfg.Git)
	case "s3":
		s, err = NewS3Store(ctx, cfg.S3)
	case "memory":
		s = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.EncryptionKey != "" {
		s = NewEncryptedStore(s, []byte(cfg.EncryptionKey))
	}
	return s, nil
}

// MemoryStore keeps documents in memory. Commit snapshots the current
// contents; Push counts calls.
type MemoryStore struct {
	mu        sync.Mutex
	docs      map[string][]byte
	committed map[string][]byte
	commits   []string
	pushes    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      make(map[string][]byte),
		committed: make(map[string][]byte),
	}
}

func (m *MemoryStore) Get(name string) Document {
	return &memoryDocument{store: m, name: name}
}

func (m *MemoryStore) Commit(_ context.Context, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dirtyLocked() {
		return false, nil
	}
	m.committed = make(map[string][]byte, len(m.docs))
	for k, v := range m.docs {
		if k == LockDocument {
			continue
		}
		m.committed[k] = append([]byte(nil), v...)
	}
	m.commits = append(m.commits, message)
	return true, nil
}

func (m *MemoryStore) dirtyLocked() bool {
	seen := 0
	for k, v := range m.docs {
		if k == LockDocument {
			continue
		}
		seen++
		if prev, ok := m.committed[k]; !ok || !bytes.Equal(prev, v) {
			return true
		}
	}
	return seen != len(m.committed)
}

func (m *MemoryStore) Push(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes++
	return nil
}

// Commits returns the messages of every commit so far.
func (m *MemoryStore) Commits() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commits...)
}

// Pushes returns how many times Push was called.
func (m *MemoryStore) Pushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes
}

// Names lists stored documents, sorted.
func (m *MemoryStore) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.docs))
	for k := range m.docs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

type memoryDocument struct {
	store *MemoryStore
	name  string
}

func (d *memoryDocument) Name() string { return d.name }

func (d *memoryDocument) Data(context.Context) ([]byte, error) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	data, ok := d.store.docs[d.name]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (d *memoryDocument) SetData(_ context.Context, data []byte) error {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	d.store.docs[d.name] = append([]byte(nil), data...)
	return nil
}

func (d *memoryDocument) Exists(context.Context) (bool, error) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	_, ok := d.store.docs[d.name]
	return ok, nil
}

func (d *memoryDocument) Delete(context.Context) error {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	delete(d.store.docs, d.name)
	return nil
}

func (d *memoryDocument) Create(_ context.Context, data []byte) (bool, error) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	if _, ok := d.store.docs[d.name]; ok {
		return false, nil
	}
	d.store.docs[d.name] = append([]byte(nil), data...)
	return true, nil
}
