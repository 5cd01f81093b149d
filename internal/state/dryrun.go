package state

import (
	"context"
	"sort"
	"sync"

	"github.com/picklr-io/reconciler/internal/logging"
)

// DryRunStore reads through to a backing store but buffers every write in
// memory. Commit and Push never touch the backing store.
type DryRunStore struct {
	backing Store

	mu      sync.Mutex
	writes  map[string][]byte
	deleted map[string]bool
}

func NewDryRunStore(backing Store) *DryRunStore {
	return &DryRunStore{
		backing: backing,
		writes:  make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

func (s *DryRunStore) Get(name string) Document {
	return &dryRunDocument{store: s, name: name}
}

func (s *DryRunStore) Commit(_ context.Context, message string) (bool, error) {
	s.mu.Lock()
	n := len(s.writes) + len(s.deleted)
	s.mu.Unlock()
	logging.Info("dry run: skipping ledger commit", "message", message, "buffered", n)
	return false, nil
}

func (s *DryRunStore) Push(context.Context) error {
	logging.Debug("dry run: skipping ledger push")
	return nil
}

// Buffered returns the names of documents written during the dry run.
func (s *DryRunStore) Buffered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.writes))
	for k := range s.writes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

type dryRunDocument struct {
	store *DryRunStore
	name  string
}

func (d *dryRunDocument) Name() string { return d.name }

func (d *dryRunDocument) Data(ctx context.Context) ([]byte, error) {
	d.store.mu.Lock()
	if data, ok := d.store.writes[d.name]; ok {
		d.store.mu.Unlock()
		return append([]byte(nil), data...), nil
	}
	if d.store.deleted[d.name] {
		d.store.mu.Unlock()
		return nil, nil
	}
	d.store.mu.Unlock()
	return d.store.backing.Get(d.name).Data(ctx)
}

func (d *dryRunDocument) SetData(_ context.Context, data []byte) error {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	d.store.writes[d.name] = append([]byte(nil), data...)
	delete(d.store.deleted, d.name)
	return nil
}

func (d *dryRunDocument) Exists(ctx context.Context) (bool, error) {
	d.store.mu.Lock()
	if _, ok := d.store.writes[d.name]; ok {
		d.store.mu.Unlock()
		return true, nil
	}
	if d.store.deleted[d.name] {
		d.store.mu.Unlock()
		return false, nil
	}
	d.store.mu.Unlock()
	return d.store.backing.Get(d.name).Exists(ctx)
}

func (d *dryRunDocument) Delete(context.Context) error {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	delete(d.store.writes, d.name)
	d.store.deleted[d.name] = true
	return nil
}
