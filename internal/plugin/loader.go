package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/picklr-io/reconciler/internal/logging"
	"golang.org/x/sync/singleflight"
)

// Loader lazily loads plugins from hook refs and caches them by source.
// Concurrent loads of the same source share one call.
type Loader struct {
	catalog *Catalog
	group   singleflight.Group

	mu       sync.RWMutex
	bySource map[string]Plugin
	sources  map[string]string // plugin name -> source
}

func NewLoader(catalog *Catalog) *Loader {
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &Loader{
		catalog:  catalog,
		bySource: make(map[string]Plugin),
		sources:  make(map[string]string),
	}
}

// Load resolves ref, loading it at most once per source.
func (l *Loader) Load(ctx context.Context, ref HookRef) (Plugin, error) {
	if ref.Source == "" {
		return nil, fmt.Errorf("hook ref has no source")
	}

	l.mu.RLock()
	p, ok := l.bySource[ref.Source]
	l.mu.RUnlock()
	if ok {
		return p, nil
	}

	v, err, _ := l.group.Do(ref.Source, func() (any, error) {
		l.mu.RLock()
		cached, ok := l.bySource[ref.Source]
		l.mu.RUnlock()
		if ok {
			return cached, nil
		}

		if ref.Load == nil {
			return nil, fmt.Errorf("hook ref %s has no loader", ref.Source)
		}
		loaded, err := ref.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load plugin from %s: %w", ref.Source, err)
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		if prev, ok := l.sources[loaded.Name()]; ok && prev != ref.Source {
			return nil, fmt.Errorf("plugin name %q is provided by both %s and %s", loaded.Name(), prev, ref.Source)
		}
		l.bySource[ref.Source] = loaded
		l.sources[loaded.Name()] = ref.Source
		logging.Debug("plugin loaded", "plugin", loaded.Name(), "source", ref.Source)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Plugin), nil
}

// LoadSource loads the plugin registered in the catalog under source.
func (l *Loader) LoadSource(ctx context.Context, source string) (Plugin, error) {
	ref, err := l.catalog.Lookup(source)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, ref)
}

// Source returns the hook source a loaded plugin came from.
func (l *Loader) Source(name string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.sources[name]
	return s, ok
}

// Loaded returns the plugin with the given name if it was loaded already.
func (l *Loader) Loaded(name string) (Plugin, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src, ok := l.sources[name]
	if !ok {
		return nil, false
	}
	p, ok := l.bySource[src]
	return p, ok
}
