package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HookRef is a lazy reference to a plugin. Source names the plugin's origin
// and is what gets written to the ledger; two refs with the same Source
// resolve to the same plugin instance.
type HookRef struct {
	Source string
	Load   func(ctx context.Context) (Plugin, error)
}

// Hook builds a HookRef from a loader function.
func Hook(source string, load func(ctx context.Context) (Plugin, error)) HookRef {
	return HookRef{Source: source, Load: load}
}

// Static wraps an already constructed plugin.
func Static(source string, p Plugin) HookRef {
	return HookRef{
		Source: source,
		Load: func(context.Context) (Plugin, error) {
			return p, nil
		},
	}
}

// Catalog maps hook sources to refs. It lets the engine reload plugins named
// only by a ledger entry, e.g. to kill targets no longer declared.
type Catalog struct {
	mu      sync.RWMutex
	refs    map[string]HookRef
	actions map[string]Action
}

func NewCatalog(refs ...HookRef) *Catalog {
	c := &Catalog{refs: make(map[string]HookRef)}
	for _, ref := range refs {
		c.Register(ref)
	}
	return c
}

// Register adds or replaces a hook ref.
func (c *Catalog) Register(ref HookRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[ref.Source] = ref
}

// Lookup returns the hook registered under source.
func (c *Catalog) Lookup(source string) (HookRef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ref, ok := c.refs[source]
	if !ok {
		return HookRef{}, fmt.Errorf("unknown plugin source: %s", source)
	}
	return ref, nil
}

// Sources lists every registered source, sorted.
func (c *Catalog) Sources() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.refs))
	for s := range c.refs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Action is a side effect a descriptor can run alongside reconciliation,
// e.g. invalidating a CDN cache. It is not tracked in the ledger.
type Action func(ctx context.Context, props map[string]any) (any, error)

// RegisterAction adds or replaces a named action kind.
func (c *Catalog) RegisterAction(kind string, a Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.actions == nil {
		c.actions = make(map[string]Action)
	}
	c.actions[kind] = a
}

// LookupAction returns the action registered under kind.
func (c *Catalog) LookupAction(kind string) (Action, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, ok := c.actions[kind]
	if !ok {
		return nil, fmt.Errorf("unknown action: %s", kind)
	}
	return a, nil
}

// Actions lists every registered action kind, sorted.
func (c *Catalog) Actions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.actions))
	for k := range c.actions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
