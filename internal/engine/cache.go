package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/logging"
	"github.com/picklr-io/reconciler/internal/plugin"
	"github.com/picklr-io/reconciler/internal/secrets"
	"github.com/picklr-io/reconciler/internal/state"
	"gopkg.in/yaml.v3"
)

// ErrDuplicateIdentity is returned when two declarations in one run resolve
// to the same plugin and identity.
var ErrDuplicateIdentity = errors.New("identity declared more than once")

const (
	// EnvironmentDocument holds non-secret environment data of the last run.
	EnvironmentDocument = "environment.yaml"
	// SecretsDocument holds digests of the secrets the last run used.
	SecretsDocument = "secrets.yaml"
)

type completedTarget struct {
	plugin    string
	source    string
	target    *ir.Target
	ephemeral map[string]bool
}

// Cache tracks the previous ledger and what this run did with each entry,
// and builds the next ledger from the outcome.
type Cache struct {
	prev *ir.Ledger

	mu        sync.Mutex
	index     map[string]map[string]int // plugin -> identity hash -> ledger index
	reused    map[int]bool
	killed    map[int]bool
	claimed   map[string]bool // plugin + "/" + hash
	maxReused int
	done      []completedTarget
	redact    map[string]string // secret value -> placeholder
	restore   map[string]string // placeholder -> secret value
}

func NewCache(prev *ir.Ledger) *Cache {
	if prev == nil {
		prev = ir.NewLedger()
	}
	return &Cache{
		prev:      prev,
		index:     make(map[string]map[string]int),
		reused:    make(map[int]bool),
		killed:    make(map[int]bool),
		claimed:   make(map[string]bool),
		maxReused: -1,
	}
}

// RedactSecrets makes snapshots replace any of m's values with a digest
// placeholder, so secrets never reach the ledger but rotating one still
// shows up as a change. Identity fields are exempt: they must hash the same
// when read back.
func (c *Cache) RedactSecrets(m *secrets.Map) {
	digests := m.Digest()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redact = make(map[string]string, len(digests))
	c.restore = make(map[string]string, len(digests))
	for _, name := range m.Names() {
		v, _ := m.Get(name)
		if v == "" {
			continue
		}
		placeholder := fmt.Sprintf("secret:%s:%s", name, digests[name][:16])
		c.redact[v] = placeholder
		c.restore[placeholder] = v
	}
}

// snapshot is Snapshot with secret values redacted.
func (c *Cache) snapshot(t *ir.Target, ephemeral map[string]bool) ir.Values {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(t, ephemeral)
}

func (c *Cache) snapshotLocked(t *ir.Target, ephemeral map[string]bool) ir.Values {
	s := Snapshot(t, ephemeral)
	if len(c.redact) == 0 {
		return s
	}
	var identity ir.Values
	if t.Identity != nil {
		identity = t.Identity.Values
	}
	out := make(ir.Values, len(s))
	for k, v := range s {
		if _, isIdentity := identity[k]; isIdentity {
			out[k] = v
			continue
		}
		out[k] = redactValue(v, c.redact)
	}
	return out
}

func redactValue(v any, redact map[string]string) any {
	switch val := v.(type) {
	case string:
		if r, ok := redact[val]; ok {
			return r
		}
		return val
	case ir.Values:
		return redactValue(map[string]any(val), redact)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = redactValue(item, redact)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item, redact)
		}
		return out
	default:
		return val
	}
}

// Previous returns the ledger this run started from.
func (c *Cache) Previous() *ir.Ledger { return c.prev }

// Lookup finds the ledger entry with the given identity. The per-plugin
// index is built on first use by re-identifying every snapshot of p.
func (c *Cache) Lookup(ctx context.Context, p plugin.Plugin, hash string) (*ir.TargetRecord, int, bool, error) {
	c.mu.Lock()
	idx, built := c.index[p.Name()]
	c.mu.Unlock()

	if !built {
		var err error
		idx, err = c.buildIndex(ctx, p)
		if err != nil {
			return nil, 0, false, err
		}
		c.mu.Lock()
		c.index[p.Name()] = idx
		c.mu.Unlock()
	}

	i, ok := idx[hash]
	if !ok {
		return nil, -1, false, nil
	}
	return c.prev.Targets[i], i, true, nil
}

func (c *Cache) buildIndex(ctx context.Context, p plugin.Plugin) (map[string]int, error) {
	ephemeral := plugin.EphemeralSet(p)
	idx := make(map[string]int)
	for i, rec := range c.prev.Targets {
		if rec.Plugin != p.Name() {
			continue
		}
		id, err := identify(ctx, p, c.recordTarget(rec), ephemeral)
		if err != nil {
			return nil, fmt.Errorf("failed to identify ledger entry %d of %s: %w", i, p.Name(), err)
		}
		if prev, dup := idx[id.Hash]; dup {
			logging.Warn("ledger holds the same identity twice, keeping the first",
				"plugin", p.Name(), "first", prev, "duplicate", i)
			continue
		}
		idx[id.Hash] = i
		rec.IdentityKeys = id.Values.Keys()
	}
	logging.Debug("ledger index built", "plugin", p.Name(), "entries", len(idx))
	return idx, nil
}

// recordTarget rebuilds a target from a ledger snapshot. Placeholders for
// secrets known to this run are swapped back for their values; plugins never
// see a placeholder for a secret they could be given.
func (c *Cache) recordTarget(rec *ir.TargetRecord) *ir.Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := rec.State.Clone()
	if len(c.restore) > 0 {
		restored, _ := redactValue(map[string]any(st), c.restore).(map[string]any)
		st = ir.Values(restored)
	}
	return &ir.Target{State: st}
}

// recordSnapshot is a ledger entry's snapshot under this run's redaction
// rules, so it compares equal to an unchanged target's snapshot.
func (c *Cache) recordSnapshot(rec *ir.TargetRecord, id *ir.Identity, ephemeral map[string]bool) ir.Values {
	t := c.recordTarget(rec)
	t.Identity = id
	return c.snapshot(t, ephemeral)
}

// Claim reserves an identity for this run. A second claim is an error.
func (c *Cache) Claim(pluginName, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := pluginName + "/" + hash
	if c.claimed[key] {
		return fmt.Errorf("%w: plugin %s, identity %s", ErrDuplicateIdentity, pluginName, hash[:min(12, len(hash))])
	}
	c.claimed[key] = true
	return nil
}

// MarkReused records that ledger entry i is superseded by this run.
func (c *Cache) MarkReused(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reused[i] = true
	if i > c.maxReused {
		c.maxReused = i
	}
}

// MarkKilled records that ledger entry i was destroyed by pruning.
func (c *Cache) MarkKilled(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed[i] = true
}

// Complete records a target that finished reconciliation.
func (c *Cache) Complete(p plugin.Plugin, source string, t *ir.Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = append(c.done, completedTarget{
		plugin:    p.Name(),
		source:    source,
		target:    t,
		ephemeral: plugin.EphemeralSet(p),
	})
}

// Unreused lists the ledger indexes not superseded this run, highest first.
func (c *Cache) Unreused() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for i := len(c.prev.Targets) - 1; i >= 0; i-- {
		if !c.reused[i] {
			out = append(out, i)
		}
	}
	return out
}

// Refresh builds the ledger from every completed target, in completion
// order, with ephemeral fields stripped and identity fields hoisted.
func (c *Cache) Refresh() *ir.Ledger {
	c.mu.Lock()
	defer c.mu.Unlock()

	ledger := ir.NewLedger()
	for _, d := range c.done {
		rec := &ir.TargetRecord{
			Plugin: d.plugin,
			State:  c.snapshotLocked(d.target, d.ephemeral),
		}
		if d.target.Identity != nil {
			rec.IdentityKeys = d.target.Identity.Values.Keys()
		}
		ledger.Targets = append(ledger.Targets, rec)
		if d.source != "" {
			ledger.Plugins[d.plugin] = d.source
		}
	}
	return ledger
}

// BestEffort builds the ledger persisted when a run fails without
// reverting: every completed target, plus previous entries that may still
// exist. When all declarations were reconciled (pruneStarted) every entry
// neither reused nor killed is kept. Otherwise only entries after the
// highest reused index are kept, since entries before it were passed over
// in ledger order.
func (c *Cache) BestEffort(pruneStarted bool) *ir.Ledger {
	ledger := c.Refresh()

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, rec := range c.prev.Targets {
		if c.reused[i] || c.killed[i] {
			continue
		}
		if !pruneStarted && i <= c.maxReused {
			logging.Warn("dropping ledger entry passed over before the failure",
				"plugin", rec.Plugin, "index", i)
			continue
		}
		ledger.Targets = append(ledger.Targets, rec)
		if src, ok := c.prev.Plugins[rec.Plugin]; ok {
			if _, set := ledger.Plugins[rec.Plugin]; !set {
				ledger.Plugins[rec.Plugin] = src
			}
		}
	}
	return ledger
}

// Ancillary is non-ledger data committed alongside the ledger.
type Ancillary struct {
	Environment map[string]any
	Secrets     *secrets.Map
}

// Commit writes the ledger and ancillary documents, commits them with
// message and pushes if anything changed.
func (c *Cache) Commit(ctx context.Context, store state.Store, ledger *ir.Ledger, anc Ancillary, message string) (bool, error) {
	if err := state.WriteLedger(ctx, store, ledger); err != nil {
		return false, err
	}
	if len(anc.Environment) > 0 {
		if err := writeYAML(ctx, store, EnvironmentDocument, anc.Environment); err != nil {
			return false, err
		}
	}
	if names := anc.Secrets.Names(); len(names) > 0 {
		if err := writeYAML(ctx, store, SecretsDocument, anc.Secrets.Digest()); err != nil {
			return false, err
		}
	}

	changed, err := store.Commit(ctx, message)
	if err != nil {
		return false, fmt.Errorf("failed to commit ledger: %w", err)
	}
	if !changed {
		logging.Info("ledger unchanged, nothing to commit")
		return false, nil
	}
	if err := store.Push(ctx); err != nil {
		return true, fmt.Errorf("ledger committed but push failed: %w", err)
	}
	return true, nil
}

func writeYAML(ctx context.Context, store state.Store, name string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	if err := store.Get(name).SetData(ctx, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
