package state

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/picklr-io/reconciler/internal/ir"
	"gopkg.in/yaml.v3"
)

// LedgerDocument is the name of the ledger in the store.
const LedgerDocument = "ledger.yaml"

// ReadLedger loads the ledger, returning an empty one if none was committed.
func ReadLedger(ctx context.Context, store Store) (*ir.Ledger, error) {
	data, err := store.Get(LedgerDocument).Data(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return ir.NewLedger(), nil
	}
	return DecodeLedger(data)
}

// WriteLedger serializes the ledger into the store without committing.
func WriteLedger(ctx context.Context, store Store, ledger *ir.Ledger) error {
	data, err := EncodeLedger(ledger)
	if err != nil {
		return err
	}
	if err := store.Get(LedgerDocument).SetData(ctx, data); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	return nil
}

type ledgerFile struct {
	Version int               `yaml:"version"`
	Plugins map[string]string `yaml:"plugins"`
	Targets []ledgerTarget    `yaml:"targets"`
}

type ledgerTarget struct {
	Plugin   string         `yaml:"plugin"`
	Identity []string       `yaml:"identity,omitempty"`
	State    map[string]any `yaml:"state"`
}

// DecodeLedger parses a ledger document.
func DecodeLedger(data []byte) (*ir.Ledger, error) {
	var f ledgerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse ledger: %w", err)
	}
	if f.Version > ir.LedgerVersion {
		return nil, fmt.Errorf("ledger version %d is newer than supported version %d", f.Version, ir.LedgerVersion)
	}

	ledger := &ir.Ledger{
		Version: f.Version,
		Plugins: f.Plugins,
	}
	if ledger.Version == 0 {
		ledger.Version = ir.LedgerVersion
	}
	if ledger.Plugins == nil {
		ledger.Plugins = map[string]string{}
	}
	for i, t := range f.Targets {
		if t.Plugin == "" {
			return nil, fmt.Errorf("ledger target %d has no plugin", i)
		}
		ledger.Targets = append(ledger.Targets, &ir.TargetRecord{
			Plugin:       t.Plugin,
			State:        ir.Values(t.State),
			IdentityKeys: t.Identity,
		})
	}
	return ledger, nil
}

// EncodeLedger renders the ledger as YAML with a stable field order:
// version, plugins, targets. Each target lists its identity keys, and those
// fields come first in its state so reviewers see what a target is before
// what it holds.
func EncodeLedger(ledger *ir.Ledger) ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}

	version := ledger.Version
	if version == 0 {
		version = ir.LedgerVersion
	}
	addScalar(root, "version", fmt.Sprintf("%d", version), "!!int")

	plugins := &yaml.Node{Kind: yaml.MappingNode}
	names := make([]string, 0, len(ledger.Plugins))
	for name := range ledger.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		addScalar(plugins, name, ledger.Plugins[name], "!!str")
	}
	root.Content = append(root.Content, keyNode("plugins"), plugins)

	targets := &yaml.Node{Kind: yaml.SequenceNode}
	for _, rec := range ledger.Targets {
		node, err := targetNode(rec)
		if err != nil {
			return nil, err
		}
		targets.Content = append(targets.Content, node)
	}
	root.Content = append(root.Content, keyNode("targets"), targets)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return nil, fmt.Errorf("failed to encode ledger: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode ledger: %w", err)
	}
	return buf.Bytes(), nil
}

func targetNode(rec *ir.TargetRecord) (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	addScalar(node, "plugin", rec.Plugin, "!!str")

	if keys := identityKeys(rec); len(keys) > 0 {
		seq := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		for _, k := range keys {
			seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k})
		}
		node.Content = append(node.Content, keyNode("identity"), seq)
	}

	stateNode := &yaml.Node{Kind: yaml.MappingNode}
	for _, key := range HoistedKeys(rec) {
		valueNode := &yaml.Node{}
		if err := valueNode.Encode(rec.State[key]); err != nil {
			return nil, fmt.Errorf("failed to encode %s field %q: %w", rec.Plugin, key, err)
		}
		stateNode.Content = append(stateNode.Content, keyNode(key), valueNode)
	}
	node.Content = append(node.Content, keyNode("state"), stateNode)
	return node, nil
}

// identityKeys is rec's identity keys that are present in its state.
func identityKeys(rec *ir.TargetRecord) []string {
	var keys []string
	seen := make(map[string]bool, len(rec.IdentityKeys))
	for _, k := range rec.IdentityKeys {
		if _, ok := rec.State[k]; ok && !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	return keys
}

// HoistedKeys orders a record's state keys: identity keys first, in the
// order given, then everything else sorted.
func HoistedKeys(rec *ir.TargetRecord) []string {
	keys := make([]string, 0, len(rec.State))
	seen := make(map[string]bool, len(rec.IdentityKeys))
	for _, k := range identityKeys(rec) {
		keys = append(keys, k)
		seen[k] = true
	}
	for _, k := range rec.State.Keys() {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	return keys
}

func keyNode(key string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
}

func addScalar(m *yaml.Node, key, value, tag string) {
	m.Content = append(m.Content, keyNode(key), &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value})
}
