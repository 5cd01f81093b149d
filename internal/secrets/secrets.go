// Package secrets resolves the secrets a deployment needs before any plugin
// runs.
package secrets

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrMissing is wrapped by Resolve when one or more secrets have no value.
var ErrMissing = errors.New("missing secrets")

// Source looks up secret values by name.
type Source interface {
	Lookup(ctx context.Context, name string) (value string, ok bool, err error)
}

// EnvSource reads secrets from environment variables, optionally prefixed.
// Names are upper-cased and dashes and dots become underscores.
type EnvSource struct {
	Prefix string
}

func (s EnvSource) Lookup(_ context.Context, name string) (string, bool, error) {
	v, ok := os.LookupEnv(s.Prefix + EnvName(name))
	return v, ok, nil
}

// EnvName maps a secret name to an environment variable name.
func EnvName(name string) string {
	return strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(strings.ToUpper(name))
}

// MapSource serves secrets from memory.
type MapSource map[string]string

func (s MapSource) Lookup(_ context.Context, name string) (string, bool, error) {
	v, ok := s[name]
	return v, ok, nil
}

// Chain tries each source in order and returns the first hit.
type Chain []Source

func (c Chain) Lookup(ctx context.Context, name string) (string, bool, error) {
	for _, s := range c {
		v, ok, err := s.Lookup(ctx, name)
		if err != nil {
			return "", false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return "", false, nil
}

// Map is an eagerly resolved, read-only set of secrets.
type Map struct {
	values map[string]string
}

// Resolve looks up every name and fails with the complete list of missing
// names rather than on the first one.
func Resolve(ctx context.Context, src Source, names []string) (*Map, error) {
	m := &Map{values: make(map[string]string, len(names))}
	var (
		missing []string
		errs    []error
	)
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, seen := m.values[name]; seen {
			continue
		}
		if src == nil {
			missing = append(missing, name)
			continue
		}
		v, ok, err := src.Lookup(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to look up secret %s: %w", name, err))
			continue
		}
		if !ok {
			missing = append(missing, name)
			continue
		}
		m.values[name] = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		errs = append([]error{fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))}, errs...)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return m, nil
}

// Empty returns a map with no secrets.
func Empty() *Map {
	return &Map{values: map[string]string{}}
}

// Get returns a resolved secret. Only names passed to Resolve are present.
func (m *Map) Get(name string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.values[name]
	return v, ok
}

// Names lists resolved secret names, sorted.
func (m *Map) Names() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.values))
	for k := range m.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Digest returns a hex BLAKE3 digest per secret so a ledger can record that
// a secret changed without storing its value.
func (m *Map) Digest() map[string]string {
	out := make(map[string]string, len(m.Names()))
	for _, name := range m.Names() {
		sum := blake3.Sum256([]byte(m.values[name]))
		out[name] = hex.EncodeToString(sum[:])
	}
	return out
}
