package ir

import "sort"

// Values is a loosely typed field map as produced by descriptors and plugins.
type Values map[string]any

// Keys returns the map keys in sorted order.
func (v Values) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Without returns a copy of v with the named fields removed.
func (v Values) Without(fields map[string]bool) Values {
	out := make(Values, len(v))
	for k, val := range v {
		if fields[k] {
			continue
		}
		out[k] = val
	}
	return out
}

// Target is one declared unit of infrastructure: the user-declared props
// merged with whatever state the owning plugin pulled.
type Target struct {
	Name     string
	Props    Values
	State    Values
	Identity *Identity
}

// Identity is assigned once per run, after pull and before any plugin action.
type Identity struct {
	Hash   string
	Values Values
}

// Fields returns the merged view of props and pulled state. Pulled state
// wins on conflicting keys.
func (t *Target) Fields() Values {
	out := make(Values, len(t.Props)+len(t.State))
	for k, v := range t.Props {
		out[k] = v
	}
	for k, v := range t.State {
		out[k] = v
	}
	return out
}

// Get looks up a single merged field.
func (t *Target) Get(key string) (any, bool) {
	if v, ok := t.State[key]; ok {
		return v, true
	}
	v, ok := t.Props[key]
	return v, ok
}

// String returns the field as a string, or "" when absent or not a string.
func (t *Target) String(key string) string {
	v, _ := t.Get(key)
	s, _ := v.(string)
	return s
}

// Label is a short human-readable reference used in logs and errors.
func (t *Target) Label() string {
	if t.Name != "" {
		return t.Name
	}
	if t.Identity != nil && len(t.Identity.Hash) >= 12 {
		return t.Identity.Hash[:12]
	}
	return "<unidentified>"
}
