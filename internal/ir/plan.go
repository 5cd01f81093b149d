package ir

import "sort"

// Changes maps a field name to how it differs from the ledger snapshot.
type Changes map[string]*PropertyDiff

// Keys returns the changed field names in sorted order.
func (c Changes) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type PropertyDiff struct {
	Before any
	After  any
	Action string // "create", "update", "delete"
}

// Summary counts what a reconciliation run did.
type Summary struct {
	Spawned int
	Updated int
	Reused  int
	Killed  int
}

// Changed reports whether any plugin action ran.
func (s Summary) Changed() bool {
	return s.Spawned+s.Updated+s.Killed > 0
}
