package engine

import (
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/picklr-io/reconciler/internal/ir"
)

// Snapshot is the persisted form of a target: its merged fields without the
// plugin's ephemeral ones.
func Snapshot(t *ir.Target, ephemeral map[string]bool) ir.Values {
	return t.Fields().Without(ephemeral)
}

// Diff compares a ledger snapshot with a target's current snapshot. Values
// are compared in canonical JSON form so a snapshot read back from the
// ledger compares equal to the one it was written from.
func Diff(before, after ir.Values) ir.Changes {
	b := canonicalFields(before)
	a := canonicalFields(after)

	changes := ir.Changes{}
	for k, bv := range b {
		av, ok := a[k]
		if !ok {
			changes[k] = &ir.PropertyDiff{Before: before[k], Action: "delete"}
			continue
		}
		if !cmp.Equal(bv, av) {
			changes[k] = &ir.PropertyDiff{Before: before[k], After: after[k], Action: "update"}
		}
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			changes[k] = &ir.PropertyDiff{After: after[k], Action: "create"}
		}
	}
	return changes
}

// describeDrift renders a human-readable diff for debug logs.
func describeDrift(before, after ir.Values) string {
	return cmp.Diff(canonicalFields(before), canonicalFields(after))
}

func canonicalFields(v ir.Values) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		c, err := canonicalize(val)
		if err != nil {
			out[k] = fmt.Sprintf("%#v", val)
			continue
		}
		out[k] = c
	}
	return out
}
