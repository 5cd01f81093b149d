package eval

import (
	"fmt"
	"sort"
	"strings"

	"github.com/picklr-io/reconciler/internal/ir"
)

const (
	ptrScheme    = "ptr://"
	secretScheme = "secret://"
)

// Order sorts declarations so each comes after everything it depends on,
// through dependsOn or a ptr:// reference. Among declarations that are free
// to go, file order wins.
func Order(decls []*ir.Declaration) ([]*ir.Declaration, error) {
	index := make(map[string]int, len(decls))
	for i, d := range decls {
		if d.Name == "" {
			return nil, fmt.Errorf("declaration %d has no name", i)
		}
		if prev, dup := index[d.Name]; dup {
			return nil, fmt.Errorf("declaration name %q used twice (positions %d and %d)", d.Name, prev, i)
		}
		index[d.Name] = i
	}

	edges := make([][]int, len(decls)) // dependency -> dependents
	inDegree := make([]int, len(decls))
	for i, d := range decls {
		deps, err := Dependencies(d)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("declaration %q depends on unknown declaration %q", d.Name, dep)
			}
			edges[j] = append(edges[j], i)
			inDegree[i]++
		}
	}

	var ready []int
	for i, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, i)
		}
	}

	sorted := make([]*ir.Declaration, 0, len(decls))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		sorted = append(sorted, decls[i])
		for _, dependent := range edges[i] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(sorted) != len(decls) {
		var stuck []string
		for i, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, decls[i].Name)
			}
		}
		return nil, fmt.Errorf("dependency cycle detected between declarations: %s", strings.Join(stuck, ", "))
	}
	return sorted, nil
}

// Dependencies returns the declarations d depends on, deduplicated, in
// first-mention order.
func Dependencies(d *ir.Declaration) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, dep := range d.DependsOn {
		add(dep)
	}
	for _, ref := range extractRefs(d.Props, ptrScheme) {
		name, _, err := parsePtr(ref)
		if err != nil {
			return nil, fmt.Errorf("declaration %q: %w", d.Name, err)
		}
		add(name)
	}
	return out, nil
}

// parsePtr splits ptr://<declaration>/<field>. Declaration names may
// contain slashes; the field is everything after the last one.
func parsePtr(ref string) (name, field string, err error) {
	path := strings.TrimPrefix(ref, ptrScheme)
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("malformed reference %q, want ptr://<declaration>/<field>", ref)
	}
	return path[:i], path[i+1:], nil
}

// extractRefs collects every string value with the given scheme prefix.
func extractRefs(v any, scheme string) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, scheme) {
			refs = append(refs, val)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			refs = append(refs, extractRefs(val[k], scheme)...)
		}
	case []any:
		for _, v := range val {
			refs = append(refs, extractRefs(v, scheme)...)
		}
	}
	return refs
}
