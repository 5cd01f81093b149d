package eval

import (
	"fmt"
	"sort"
	"strings"

	"github.com/picklr-io/reconciler/internal/ir"
)

// Expand flattens declarations with Count or ForEach into one declaration
// per instance. forEach keys are expanded in sorted order so the result,
// and therefore reconciliation order, is deterministic.
func Expand(decls []*ir.Declaration) []*ir.Declaration {
	var expanded []*ir.Declaration

	for _, d := range decls {
		switch {
		case d.Count > 0:
			for i := 0; i < d.Count; i++ {
				clone := cloneDeclaration(d)
				clone.Name = fmt.Sprintf("%s[%d]", d.Name, i)
				clone.Props = substituteAll(clone.Props, map[string]string{
					"${count.index}": fmt.Sprintf("%d", i),
				})
				expanded = append(expanded, clone)
			}
		case len(d.ForEach) > 0:
			keys := make([]string, 0, len(d.ForEach))
			for k := range d.ForEach {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				clone := cloneDeclaration(d)
				clone.Name = fmt.Sprintf("%s[%q]", d.Name, key)
				clone.Props = substituteAll(clone.Props, map[string]string{
					"${each.key}":   key,
					"${each.value}": fmt.Sprintf("%v", d.ForEach[key]),
				})
				expanded = append(expanded, clone)
			}
		default:
			expanded = append(expanded, d)
		}
	}

	return expanded
}

func cloneDeclaration(d *ir.Declaration) *ir.Declaration {
	return &ir.Declaration{
		Name:      d.Name,
		Plugin:    d.Plugin,
		DependsOn: append([]string{}, d.DependsOn...),
		Props:     deepCopyMap(d.Props),
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		clone := make([]any, len(val))
		for i, item := range val {
			clone[i] = deepCopyValue(item)
		}
		return clone
	default:
		return v
	}
}

func substituteAll(props map[string]any, replacements map[string]string) map[string]any {
	if props == nil {
		return nil
	}
	result := make(map[string]any, len(props))
	for k, v := range props {
		result[k] = substituteValue(v, replacements)
	}
	return result
}

func substituteValue(v any, replacements map[string]string) any {
	switch val := v.(type) {
	case string:
		for old, repl := range replacements {
			val = strings.ReplaceAll(val, old, repl)
		}
		return val
	case map[string]any:
		return substituteAll(val, replacements)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = substituteValue(item, replacements)
		}
		return result
	default:
		return v
	}
}
