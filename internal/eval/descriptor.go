package eval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/picklr-io/reconciler/internal/engine"
	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/plugin"
)

// Plan is an evaluated descriptor, expanded and ordered, ready to run.
type Plan struct {
	Declarations []*ir.Declaration
	Actions      []*ir.ActionDecl
	Environment  map[string]any
	Secrets      []string
}

// Prepare expands and orders cfg and checks that every plugin source is
// known to catalog.
func Prepare(cfg *ir.Config, catalog *plugin.Catalog) (*Plan, error) {
	if cfg == nil {
		return nil, fmt.Errorf("descriptor is nil")
	}
	decls, err := Order(Expand(cfg.Declarations))
	if err != nil {
		return nil, err
	}
	for _, d := range decls {
		if d.Plugin == "" {
			return nil, fmt.Errorf("declaration %q has no plugin", d.Name)
		}
		if _, err := catalog.Lookup(d.Plugin); err != nil {
			return nil, fmt.Errorf("declaration %q: %w", d.Name, err)
		}
	}
	names := make(map[string]bool, len(decls))
	for _, d := range decls {
		names[d.Name] = true
	}
	for _, a := range cfg.Actions {
		if a.Name == "" {
			return nil, fmt.Errorf("action of kind %q has no name", a.Kind)
		}
		if _, err := catalog.LookupAction(a.Kind); err != nil {
			return nil, fmt.Errorf("action %q: %w", a.Name, err)
		}
		deps, err := Dependencies(actionDeclaration(a))
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if !names[dep] {
				return nil, fmt.Errorf("action %q depends on unknown declaration %q", a.Name, dep)
			}
		}
	}

	secrets := RequiredSecrets(decls)
	for _, a := range cfg.Actions {
		secrets = append(secrets, RequiredSecrets([]*ir.Declaration{actionDeclaration(a)})...)
	}
	return &Plan{
		Declarations: decls,
		Actions:      cfg.Actions,
		Environment:  cfg.Environment,
		Secrets:      dedupe(secrets),
	}, nil
}

// actionDeclaration views an action as a declaration for reference
// extraction.
func actionDeclaration(a *ir.ActionDecl) *ir.Declaration {
	return &ir.Declaration{Name: a.Name, DependsOn: a.After, Props: a.Props}
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// RequiredSecrets lists every secret:// name referenced by decls, sorted.
func RequiredSecrets(decls []*ir.Declaration) []string {
	seen := map[string]bool{}
	for _, d := range decls {
		for _, ref := range extractRefs(d.Props, secretScheme) {
			seen[strings.TrimPrefix(ref, secretScheme)] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Descriptor returns an engine descriptor declaring every target of the
// plan in order. ptr:// values resolve to a field of the referenced
// declaration once it is reconciled; secret:// values resolve from the
// run's secrets.
func (p *Plan) Descriptor(catalog *plugin.Catalog) engine.Descriptor {
	return func(ctx context.Context, dc *engine.DeployContext) error {
		for k, v := range p.Environment {
			dc.SetEnv(k, v)
		}

		pending := make(map[string]*engine.Pending, len(p.Declarations))
		for _, d := range p.Declarations {
			hook, err := catalog.Lookup(d.Plugin)
			if err != nil {
				return fmt.Errorf("declaration %q: %w", d.Name, err)
			}

			deps, err := Dependencies(d)
			if err != nil {
				return err
			}
			waitOn := make(map[string]*engine.Pending, len(deps))
			for _, dep := range deps {
				waitOn[dep] = pending[dep]
			}

			decl := d
			pending[d.Name] = dc.Declare(hook, func(ctx context.Context) (*ir.Target, error) {
				for name, pd := range waitOn {
					if _, err := pd.Wait(ctx); err != nil {
						return nil, fmt.Errorf("dependency %q of %q failed: %w", name, decl.Name, err)
					}
				}
				props, err := resolveValue(ctx, decl.Props, waitOn, dc)
				if err != nil {
					return nil, fmt.Errorf("declaration %q: %w", decl.Name, err)
				}
				m, _ := props.(map[string]any)
				return &ir.Target{Name: decl.Name, Props: ir.Values(m)}, nil
			})
		}

		for _, a := range p.Actions {
			run, err := catalog.LookupAction(a.Kind)
			if err != nil {
				return fmt.Errorf("action %q: %w", a.Name, err)
			}
			deps, err := Dependencies(actionDeclaration(a))
			if err != nil {
				return err
			}
			waitOn := make(map[string]*engine.Pending, len(deps))
			for _, dep := range deps {
				waitOn[dep] = pending[dep]
			}

			act := a
			dc.AddAction(a.Name, func(ctx context.Context) (any, error) {
				for name, pd := range waitOn {
					if _, err := pd.Wait(ctx); err != nil {
						return nil, fmt.Errorf("dependency %q of action %q failed: %w", name, act.Name, err)
					}
				}
				props, err := resolveValue(ctx, act.Props, waitOn, dc)
				if err != nil {
					return nil, fmt.Errorf("action %q: %w", act.Name, err)
				}
				m, _ := props.(map[string]any)
				return run(ctx, m)
			})
		}
		return nil
	}
}

func resolveValue(ctx context.Context, v any, deps map[string]*engine.Pending, dc *engine.DeployContext) (any, error) {
	switch val := v.(type) {
	case string:
		switch {
		case strings.HasPrefix(val, ptrScheme):
			name, field, err := parsePtr(val)
			if err != nil {
				return nil, err
			}
			pd, ok := deps[name]
			if !ok {
				return nil, fmt.Errorf("reference %s to undeclared target", val)
			}
			t, err := pd.Wait(ctx)
			if err != nil {
				return nil, err
			}
			out, ok := t.Get(field)
			if !ok {
				return nil, fmt.Errorf("reference %s: %s has no field %q", val, name, field)
			}
			return out, nil
		case strings.HasPrefix(val, secretScheme):
			return dc.Secret(strings.TrimPrefix(val, secretScheme))
		}
		return val, nil
	case map[string]any:
		if val == nil {
			return map[string]any(nil), nil
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := resolveValue(ctx, item, deps, dc)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolveValue(ctx, item, deps, dc)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return val, nil
	}
}
