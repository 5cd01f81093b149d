// Package eval turns PKL deploy descriptors into engine descriptors.
package eval

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/apple/pkl-go/pkl"
	"github.com/picklr-io/reconciler/internal/ir"
)

// Evaluator handles PKL evaluation into IR types.
type Evaluator struct {
	projectDir string
}

func NewEvaluator(projectDir string) *Evaluator {
	return &Evaluator{
		projectDir: projectDir,
	}
}

// LoadDescriptor evaluates a deploy descriptor module. properties are
// exposed to PKL as external properties (read("prop:name")).
func (e *Evaluator) LoadDescriptor(ctx context.Context, entryPoint string, properties map[string]string) (*ir.Config, error) {
	dir, err := filepath.Abs(e.projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}
	u, err := url.Parse("file://" + filepath.ToSlash(dir) + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse project directory URL: %w", err)
	}

	opts := []func(*pkl.EvaluatorOptions){pkl.PreconfiguredOptions}
	if len(properties) > 0 {
		opts = append(opts, func(o *pkl.EvaluatorOptions) {
			if o.Properties == nil {
				o.Properties = make(map[string]string)
			}
			for k, v := range properties {
				o.Properties[k] = v
			}
		})
	}

	evaluator, err := pkl.NewProjectEvaluator(ctx, u, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	var cfg ir.Config
	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(entryPoint), &cfg); err != nil {
		return nil, fmt.Errorf("failed to evaluate descriptor: %w", err)
	}
	return &cfg, nil
}
