package aws

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/logging"
	"github.com/picklr-io/reconciler/internal/plugin"
)

type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	DeleteParameter(ctx context.Context, in *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
	AddTagsToResource(ctx context.Context, in *ssm.AddTagsToResourceInput, optFns ...func(*ssm.Options)) (*ssm.AddTagsToResourceOutput, error)
	RemoveTagsFromResource(ctx context.Context, in *ssm.RemoveTagsFromResourceInput, optFns ...func(*ssm.Options)) (*ssm.RemoveTagsFromResourceOutput, error)
}

type ParameterConfig struct {
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Value       string            `json:"value"`
	Description string            `json:"description"`
	Tier        string            `json:"tier"`
	KeyID       string            `json:"keyId"`
	DataType    string            `json:"dataType"`
	Tags        map[string]string `json:"tags"`
}

func (c *ParameterConfig) defaults() {
	if c.Type == "" {
		c.Type = string(types.ParameterTypeString)
	}
}

func (c *ParameterConfig) secure() bool {
	return c.Type == string(types.ParameterTypeSecureString)
}

// Parameter manages an SSM parameter. SecureString values cannot be read
// back, so changes to them are not revertible.
type Parameter struct {
	api SSMAPI
}

func (p *Parameter) Name() string { return "aws.ssm.parameter" }

func (p *Parameter) Identify(_ context.Context, t *ir.Target) (ir.Values, error) {
	name := t.String("name")
	if name == "" {
		return nil, fmt.Errorf("parameter requires a name")
	}
	return ir.Values{"name": name}, nil
}

// Pull records the live parameter version. WithDecryption stays off; only
// existence matters here.
func (p *Parameter) Pull(ctx context.Context, props ir.Values) (ir.Values, error) {
	name, _ := props["name"].(string)
	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{Name: &name})
	if err != nil {
		if hasCode(err, "ParameterNotFound") {
			return ir.Values{}, nil
		}
		return nil, fmt.Errorf("failed to get parameter: %w", err)
	}
	if out.Parameter == nil {
		return ir.Values{}, nil
	}
	return ir.Values{"version": out.Parameter.Version}, nil
}

func (p *Parameter) Spawn(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	var cfg ParameterConfig
	if err := plugin.Decode(t.Props, &cfg); err != nil {
		return nil, err
	}
	cfg.defaults()
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would create parameter", "name", cfg.Name)
		return noop, nil
	}

	version, err := p.put(ctx, cfg, false)
	if err != nil {
		return nil, err
	}
	if t.State == nil {
		t.State = ir.Values{}
	}
	t.State["version"] = version

	return func(ctx context.Context) error {
		return p.delete(ctx, cfg.Name)
	}, nil
}

func (p *Parameter) Update(ctx context.Context, t *ir.Target, changed ir.Changes) (plugin.RevertFunc, error) {
	var desired, prior ParameterConfig
	if err := plugin.Decode(t.Fields(), &desired); err != nil {
		return nil, err
	}
	if err := plugin.Decode(plugin.Previous(t.Fields(), changed), &prior); err != nil {
		return nil, err
	}
	desired.defaults()
	prior.defaults()
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would update parameter", "name", desired.Name, "fields", changed.Keys())
		return noop, nil
	}

	if valueChanged(changed) {
		version, err := p.put(ctx, desired, true)
		if err != nil {
			return nil, err
		}
		if t.State == nil {
			t.State = ir.Values{}
		}
		t.State["version"] = version
	}
	if _, ok := changed["tags"]; ok {
		if err := p.retag(ctx, desired.Name, prior.Tags, desired.Tags); err != nil {
			return nil, err
		}
	}

	if prior.secure() && valueChanged(changed) {
		logging.Warn("secure parameter value cannot be restored", "name", desired.Name)
		return nil, nil
	}
	return func(ctx context.Context) error {
		if valueChanged(changed) {
			if _, err := p.put(ctx, prior, true); err != nil {
				return err
			}
		}
		if _, ok := changed["tags"]; ok {
			return p.retag(ctx, prior.Name, desired.Tags, prior.Tags)
		}
		return nil
	}, nil
}

func (p *Parameter) Kill(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	var cfg ParameterConfig
	if err := plugin.Decode(t.Fields(), &cfg); err != nil {
		return nil, err
	}
	cfg.defaults()
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would delete parameter", "name", cfg.Name)
		return noop, nil
	}

	if err := p.delete(ctx, cfg.Name); err != nil {
		return nil, err
	}
	if cfg.secure() {
		return nil, nil
	}
	return func(ctx context.Context) error {
		_, err := p.put(ctx, cfg, false)
		return err
	}, nil
}

func valueChanged(changed ir.Changes) bool {
	for _, k := range []string{"value", "type", "description", "tier", "keyId", "dataType"} {
		if _, ok := changed[k]; ok {
			return true
		}
	}
	return false
}

// put writes the parameter and returns its new version. Tags are only
// accepted on create.
func (p *Parameter) put(ctx context.Context, cfg ParameterConfig, overwrite bool) (int64, error) {
	input := &ssm.PutParameterInput{
		Name:        &cfg.Name,
		Value:       &cfg.Value,
		Type:        types.ParameterType(cfg.Type),
		Description: optional(cfg.Description),
		KeyId:       optional(cfg.KeyID),
		DataType:    optional(cfg.DataType),
		Overwrite:   &overwrite,
	}
	if cfg.Tier != "" {
		input.Tier = types.ParameterTier(cfg.Tier)
	}
	if !overwrite {
		input.Tags = ssmTags(cfg.Tags)
	}
	out, err := p.api.PutParameter(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("failed to put parameter: %w", err)
	}
	logging.Info("parameter written", "name", cfg.Name, "version", out.Version)
	return out.Version, nil
}

func (p *Parameter) retag(ctx context.Context, name string, from, to map[string]string) error {
	var removed []string
	for k := range from {
		if _, ok := to[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		if _, err := p.api.RemoveTagsFromResource(ctx, &ssm.RemoveTagsFromResourceInput{
			ResourceId:   &name,
			ResourceType: types.ResourceTypeForTaggingParameter,
			TagKeys:      removed,
		}); err != nil {
			return fmt.Errorf("failed to remove parameter tags: %w", err)
		}
	}
	if len(to) > 0 {
		if _, err := p.api.AddTagsToResource(ctx, &ssm.AddTagsToResourceInput{
			ResourceId:   &name,
			ResourceType: types.ResourceTypeForTaggingParameter,
			Tags:         ssmTags(to),
		}); err != nil {
			return fmt.Errorf("failed to tag parameter: %w", err)
		}
	}
	return nil
}

func (p *Parameter) delete(ctx context.Context, name string) error {
	if _, err := p.api.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: &name}); err != nil {
		if hasCode(err, "ParameterNotFound") {
			return nil
		}
		return fmt.Errorf("failed to delete parameter: %w", err)
	}
	logging.Info("parameter deleted", "name", name)
	return nil
}

func ssmTags(tags map[string]string) []types.Tag {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: strPtr(k), Value: strPtr(tags[k])})
	}
	return out
}
