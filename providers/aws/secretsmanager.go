package aws

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/logging"
	"github.com/picklr-io/reconciler/internal/plugin"
	"github.com/picklr-io/reconciler/internal/secrets"
	"github.com/zeebo/blake3"
)

type SecretsManagerAPI interface {
	DescribeSecret(ctx context.Context, in *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	CreateSecret(ctx context.Context, in *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	UpdateSecret(ctx context.Context, in *secretsmanager.UpdateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretOutput, error)
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	DeleteSecret(ctx context.Context, in *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
	RestoreSecret(ctx context.Context, in *secretsmanager.RestoreSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.RestoreSecretOutput, error)
	TagResource(ctx context.Context, in *secretsmanager.TagResourceInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.TagResourceOutput, error)
	UntagResource(ctx context.Context, in *secretsmanager.UntagResourceInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UntagResourceOutput, error)
}

type SecretConfig struct {
	Name           string            `json:"name"`
	Value          string            `json:"value"`
	Description    string            `json:"description"`
	KmsKeyID       string            `json:"kmsKeyId"`
	RecoveryWindow int64             `json:"recoveryWindow"`
	ForceDelete    bool              `json:"forceDelete"`
	Tags           map[string]string `json:"tags"`
}

// Secret manages a Secrets Manager secret. The value never reaches the
// ledger; a digest of it stands in so that value changes still diff.
type Secret struct {
	api SecretsManagerAPI
}

func (s *Secret) Name() string { return "aws.secretsmanager.secret" }

func (s *Secret) EphemeralFields() []string { return []string{"value"} }

func (s *Secret) Identify(_ context.Context, t *ir.Target) (ir.Values, error) {
	name := t.String("name")
	if name == "" {
		return nil, fmt.Errorf("secret requires a name")
	}
	return ir.Values{"name": name}, nil
}

func (s *Secret) Pull(ctx context.Context, props ir.Values) (ir.Values, error) {
	var cfg SecretConfig
	if err := plugin.Decode(props, &cfg); err != nil {
		return nil, err
	}
	out, err := s.api.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: &cfg.Name})
	if err != nil {
		if hasCode(err, "ResourceNotFoundException") {
			return ir.Values{}, nil
		}
		return nil, fmt.Errorf("failed to describe secret: %w", err)
	}
	if out.DeletedDate != nil {
		return ir.Values{}, nil
	}
	state := ir.Values{"valueDigest": valueDigest(cfg.Value)}
	if out.ARN != nil {
		state["arn"] = *out.ARN
	}
	return state, nil
}

func (s *Secret) Spawn(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	var cfg SecretConfig
	if err := plugin.Decode(t.Props, &cfg); err != nil {
		return nil, err
	}
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would create secret", "name", cfg.Name)
		return noop, nil
	}

	out, err := s.api.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         &cfg.Name,
		SecretString: &cfg.Value,
		Description:  optional(cfg.Description),
		KmsKeyId:     optional(cfg.KmsKeyID),
		Tags:         smTags(cfg.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create secret: %w", err)
	}
	if t.State == nil {
		t.State = ir.Values{}
	}
	t.State["valueDigest"] = valueDigest(cfg.Value)
	if out.ARN != nil {
		t.State["arn"] = *out.ARN
	}
	logging.Info("secret created", "name", cfg.Name)

	return func(ctx context.Context) error {
		return s.delete(ctx, cfg.Name, true, 0)
	}, nil
}

func (s *Secret) Update(ctx context.Context, t *ir.Target, changed ir.Changes) (plugin.RevertFunc, error) {
	var desired, prior SecretConfig
	if err := plugin.Decode(t.Fields(), &desired); err != nil {
		return nil, err
	}
	if err := plugin.Decode(plugin.Previous(t.Fields(), changed), &prior); err != nil {
		return nil, err
	}
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would update secret", "name", desired.Name, "fields", changed.Keys())
		return noop, nil
	}

	var reverts []plugin.RevertFunc
	revert := func(ctx context.Context) error {
		for i := len(reverts) - 1; i >= 0; i-- {
			if err := reverts[i](ctx); err != nil {
				return err
			}
		}
		return nil
	}

	_, descChanged := changed["description"]
	_, kmsChanged := changed["kmsKeyId"]
	if descChanged || kmsChanged {
		if err := s.describe(ctx, desired); err != nil {
			return nil, err
		}
		reverts = append(reverts, func(ctx context.Context) error { return s.describe(ctx, prior) })
	}

	if _, ok := changed["valueDigest"]; ok {
		old, err := s.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &desired.Name})
		if err != nil {
			return nil, unwind(ctx, revert, fmt.Errorf("failed to read current secret value: %w", err))
		}
		if _, err := s.api.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
			SecretId:     &desired.Name,
			SecretString: &desired.Value,
		}); err != nil {
			return nil, unwind(ctx, revert, fmt.Errorf("failed to put secret value: %w", err))
		}
		previous := old.SecretString
		reverts = append(reverts, func(ctx context.Context) error {
			_, err := s.api.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
				SecretId:     &desired.Name,
				SecretString: previous,
			})
			return err
		})
	}

	if _, ok := changed["tags"]; ok {
		if err := s.retag(ctx, desired.Name, prior.Tags, desired.Tags); err != nil {
			return nil, unwind(ctx, revert, err)
		}
		reverts = append(reverts, func(ctx context.Context) error {
			return s.retag(ctx, desired.Name, desired.Tags, prior.Tags)
		})
	}
	return revert, nil
}

// unwind undoes the steps of a partially applied update; the engine only
// records reverts of actions that succeed.
func unwind(ctx context.Context, revert plugin.RevertFunc, cause error) error {
	if err := revert(context.WithoutCancel(ctx)); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to undo partial update: %w", err))
	}
	return cause
}

func (s *Secret) Kill(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	var cfg SecretConfig
	if err := plugin.Decode(t.Fields(), &cfg); err != nil {
		return nil, err
	}
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would delete secret", "name", cfg.Name)
		return noop, nil
	}

	window := cfg.RecoveryWindow
	if window == 0 {
		window = 7
	}
	if err := s.delete(ctx, cfg.Name, cfg.ForceDelete, window); err != nil {
		return nil, err
	}
	if cfg.ForceDelete {
		return nil, nil
	}
	return func(ctx context.Context) error {
		if _, err := s.api.RestoreSecret(ctx, &secretsmanager.RestoreSecretInput{SecretId: &cfg.Name}); err != nil {
			return fmt.Errorf("failed to restore secret: %w", err)
		}
		return nil
	}, nil
}

func (s *Secret) describe(ctx context.Context, cfg SecretConfig) error {
	if _, err := s.api.UpdateSecret(ctx, &secretsmanager.UpdateSecretInput{
		SecretId:    &cfg.Name,
		Description: strPtr(cfg.Description),
		KmsKeyId:    optional(cfg.KmsKeyID),
	}); err != nil {
		return fmt.Errorf("failed to update secret: %w", err)
	}
	return nil
}

func (s *Secret) retag(ctx context.Context, name string, from, to map[string]string) error {
	var removed []string
	for k := range from {
		if _, ok := to[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		if _, err := s.api.UntagResource(ctx, &secretsmanager.UntagResourceInput{SecretId: &name, TagKeys: removed}); err != nil {
			return fmt.Errorf("failed to untag secret: %w", err)
		}
	}
	if len(to) > 0 {
		if _, err := s.api.TagResource(ctx, &secretsmanager.TagResourceInput{SecretId: &name, Tags: smTags(to)}); err != nil {
			return fmt.Errorf("failed to tag secret: %w", err)
		}
	}
	return nil
}

func (s *Secret) delete(ctx context.Context, name string, force bool, window int64) error {
	input := &secretsmanager.DeleteSecretInput{SecretId: &name}
	if force {
		input.ForceDeleteWithoutRecovery = &force
	} else {
		input.RecoveryWindowInDays = &window
	}
	if _, err := s.api.DeleteSecret(ctx, input); err != nil {
		if hasCode(err, "ResourceNotFoundException") {
			return nil
		}
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	logging.Info("secret deleted", "name", name, "force", force)
	return nil
}

func valueDigest(value string) string {
	sum := blake3.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}

func smTags(tags map[string]string) []types.Tag {
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

// SecretsManager resolves deployment secrets from Secrets Manager. Names
// are looked up as Prefix+name.
type SecretsManager struct {
	API    SecretsManagerAPI
	Prefix string
}

var _ secrets.Source = (*SecretsManager)(nil)

func (s *SecretsManager) Lookup(ctx context.Context, name string) (string, bool, error) {
	id := s.Prefix + name
	out, err := s.API.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		if hasCode(err, "ResourceNotFoundException") {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get secret %s: %w", id, err)
	}
	if out.SecretString != nil {
		return *out.SecretString, true, nil
	}
	return strings.TrimSpace(string(out.SecretBinary)), true, nil
}

// lazySource defers client construction until the first lookup so that runs
// that never ask for a secret do not need AWS credentials.
type lazySource struct {
	p      *Provider
	prefix string
}

func (l *lazySource) Lookup(ctx context.Context, name string) (string, bool, error) {
	c, err := l.p.ensureClients(ctx)
	if err != nil {
		return "", false, err
	}
	return (&SecretsManager{API: c.SecretsManager, Prefix: l.prefix}).Lookup(ctx, name)
}

// SecretsSource returns a secrets.Source backed by this provider's Secrets
// Manager client.
func (p *Provider) SecretsSource(prefix string) secrets.Source {
	return &lazySource{p: p, prefix: prefix}
}
