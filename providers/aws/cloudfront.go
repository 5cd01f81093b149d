package aws

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/picklr-io/reconciler/internal/logging"
	"github.com/picklr-io/reconciler/internal/plugin"
)

type CloudFrontAPI interface {
	CreateInvalidation(ctx context.Context, in *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

type InvalidationConfig struct {
	DistributionID string   `json:"distributionId"`
	Paths          []string `json:"paths"`
}

// Invalidate flushes paths from a CloudFront distribution and returns the
// invalidation id. It is a one-shot action with nothing to undo.
func Invalidate(ctx context.Context, api CloudFrontAPI, props map[string]any) (any, error) {
	var cfg InvalidationConfig
	if err := plugin.Decode(props, &cfg); err != nil {
		return nil, err
	}
	if cfg.DistributionID == "" {
		return nil, fmt.Errorf("invalidation requires a distributionId")
	}
	if len(cfg.Paths) == 0 {
		cfg.Paths = []string{"/*"}
	}
	for i, path := range cfg.Paths {
		if !strings.HasPrefix(path, "/") {
			cfg.Paths[i] = "/" + path
		}
	}
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would invalidate distribution", "distribution", cfg.DistributionID, "paths", cfg.Paths)
		return "", nil
	}

	quantity := int32(len(cfg.Paths))
	ref := fmt.Sprintf("reconciler-%d", time.Now().UnixNano())
	out, err := api.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: &cfg.DistributionID,
		InvalidationBatch: &types.InvalidationBatch{
			CallerReference: &ref,
			Paths:           &types.Paths{Quantity: &quantity, Items: cfg.Paths},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create invalidation: %w", err)
	}
	var id string
	if out.Invalidation != nil && out.Invalidation.Id != nil {
		id = *out.Invalidation.Id
	}
	logging.Info("invalidation created", "distribution", cfg.DistributionID, "id", id)
	return id, nil
}
