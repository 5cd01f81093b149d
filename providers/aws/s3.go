package aws

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/logging"
	"github.com/picklr-io/reconciler/internal/plugin"
)

type S3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, in *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	PutBucketTagging(ctx context.Context, in *s3.PutBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error)
	DeleteBucketTagging(ctx context.Context, in *s3.DeleteBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketTaggingOutput, error)
	PutBucketVersioning(ctx context.Context, in *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type BucketConfig struct {
	Bucket       string            `json:"bucket"`
	Region       string            `json:"region"`
	ForceDestroy bool              `json:"forceDestroy"`
	Versioning   bool              `json:"versioning"`
	Tags         map[string]string `json:"tags"`
}

// Bucket manages an S3 bucket. Tags and versioning update in place; the
// bucket name is its identity.
type Bucket struct {
	api S3API
}

func (b *Bucket) Name() string { return "aws.s3.bucket" }

func (b *Bucket) Identify(_ context.Context, t *ir.Target) (ir.Values, error) {
	var cfg BucketConfig
	if err := plugin.Decode(t.Fields(), &cfg); err != nil {
		return nil, err
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket requires a name")
	}
	return ir.Values{"bucket": cfg.Bucket}, nil
}

// Pull records the bucket ARN while the bucket exists.
func (b *Bucket) Pull(ctx context.Context, props ir.Values) (ir.Values, error) {
	var cfg BucketConfig
	if err := plugin.Decode(props, &cfg); err != nil {
		return nil, err
	}
	_, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &cfg.Bucket})
	if err != nil {
		if hasCode(err, "NotFound", "NoSuchBucket") {
			return ir.Values{}, nil
		}
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	return ir.Values{"arn": bucketARN(cfg.Bucket)}, nil
}

func (b *Bucket) Spawn(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	var cfg BucketConfig
	if err := plugin.Decode(t.Props, &cfg); err != nil {
		return nil, err
	}
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would create bucket", "bucket", cfg.Bucket)
		return noop, nil
	}

	adopted, err := b.create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if t.State == nil {
		t.State = ir.Values{}
	}
	t.State["arn"] = bucketARN(cfg.Bucket)

	if adopted {
		// it was ours before this run; leave it in place
		return noop, nil
	}
	return func(ctx context.Context) error {
		return b.delete(ctx, cfg.Bucket, false)
	}, nil
}

func (b *Bucket) Update(ctx context.Context, t *ir.Target, changed ir.Changes) (plugin.RevertFunc, error) {
	if _, ok := changed["region"]; ok {
		return nil, fmt.Errorf("bucket region cannot change, replace the bucket instead")
	}
	var desired, prior BucketConfig
	if err := plugin.Decode(t.Fields(), &desired); err != nil {
		return nil, err
	}
	if err := plugin.Decode(plugin.Previous(t.Fields(), changed), &prior); err != nil {
		return nil, err
	}
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would update bucket", "bucket", desired.Bucket, "fields", changed.Keys())
		return noop, nil
	}

	if err := b.configure(ctx, desired, changed); err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		return b.configure(ctx, prior, changed)
	}, nil
}

func (b *Bucket) Kill(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	var cfg BucketConfig
	if err := plugin.Decode(t.Fields(), &cfg); err != nil {
		return nil, err
	}
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would delete bucket", "bucket", cfg.Bucket)
		return noop, nil
	}

	if err := b.delete(ctx, cfg.Bucket, cfg.ForceDestroy); err != nil {
		return nil, err
	}
	if cfg.ForceDestroy {
		// objects are gone for good
		return nil, nil
	}
	return func(ctx context.Context) error {
		_, err := b.create(ctx, cfg)
		return err
	}, nil
}

// create makes the bucket and applies its configuration. adopted reports
// that the bucket already existed and belongs to the caller.
func (b *Bucket) create(ctx context.Context, cfg BucketConfig) (adopted bool, err error) {
	input := &s3.CreateBucketInput{Bucket: &cfg.Bucket}
	if cfg.Region != "" && cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(cfg.Region),
		}
	}
	if _, err := b.api.CreateBucket(ctx, input); err != nil {
		if !hasCode(err, "BucketAlreadyOwnedByYou") {
			return false, fmt.Errorf("failed to create bucket: %w", err)
		}
		adopted = true
	}

	all := ir.Changes{"tags": {Action: "update"}}
	if cfg.Versioning {
		all["versioning"] = &ir.PropertyDiff{Action: "update"}
	}
	if err := b.configure(ctx, cfg, all); err != nil {
		return adopted, err
	}
	logging.Info("bucket ready", "bucket", cfg.Bucket, "adopted", adopted)
	return adopted, nil
}

// configure applies the mutable settings named in changed.
func (b *Bucket) configure(ctx context.Context, cfg BucketConfig, changed ir.Changes) error {
	if _, ok := changed["tags"]; ok {
		if len(cfg.Tags) == 0 {
			if _, err := b.api.DeleteBucketTagging(ctx, &s3.DeleteBucketTaggingInput{Bucket: &cfg.Bucket}); err != nil {
				return fmt.Errorf("failed to clear bucket tags: %w", err)
			}
		} else {
			keys := make([]string, 0, len(cfg.Tags))
			for k := range cfg.Tags {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			tagSet := make([]types.Tag, 0, len(keys))
			for _, k := range keys {
				tagSet = append(tagSet, types.Tag{Key: strPtr(k), Value: strPtr(cfg.Tags[k])})
			}
			if _, err := b.api.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
				Bucket:  &cfg.Bucket,
				Tagging: &types.Tagging{TagSet: tagSet},
			}); err != nil {
				return fmt.Errorf("failed to tag bucket: %w", err)
			}
		}
	}
	if _, ok := changed["versioning"]; ok {
		status := types.BucketVersioningStatusSuspended
		if cfg.Versioning {
			status = types.BucketVersioningStatusEnabled
		}
		if _, err := b.api.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
			Bucket:                  &cfg.Bucket,
			VersioningConfiguration: &types.VersioningConfiguration{Status: status},
		}); err != nil {
			return fmt.Errorf("failed to set bucket versioning: %w", err)
		}
	}
	return nil
}

func (b *Bucket) delete(ctx context.Context, bucket string, empty bool) error {
	if empty {
		if err := b.empty(ctx, bucket); err != nil {
			return err
		}
	}
	if _, err := b.api.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: &bucket}); err != nil {
		if hasCode(err, "NoSuchBucket", "NotFound") {
			return nil
		}
		return fmt.Errorf("failed to delete bucket: %w", err)
	}
	logging.Info("bucket deleted", "bucket", bucket)
	return nil
}

func (b *Bucket) empty(ctx context.Context, bucket string) error {
	var token *string
	for {
		out, err := b.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &bucket, ContinuationToken: token})
		if err != nil {
			if hasCode(err, "NoSuchBucket") {
				return nil
			}
			return fmt.Errorf("failed to list bucket objects: %w", err)
		}
		for _, obj := range out.Contents {
			if _, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &bucket, Key: obj.Key}); err != nil {
				return fmt.Errorf("failed to delete object %s: %w", *obj.Key, err)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return nil
		}
		token = out.NextContinuationToken
	}
}

func bucketARN(bucket string) string {
	return fmt.Sprintf("arn:aws:s3:::%s", bucket)
}
