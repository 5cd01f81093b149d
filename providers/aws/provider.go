// Package aws provides plugins for S3 buckets, SSM parameters, Route 53
// records and Secrets Manager secrets, a CloudFront invalidation action and
// a Secrets Manager secrets source.
package aws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/smithy-go"
	"github.com/picklr-io/reconciler/internal/plugin"
)

const (
	BucketSource    = "builtin/aws/s3-bucket"
	ParameterSource = "builtin/aws/ssm-parameter"
	RecordSource    = "builtin/aws/route53-record"
	SecretSource    = "builtin/aws/secretsmanager-secret"

	InvalidationAction = "aws.cloudfront.invalidation"
)

// Clients holds one client per service the plugins talk to.
type Clients struct {
	S3             S3API
	SSM            SSMAPI
	Route53        Route53API
	SecretsManager SecretsManagerAPI
	CloudFront     CloudFrontAPI
}

// Provider builds the AWS clients on first use and shares them between
// plugins.
type Provider struct {
	region  string
	profile string

	mu      sync.Mutex
	clients *Clients
}

func New(region, profile string) *Provider {
	if region == "" {
		region = "us-east-1"
	}
	return &Provider{region: region, profile: profile}
}

// NewWithClients uses the given clients instead of loading AWS config.
func NewWithClients(c Clients) *Provider {
	return &Provider{clients: &c}
}

func (p *Provider) ensureClients(ctx context.Context) (*Clients, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clients != nil {
		return p.clients, nil
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(p.region)}
	if p.profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(p.profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	p.clients = &Clients{
		S3:             s3.NewFromConfig(cfg),
		SSM:            ssm.NewFromConfig(cfg),
		Route53:        route53.NewFromConfig(cfg),
		SecretsManager: secretsmanager.NewFromConfig(cfg),
		CloudFront:     cloudfront.NewFromConfig(cfg),
	}
	return p.clients, nil
}

func (p *Provider) hook(source string, build func(*Clients) plugin.Plugin) plugin.HookRef {
	return plugin.Hook(source, func(ctx context.Context) (plugin.Plugin, error) {
		c, err := p.ensureClients(ctx)
		if err != nil {
			return nil, err
		}
		return build(c), nil
	})
}

// Hooks returns catalog entries for every AWS plugin.
func (p *Provider) Hooks() []plugin.HookRef {
	return []plugin.HookRef{
		p.hook(BucketSource, func(c *Clients) plugin.Plugin { return &Bucket{api: c.S3} }),
		p.hook(ParameterSource, func(c *Clients) plugin.Plugin { return &Parameter{api: c.SSM} }),
		p.hook(RecordSource, func(c *Clients) plugin.Plugin { return &Record{api: c.Route53} }),
		p.hook(SecretSource, func(c *Clients) plugin.Plugin { return &Secret{api: c.SecretsManager} }),
	}
}

// Register adds every AWS plugin and action to catalog.
func (p *Provider) Register(catalog *plugin.Catalog) {
	for _, h := range p.Hooks() {
		catalog.Register(h)
	}
	catalog.RegisterAction(InvalidationAction, func(ctx context.Context, props map[string]any) (any, error) {
		c, err := p.ensureClients(ctx)
		if err != nil {
			return nil, err
		}
		return Invalidate(ctx, c.CloudFront, props)
	})
}

func noop(context.Context) error { return nil }

func strPtr(s string) *string {
	return &s
}

// optional returns nil for the empty string.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func errorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func hasCode(err error, codes ...string) bool {
	code := errorCode(err)
	for _, c := range codes {
		if code == c {
			return true
		}
	}
	return false
}
