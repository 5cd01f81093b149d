package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/logging"
	"github.com/picklr-io/reconciler/internal/plugin"
)

type Route53API interface {
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

type RecordConfig struct {
	ZoneID  string       `json:"zoneId"`
	Name    string       `json:"name"`
	Type    string       `json:"type"`
	TTL     int64        `json:"ttl"`
	Records []string     `json:"records"`
	Alias   *RecordAlias `json:"alias"`
}

type RecordAlias struct {
	Name                 string `json:"name"`
	ZoneID               string `json:"zoneId"`
	EvaluateTargetHealth bool   `json:"evaluateTargetHealth"`
}

// Record manages a single Route 53 record set. Zone, name and type form the
// identity; everything else is upserted in place.
type Record struct {
	api Route53API
}

func (r *Record) Name() string { return "aws.route53.record" }

func (r *Record) Identify(_ context.Context, t *ir.Target) (ir.Values, error) {
	var cfg RecordConfig
	if err := plugin.Decode(t.Fields(), &cfg); err != nil {
		return nil, err
	}
	if cfg.ZoneID == "" || cfg.Name == "" || cfg.Type == "" {
		return nil, fmt.Errorf("record requires zoneId, name and type")
	}
	return ir.Values{
		"zoneId": cfg.ZoneID,
		"name":   normalizeDomain(cfg.Name),
		"type":   strings.ToUpper(cfg.Type),
	}, nil
}

func (r *Record) Spawn(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	cfg, err := decodeRecord(t.Props)
	if err != nil {
		return nil, err
	}
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would create record", "name", cfg.Name, "type", cfg.Type)
		return noop, nil
	}

	if err := r.change(ctx, types.ChangeActionCreate, cfg); err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		return r.change(ctx, types.ChangeActionDelete, cfg)
	}, nil
}

func (r *Record) Update(ctx context.Context, t *ir.Target, changed ir.Changes) (plugin.RevertFunc, error) {
	desired, err := decodeRecord(t.Fields())
	if err != nil {
		return nil, err
	}
	prior, err := decodeRecord(plugin.Previous(t.Fields(), changed))
	if err != nil {
		return nil, err
	}
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would update record", "name", desired.Name, "fields", changed.Keys())
		return noop, nil
	}

	if err := r.change(ctx, types.ChangeActionUpsert, desired); err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		return r.change(ctx, types.ChangeActionUpsert, prior)
	}, nil
}

func (r *Record) Kill(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	cfg, err := decodeRecord(t.Fields())
	if err != nil {
		return nil, err
	}
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would delete record", "name", cfg.Name, "type", cfg.Type)
		return noop, nil
	}

	if err := r.change(ctx, types.ChangeActionDelete, cfg); err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		return r.change(ctx, types.ChangeActionCreate, cfg)
	}, nil
}

func decodeRecord(values ir.Values) (RecordConfig, error) {
	var cfg RecordConfig
	if err := plugin.Decode(values, &cfg); err != nil {
		return cfg, err
	}
	cfg.Name = normalizeDomain(cfg.Name)
	cfg.Type = strings.ToUpper(cfg.Type)
	if cfg.TTL == 0 && cfg.Alias == nil {
		cfg.TTL = 300
	}
	return cfg, nil
}

func (r *Record) change(ctx context.Context, action types.ChangeAction, cfg RecordConfig) error {
	rrs := &types.ResourceRecordSet{
		Name: &cfg.Name,
		Type: types.RRType(cfg.Type),
	}
	if cfg.Alias != nil {
		rrs.AliasTarget = &types.AliasTarget{
			DNSName:              strPtr(cfg.Alias.Name),
			HostedZoneId:         strPtr(cfg.Alias.ZoneID),
			EvaluateTargetHealth: cfg.Alias.EvaluateTargetHealth,
		}
	} else {
		ttl := cfg.TTL
		rrs.TTL = &ttl
		for _, v := range cfg.Records {
			rrs.ResourceRecords = append(rrs.ResourceRecords, types.ResourceRecord{Value: strPtr(v)})
		}
	}

	_, err := r.api.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: &cfg.ZoneID,
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{{Action: action, ResourceRecordSet: rrs}},
		},
	})
	if err != nil {
		if action == types.ChangeActionDelete && hasCode(err, "InvalidChangeBatch") &&
			strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("failed to %s record %s %s: %w", strings.ToLower(string(action)), cfg.Type, cfg.Name, err)
	}
	logging.Info("record changed", "action", action, "name", cfg.Name, "type", cfg.Type)
	return nil
}

func normalizeDomain(name string) string {
	if name == "" || strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
