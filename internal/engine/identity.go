package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/plugin"
	"github.com/zeebo/blake3"
)

// HashIdentity returns the hex BLAKE3-256 digest of the canonical JSON form
// of values. Key order and integer/float spelling do not affect the result.
func HashIdentity(values ir.Values) (string, error) {
	data, err := canonicalJSON(values)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize identity: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// identify asks p for t's identity, strips ephemeral fields and hashes the
// rest. The target itself is not modified.
func identify(ctx context.Context, p plugin.Plugin, t *ir.Target, ephemeral map[string]bool) (*ir.Identity, error) {
	values, err := p.Identify(ctx, t)
	if err != nil {
		return nil, err
	}
	values = values.Without(ephemeral)
	if len(values) == 0 {
		return nil, fmt.Errorf("plugin %s returned an empty identity for %s", p.Name(), t.Label())
	}
	hash, err := HashIdentity(values)
	if err != nil {
		return nil, err
	}
	return &ir.Identity{Hash: hash, Values: values}, nil
}

// canonicalJSON encodes v with sorted keys at every level. Decoding and
// re-encoding folds structs and typed maps into plain JSON objects and makes
// 1 and 1.0 encode alike. Integers keep full precision.
func canonicalJSON(v any) ([]byte, error) {
	generic, err := canonicalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func canonicalize(v any) (any, error) {
	data, err := json.Marshal(normalizeValue(v))
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return canonicalNumbers(out)
}

// canonicalNumbers rewrites every json.Number in its shortest form: integral
// values as exact integers, the rest as the shortest float64 spelling.
func canonicalNumbers(v any) (any, error) {
	switch val := v.(type) {
	case json.Number:
		r, ok := new(big.Rat).SetString(val.String())
		if !ok {
			return nil, fmt.Errorf("invalid number %q", val)
		}
		if r.IsInt() {
			return json.Number(r.Num().String()), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, err
		}
		return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
	case map[string]any:
		for k, item := range val {
			n, err := canonicalNumbers(item)
			if err != nil {
				return nil, err
			}
			val[k] = n
		}
		return val, nil
	case []any:
		for i, item := range val {
			n, err := canonicalNumbers(item)
			if err != nil {
				return nil, err
			}
			val[i] = n
		}
		return val, nil
	default:
		return val, nil
	}
}

// normalizeValue converts the map[any]any shapes some decoders produce into
// map[string]any so they can be JSON encoded.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = normalizeValue(v)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeValue(v)
		}
		return out
	case ir.Values:
		return normalizeValue(map[string]any(val))
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeValue(v)
		}
		return out
	default:
		return val
	}
}
