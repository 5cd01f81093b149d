package plugin

import (
	"encoding/json"
	"fmt"

	"github.com/picklr-io/reconciler/internal/ir"
)

// Decode unmarshals loosely typed field values into a typed config struct
// using its json tags.
func Decode(values ir.Values, out any) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode fields: %w", err)
	}
	return nil
}

// Previous rebuilds the fields a target had before changed was applied.
// Updaters use it to build their revert.
func Previous(fields ir.Values, changed ir.Changes) ir.Values {
	out := fields.Clone()
	if out == nil {
		out = ir.Values{}
	}
	for k, d := range changed {
		switch d.Action {
		case "create":
			delete(out, k)
		default:
			out[k] = d.Before
		}
	}
	return out
}
