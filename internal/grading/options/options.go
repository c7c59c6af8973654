// Package options decodes opaque backend and penalty option maps into typed structs.
package options

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Decode re-encodes in as YAML and strictly decodes it into out.
// Unknown keys are rejected.
func Decode(in map[string]interface{}, out interface{}) error {
	if len(in) == 0 {
		return nil
	}
	data, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	return nil
}
