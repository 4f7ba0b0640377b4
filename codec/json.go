package codec

import (
	"encoding/json"
	"fmt"
)

// JSON is the default codec. Decoded values use JSON's canonical Go types:
// nil, bool, float64, string, []any and map[string]any. Values outside that
// domain encode fine but come back in canonical form after a reload.
type JSON struct{}

// Encode marshals v to compact JSON.
func (JSON) Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("codec: encode: %w", err)
	}
	return string(b), nil
}

// Decode unmarshals a stored JSON string.
func (JSON) Decode(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return v, nil
}
