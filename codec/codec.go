// Package codec translates values to and from the string form the
// persistence layer stores.
package codec

import "fmt"

// Codec encodes values for storage and decodes them back.
// A store uses one codec for every key it manages.
type Codec interface {
	// Encode renders v as a storable string.
	Encode(v any) (string, error)
	// Decode parses a stored string back into a value.
	Decode(s string) (any, error)
}

// DecodeError reports a stored string that could not be parsed.
// Callers treat it as "no usable persisted value", not as a fatal condition.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
