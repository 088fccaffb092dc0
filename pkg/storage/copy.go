package storage

import (
	"encoding/json"
	"fmt"
)

// clone deep-copies v through JSON so callers never share maps with a
// backend. Values that cannot be encoded, such as NaN, are rejected the way
// the Redis backend rejects them.
func clone[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return &out, nil
}
