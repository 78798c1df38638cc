package domain

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"time"
)

// NormalizeValue validates v against def and returns its canonical
// representation: int64 for TypeInt, float64 for TypeFloat, ObjectID for
// TypeReference, a private copy for TypeBytes.
func NormalizeValue(def PropertyDefinition, v any) (any, error) {
	if v == nil {
		if def.Nullable {
			return nil, nil
		}
		return nil, ArgumentTypeError{Property: def.Name, Expected: def.Type, Actual: "nil"}
	}
	mismatch := ArgumentTypeError{Property: def.Name, Expected: def.Type, Actual: fmt.Sprintf("%T", v)}
	switch def.Type {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int8:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint8:
			return int64(n), nil
		case uint16:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		case uint64:
			if n <= math.MaxInt64 {
				return int64(n), nil
			}
		}
	case TypeFloat:
		switch n := v.(type) {
		case float32:
			return float64(n), nil
		case float64:
			return n, nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeTime:
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
	case TypeBytes:
		if b, ok := v.([]byte); ok {
			return append([]byte{}, b...), nil
		}
	case TypeReference:
		if id, ok := v.(ObjectID); ok {
			if id.IsZero() {
				return nil, nil
			}
			return id, nil
		}
	}
	return nil, mismatch
}

// DefaultValue returns the initial value of a property on a new object.
func DefaultValue(def PropertyDefinition) any {
	if def.Nullable {
		return nil
	}
	switch def.Type {
	case TypeString:
		return ""
	case TypeInt:
		return int64(0)
	case TypeFloat:
		return float64(0)
	case TypeBool:
		return false
	case TypeTime:
		return time.Time{}
	case TypeBytes:
		return []byte{}
	default:
		return nil
	}
}

// ValuesEqual compares two normalized property values.
func ValuesEqual(a, b any) bool {
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	default:
		return a == b
	}
}

// CloneValue returns a copy of v that shares no mutable state.
func CloneValue(v any) any {
	if b, ok := v.([]byte); ok {
		return append([]byte{}, b...)
	}
	return v
}

// EncodeStoredValue converts a normalized value into the portable form used by
// the JSON and CBOR payloads of the storage providers: references and times
// become strings, bytes become base64 strings.
func EncodeStoredValue(def PropertyDefinition, v any) any {
	if v == nil {
		return nil
	}
	switch def.Type {
	case TypeReference:
		if id, ok := v.(ObjectID); ok {
			return id.String()
		}
	case TypeTime:
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(time.RFC3339Nano)
		}
	case TypeBytes:
		if b, ok := v.([]byte); ok {
			return base64.StdEncoding.EncodeToString(b)
		}
	}
	return v
}

// DecodeStoredValue is the inverse of EncodeStoredValue. It tolerates the
// numeric widening performed by JSON and CBOR decoders. A stored null on a
// non-nullable property decodes to the property's default.
func DecodeStoredValue(def PropertyDefinition, raw any) (any, error) {
	if raw == nil {
		return DefaultValue(def), nil
	}
	switch def.Type {
	case TypeReference:
		if s, ok := raw.(string); ok {
			id, err := ParseObjectID(s)
			if err != nil {
				return nil, err
			}
			return NormalizeValue(def, id)
		}
	case TypeTime:
		if s, ok := raw.(string); ok {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", def.Name, err)
			}
			return t, nil
		}
	case TypeBytes:
		if s, ok := raw.(string); ok {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", def.Name, err)
			}
			return b, nil
		}
	case TypeInt:
		if f, ok := raw.(float64); ok && f == math.Trunc(f) {
			return int64(f), nil
		}
	case TypeFloat:
		switch n := raw.(type) {
		case int64:
			return float64(n), nil
		case uint64:
			return float64(n), nil
		}
	}
	return NormalizeValue(def, raw)
}

// EncodeStoredValues encodes every mapped property of values.
func EncodeStoredValues(class *ClassDefinition, values map[string]any) map[string]any {
	out := make(map[string]any, len(class.properties))
	for _, def := range class.properties {
		out[def.Name] = EncodeStoredValue(def, values[def.Name])
	}
	return out
}

// DecodeStoredValues decodes a stored payload. Properties missing from the
// payload take their default value; unknown keys are ignored.
func DecodeStoredValues(class *ClassDefinition, raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(class.properties))
	for _, def := range class.properties {
		stored, ok := raw[def.Name]
		if !ok {
			out[def.Name] = DefaultValue(def)
			continue
		}
		v, err := DecodeStoredValue(def, stored)
		if err != nil {
			return nil, err
		}
		out[def.Name] = v
	}
	return out, nil
}
