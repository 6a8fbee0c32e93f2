package answers

import (
	"encoding/json"
	"fmt"
)

// FromAny converts decoded JSON (or equivalent Go values) into a Value.
func FromAny(raw any) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return Clone(v), nil
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	case float64:
		return Number(v), nil
	case float32:
		return Number(float64(v)), nil
	case int:
		return Number(float64(v)), nil
	case int64:
		return Number(float64(v)), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("answers: invalid number %q: %w", v, err)
		}
		return Number(f), nil
	case []string:
		out := make(Array, len(v))
		for i, s := range v {
			out[i] = String(s)
		}
		return out, nil
	case []any:
		out := make(Array, len(v))
		for i, item := range v {
			converted, err := FromAny(item)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	case map[string]any:
		out := make(Object, len(v))
		for k, item := range v {
			converted, err := FromAny(item)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	default:
		return nil, fmt.Errorf("answers: unsupported value type %T", raw)
	}
}

// ToAny converts a Value into plain Go values suitable for encoding/json.
func ToAny(v Value) any {
	switch node := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(node)
	case Number:
		return float64(node)
	case Bool:
		return bool(node)
	case Array:
		out := make([]any, len(node))
		for i, item := range node {
			out[i] = ToAny(item)
		}
		return out
	case Object:
		out := make(map[string]any, len(node))
		for k, item := range node {
			out[k] = ToAny(item)
		}
		return out
	}
	return nil
}

// MarshalJSON encodes the object as a JSON object.
func (o Object) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(ToAny(o))
}

// UnmarshalJSON decodes a JSON object. A JSON null decodes to an empty object.
func (o *Object) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*o = Object{}
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("answers: expected JSON object, got %T", raw)
	}
	converted, err := FromAny(m)
	if err != nil {
		return err
	}
	*o = converted.(Object)
	return nil
}

// ParseObject decodes a JSON document into an Object. Empty input yields an empty object.
func ParseObject(data []byte) (Object, error) {
	if len(data) == 0 {
		return Object{}, nil
	}
	var o Object
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return o, nil
}
