package object

import (
	"github.com/buger/jsonparser"
	"github.com/cockroachdb/errors"
)

// ToJSON renders the container's effective properties as JSON, via
// types.MarshalSubdocumentJSON (see (*Container).MarshalJSON).
func (c *Container) ToJSON() ([]byte, error) {
	return c.MarshalJSON()
}

// FromJSON replaces the container's properties wholesale from a JSON
// object, using a streaming jsonparser walk rather than unmarshaling
// into an intermediate interface{} tree field by field, mirroring the
// teacher's FieldBuffer.UnmarshalJSON approach.
func (c *Container) FromJSON(data []byte) error {
	m, err := decodeJSONObject(data)
	if err != nil {
		return err
	}
	return c.ReplaceProperties(m)
}

func decodeJSONObject(data []byte) (map[string]any, error) {
	out := make(map[string]any)

	err := jsonparser.ObjectEach(data, func(key, value []byte, dataType jsonparser.ValueType, _ int) error {
		v, err := decodeJSONValue(value, dataType)
		if err != nil {
			return err
		}
		out[string(key)] = v
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "object: decode json")
	}
	return out, nil
}

func decodeJSONArray(data []byte) ([]any, error) {
	var out []any
	var outerErr error

	jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, _ int, err error) {
		if err != nil {
			outerErr = err
			return
		}
		v, derr := decodeJSONValue(value, dataType)
		if derr != nil {
			outerErr = derr
			return
		}
		out = append(out, v)
	})
	if outerErr != nil {
		return nil, outerErr
	}
	return out, nil
}

func decodeJSONValue(value []byte, dataType jsonparser.ValueType) (any, error) {
	switch dataType {
	case jsonparser.Null:
		return nil, nil
	case jsonparser.Boolean:
		return jsonparser.ParseBoolean(value)
	case jsonparser.Number:
		if i, err := jsonparser.ParseInt(value); err == nil {
			return i, nil
		}
		return jsonparser.ParseFloat(value)
	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return nil, err
		}
		return s, nil
	case jsonparser.Object:
		return decodeJSONObject(value)
	case jsonparser.Array:
		return decodeJSONArray(value)
	default:
		return nil, errors.Newf("object: unsupported json value type %v", dataType)
	}
}
