package litedoc

import (
	"github.com/litedoc/litedoc/internal/blob"
	"github.com/litedoc/litedoc/internal/object"
	"github.com/litedoc/litedoc/internal/types"
)

// unwrapValue converts this package's public wrapper types (*Blob,
// *Subdocument, *Array) and any nested maps/slices containing them
// back into the raw values internal/object's Container.Set/convert
// already knows how to stage.
func unwrapValue(value any) any {
	switch v := value.(type) {
	case *Blob:
		return v.b
	case *Subdocument:
		return v.s
	case *Array:
		return v.l
	case map[string]any:
		return unwrapMap(v)
	case []any:
		return unwrapSlice(v)
	default:
		return value
	}
}

func unwrapMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = unwrapValue(v)
	}
	return out
}

func unwrapSlice(s []any) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = unwrapValue(v)
	}
	return out
}

// unwrapGet converts a decoded/staged types.Value back into a
// caller-facing Go value, boxing Blob/Subdocument/Array values into
// this package's public wrapper types.
func unwrapGet(v types.Value) any {
	if types.IsNull(v) {
		return nil
	}

	switch v.Type() {
	case types.BlobValue:
		b, ok := types.As[types.BlobRef](v).(*blob.Blob)
		if !ok {
			return nil
		}
		return &Blob{b: b}
	case types.SubdocumentValue:
		s, ok := types.As[types.Subdocument](v).(*object.Subdocument)
		if !ok {
			return nil
		}
		return &Subdocument{s: s}
	case types.ArrayValue:
		l, ok := types.As[types.Array](v).(*object.List)
		if !ok {
			return nil
		}
		return &Array{l: l}
	default:
		return v.V()
	}
}

func valuesToAny(m map[string]types.Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = unwrapGet(v)
	}
	return out
}
