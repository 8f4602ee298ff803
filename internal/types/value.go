package types

import (
	"time"
)

// A Value stores a PropertyValue alongside its type tag. It is the
// currency of the whole package: staged maps, encoded roots and the
// fleece decoder all produce and consume Value.
type value[T any] struct {
	tp ValueType
	v  T
}

var _ Value = &value[bool]{}

// NewNullValue returns the null PropertyValue. A null value is never
// visible through a container's public properties view; it marks a
// key as removed.
func NewNullValue() Value {
	return &value[struct{}]{tp: NullValue}
}

// NewBoolValue returns a boolean PropertyValue.
func NewBoolValue(x bool) Value {
	return &value[bool]{tp: BooleanValue, v: x}
}

// NewIntegerValue returns a 64-bit signed integer PropertyValue.
func NewIntegerValue(x int64) Value {
	return &value[int64]{tp: IntegerValue, v: x}
}

// NewDoubleValue returns a double PropertyValue.
func NewDoubleValue(x float64) Value {
	return &value[float64]{tp: DoubleValue, v: x}
}

// NewTextValue returns a string PropertyValue.
func NewTextValue(x string) Value {
	return &value[string]{tp: TextValue, v: x}
}

// NewDateValue returns a date PropertyValue. Dates have no encoded
// type of their own: they round-trip through their RFC-3339 string.
func NewDateValue(x time.Time) Value {
	return &value[time.Time]{tp: DateValue, v: x}
}

// NewBlobValue returns a blob-reference PropertyValue.
func NewBlobValue(b BlobRef) Value {
	return &value[BlobRef]{tp: BlobValue, v: b}
}

// NewArrayValue returns an array PropertyValue.
func NewArrayValue(a Array) Value {
	return &value[Array]{tp: ArrayValue, v: a}
}

// NewSubdocumentValue returns a subdocument PropertyValue.
func NewSubdocumentValue(s Subdocument) Value {
	return &value[Subdocument]{tp: SubdocumentValue, v: s}
}

func (v *value[T]) Type() ValueType {
	return v.tp
}

func (v *value[T]) V() any {
	if v.tp == NullValue {
		return nil
	}
	return v.v
}

// As extracts the underlying Go value of v, assuming its concrete type
// is T. It panics if v doesn't hold a T — callers must check Type()
// first, exactly as the typed accessors in internal/object do.
func As[T any](v Value) T {
	vv, ok := v.(*value[T])
	if !ok {
		return v.V().(T)
	}
	return vv.v
}

// Is extracts the underlying Go value of v if its concrete type is T.
func Is[T any](v Value) (T, bool) {
	vv, ok := v.(*value[T])
	if !ok {
		x, ok := v.V().(T)
		return x, ok
	}
	return vv.v, true
}

// IsNull reports whether v is nil or the null PropertyValue.
func IsNull(v Value) bool {
	return v == nil || v.Type() == NullValue
}

// Equal reports whether a and b carry the same type and value. It is
// used by PropertyContainer.set/convert to no-op assignments that
// don't change the effective value.
func Equal(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}

	if a.Type() != b.Type() {
		return false
	}

	switch a.Type() {
	case BooleanValue:
		return As[bool](a) == As[bool](b)
	case IntegerValue:
		return As[int64](a) == As[int64](b)
	case DoubleValue:
		return As[float64](a) == As[float64](b)
	case TextValue:
		return As[string](a) == As[string](b)
	case DateValue:
		return As[time.Time](a).Equal(As[time.Time](b))
	case BlobValue:
		// Blobs are compared by identity: two Blob values are only
		// equal if they're literally the same object.
		return As[BlobRef](a) == As[BlobRef](b)
	case ArrayValue, SubdocumentValue:
		// Arrays and subdocuments carry mutable identity; they are
		// never considered value-equal to another instance, even an
		// empty one, so that set() always stages a fresh reference.
		return false
	}

	return false
}
