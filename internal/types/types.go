// Package types defines the tagged-union value model shared by every
// property container, subdocument and document in the database.
package types

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrKeyNotFound is returned by Subdocument.GetByField when the requested
	// key has no effective (non-null) value.
	ErrKeyNotFound = errors.New("key not found")

	// ErrValueNotFound is returned by Array.GetByIndex when the index is
	// out of range.
	ErrValueNotFound = errors.New("value not found")

	// ErrUnsupportedValue is returned when a Go value cannot be validated
	// into a PropertyValue. See Document §4.1.1.
	ErrUnsupportedValue = errors.New("unsupported value")
)

// ValueType is the tag of the PropertyValue union.
type ValueType uint8

const (
	NullValue ValueType = iota
	BooleanValue
	IntegerValue
	DoubleValue
	TextValue
	DateValue
	BlobValue
	ArrayValue
	SubdocumentValue
)

func (t ValueType) String() string {
	switch t {
	case NullValue:
		return "null"
	case BooleanValue:
		return "bool"
	case IntegerValue:
		return "integer"
	case DoubleValue:
		return "double"
	case TextValue:
		return "string"
	case DateValue:
		return "date"
	case BlobValue:
		return "blob"
	case ArrayValue:
		return "array"
	case SubdocumentValue:
		return "subdocument"
	}

	panic(fmt.Sprintf("unsupported value type %#v", t))
}

// IsNumber reports whether t is an integer or a double: the two types
// getLong/getDouble/getFloat are allowed to read interchangeably.
func (t ValueType) IsNumber() bool {
	return t == IntegerValue || t == DoubleValue
}

// Value is a single tagged PropertyValue. Every staged property, array
// element and encoded-root leaf is a Value.
type Value interface {
	Type() ValueType
	// V returns the untyped Go value, or nil for a null Value. Callers
	// that know the concrete type should prefer As/Is.
	V() any
}

// Array is the interface implemented by ordered PropertyValue lists.
// It is satisfied both by the in-memory staged list (internal/object.List)
// and by a lazily-decoded view over an encoded root (internal/fleece.Array).
type Array interface {
	Iterate(fn func(i int, v Value) error) error
	GetByIndex(i int) (Value, error)
	Len() (int, error)
}

// Subdocument is the interface implemented by nested property containers.
// It is satisfied by internal/object.Subdocument.
type Subdocument interface {
	Iterate(fn func(key string, v Value) error) error
	GetByField(key string) (Value, error)
	MarshalJSON() ([]byte, error)
}

// BlobRef is the interface implemented by binary attachment values.
// It is satisfied by internal/blob.Blob.
type BlobRef interface {
	Digest() string
	Length() int64
	ContentType() string
}
