package fleece

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/litedoc/litedoc/internal/types"
)

// Dict is a lazily-decoded, read-only view over a fleece-encoded dict.
// It supports random access by field without decoding the whole
// structure, and satisfies types.Subdocument so a plain read (before
// any mutation) can flow straight through the object package. An
// immutable Dict's memory is owned by the revision body it was
// decoded from: see spec.md ยง5 "Encoded-root aliasing".
type Dict struct {
	body []byte // positioned just past the TagDict byte
	n    int
	sk   *SharedKeys
}

// Array is the array counterpart of Dict.
type Array struct {
	body []byte // positioned just past the TagArray byte
	n    int
	sk   *SharedKeys
}

var (
	_ types.Subdocument = (*Dict)(nil)
	_ types.Array       = (*Array)(nil)
)

// DecodeRoot decodes a top-level revision body. The returned Dict
// aliases data: the caller must keep data alive for as long as the
// Dict (and anything derived from it) is in use.
func DecodeRoot(data []byte, sk *SharedKeys) (*Dict, error) {
	if len(data) == 0 {
		return EmptyDict(sk), nil
	}

	v, _, err := decodeValue(data, sk)
	if err != nil {
		return nil, err
	}
	if v.Type() != types.SubdocumentValue {
		return nil, errors.New("fleece: revision body is not a dict")
	}

	return types.As[types.Subdocument](v).(*Dict), nil
}

// EmptyDict returns a Dict with no fields.
func EmptyDict(sk *SharedKeys) *Dict {
	return &Dict{sk: sk}
}

func newDict(body []byte, sk *SharedKeys) (*Dict, int) {
	n, used := binary.Uvarint(body)
	return &Dict{body: body[used:], n: int(n), sk: sk}, used
}

func newArray(body []byte, sk *SharedKeys) (*Array, int) {
	n, used := binary.Uvarint(body)
	return &Array{body: body[used:], n: int(n), sk: sk}, used
}

// Iterate walks every field of the dict in encoded order.
func (d *Dict) Iterate(fn func(key string, v types.Value) error) error {
	if d == nil {
		return nil
	}

	b := d.body
	for i := 0; i < d.n; i++ {
		id, used := binary.Uvarint(b)
		b = b[used:]

		key, ok := d.sk.Resolve(int(id))
		if !ok {
			return errors.Newf("fleece: unresolvable shared key id %d", id)
		}

		v, n, err := decodeValue(b, d.sk)
		if err != nil {
			return err
		}
		b = b[n:]

		if err := fn(key, v); err != nil {
			return err
		}
	}

	return nil
}

// GetByField performs random access into the dict for a single field,
// without decoding the fields that precede it.
func (d *Dict) GetByField(field string) (types.Value, error) {
	if d == nil {
		return nil, types.ErrKeyNotFound
	}

	b := d.body
	for i := 0; i < d.n; i++ {
		id, used := binary.Uvarint(b)
		b = b[used:]

		key, ok := d.sk.Resolve(int(id))
		if !ok {
			return nil, errors.Newf("fleece: unresolvable shared key id %d", id)
		}

		if key == field {
			v, _, err := decodeValue(b, d.sk)
			return v, err
		}

		n := skipValue(b)
		b = b[n:]
	}

	return nil, types.ErrKeyNotFound
}

// Len reports the number of fields in the dict.
func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return d.n
}

func (d *Dict) MarshalJSON() ([]byte, error) {
	return types.MarshalSubdocumentJSON(d)
}

// Iterate walks every element of the array in order.
func (a *Array) Iterate(fn func(i int, v types.Value) error) error {
	if a == nil {
		return nil
	}

	b := a.body
	for i := 0; i < a.n; i++ {
		v, n, err := decodeValue(b, a.sk)
		if err != nil {
			return err
		}
		b = b[n:]

		if err := fn(i, v); err != nil {
			return err
		}
	}

	return nil
}

// GetByIndex performs random access into the array for a single index.
func (a *Array) GetByIndex(i int) (types.Value, error) {
	if a == nil || i < 0 || i >= a.n {
		return nil, types.ErrValueNotFound
	}

	b := a.body
	for j := 0; j < i; j++ {
		b = b[skipValue(b):]
	}

	v, _, err := decodeValue(b, a.sk)
	return v, err
}

// Len reports the number of elements in the array.
func (a *Array) Len() (int, error) {
	if a == nil {
		return 0, nil
	}
	return a.n, nil
}

// decodeValue decodes a single tagged value starting at b[0] and
// returns it along with the number of bytes consumed.
func decodeValue(b []byte, sk *SharedKeys) (types.Value, int, error) {
	if len(b) == 0 {
		return nil, 0, errors.New("fleece: truncated value")
	}

	switch b[0] {
	case TagNull:
		return types.NewNullValue(), 1, nil
	case TagFalse:
		return types.NewBoolValue(false), 1, nil
	case TagTrue:
		return types.NewBoolValue(true), 1, nil
	case TagInt:
		x, n := binary.Varint(b[1:])
		return types.NewIntegerValue(x), 1 + n, nil
	case TagDouble:
		bits := binary.BigEndian.Uint64(b[1:9])
		return types.NewDoubleValue(math.Float64frombits(bits)), 9, nil
	case TagText:
		l, used := binary.Uvarint(b[1:])
		start := 1 + used
		s := string(b[start : start+int(l)])
		return types.NewTextValue(s), start + int(l), nil
	case TagArray:
		arr, used := newArray(b[1:], sk)
		total := 1 + used
		// compute total length by walking elements once.
		total += arraySpan(arr)
		return types.NewArrayValue(arr), total, nil
	case TagDict:
		dict, used := newDict(b[1:], sk)
		total := 1 + used
		total += dictSpan(dict)
		return types.NewSubdocumentValue(dict), total, nil
	}

	return nil, 0, errors.Newf("fleece: unknown tag 0x%x", b[0])
}

// skipValue returns the number of bytes a single tagged value occupies
// without materializing it.
func skipValue(b []byte) int {
	switch b[0] {
	case TagNull, TagFalse, TagTrue:
		return 1
	case TagInt:
		_, n := binary.Varint(b[1:])
		return 1 + n
	case TagDouble:
		return 9
	case TagText:
		l, used := binary.Uvarint(b[1:])
		return 1 + used + int(l)
	case TagArray:
		n, used := binary.Uvarint(b[1:])
		off := 1 + used
		for i := uint64(0); i < n; i++ {
			off += skipValue(b[off:])
		}
		return off
	case TagDict:
		n, used := binary.Uvarint(b[1:])
		off := 1 + used
		for i := uint64(0); i < n; i++ {
			_, keyUsed := binary.Uvarint(b[off:])
			off += keyUsed
			off += skipValue(b[off:])
		}
		return off
	}

	panic("fleece: unknown tag during skip")
}

func arraySpan(a *Array) int {
	off := 0
	b := a.body
	for i := 0; i < a.n; i++ {
		n := skipValue(b[off:])
		off += n
	}
	return off
}

func dictSpan(d *Dict) int {
	off := 0
	b := d.body
	for i := 0; i < d.n; i++ {
		_, keyUsed := binary.Uvarint(b[off:])
		off += keyUsed
		off += skipValue(b[off:])
	}
	return off
}
