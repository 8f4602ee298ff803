package fleece

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/litedoc/litedoc/internal/types"
)

// EncodeRoot serializes a dict-shaped container to bytes accepted by
// the storage engine as a revision body (spec.md ยง6's "Writer").
func EncodeRoot(d types.Subdocument, sk *SharedKeys) ([]byte, error) {
	return EncodeDict(nil, d, sk)
}

// EncodeDict appends the encoded form of d to dst.
func EncodeDict(dst []byte, d types.Subdocument, sk *SharedKeys) ([]byte, error) {
	type entry struct {
		key string
		v   types.Value
	}

	var entries []entry
	if d != nil {
		err := d.Iterate(func(key string, v types.Value) error {
			if types.IsNull(v) {
				return nil
			}
			entries = append(entries, entry{key, v})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	dst = append(dst, TagDict)
	dst = appendUvarint(dst, uint64(len(entries)))

	for _, e := range entries {
		id := sk.Intern(e.key)
		dst = appendUvarint(dst, uint64(id))

		var err error
		dst, err = EncodeValue(dst, e.v, sk)
		if err != nil {
			return nil, err
		}
	}

	return dst, nil
}

// EncodeArray appends the encoded form of a to dst.
func EncodeArray(dst []byte, a types.Array, sk *SharedKeys) ([]byte, error) {
	if a == nil {
		dst = append(dst, TagArray)
		return appendUvarint(dst, 0), nil
	}

	l, err := a.Len()
	if err != nil {
		return nil, err
	}

	dst = append(dst, TagArray)
	dst = appendUvarint(dst, uint64(l))

	err = a.Iterate(func(_ int, v types.Value) error {
		var err error
		dst, err = EncodeValue(dst, v, sk)
		return err
	})
	if err != nil {
		return nil, err
	}

	return dst, nil
}

// EncodeValue appends the encoded form of v to dst. Dates are written
// as their RFC-3339 string and blobs as a "_cbltype":"blob" marker
// dict, per spec.md ยง6.
func EncodeValue(dst []byte, v types.Value, sk *SharedKeys) ([]byte, error) {
	if types.IsNull(v) {
		return append(dst, TagNull), nil
	}

	switch v.Type() {
	case types.BooleanValue:
		if types.As[bool](v) {
			return append(dst, TagTrue), nil
		}
		return append(dst, TagFalse), nil
	case types.IntegerValue:
		dst = append(dst, TagInt)
		return binary.AppendVarint(dst, types.As[int64](v)), nil
	case types.DoubleValue:
		dst = append(dst, TagDouble)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(types.As[float64](v)))
		return append(dst, buf[:]...), nil
	case types.TextValue:
		return encodeText(dst, types.As[string](v)), nil
	case types.DateValue:
		return encodeText(dst, types.FormatDate(types.As[time.Time](v))), nil
	case types.BlobValue:
		return encodeBlobMarker(dst, types.As[types.BlobRef](v), sk)
	case types.ArrayValue:
		return EncodeArray(dst, types.As[types.Array](v), sk)
	case types.SubdocumentValue:
		return EncodeDict(dst, types.As[types.Subdocument](v), sk)
	}

	return nil, errors.Newf("fleece: unsupported value type %s", v.Type())
}

func encodeText(dst []byte, s string) []byte {
	dst = append(dst, TagText)
	dst = appendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func appendUvarint(dst []byte, n uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	l := binary.PutUvarint(buf[:], n)
	return append(dst, buf[:l]...)
}
