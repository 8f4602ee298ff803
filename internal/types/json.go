package types

import (
	"bytes"
	"strconv"
	"time"
)

// MarshalValueJSON renders v as JSON. Blobs use the "_cbltype":"blob"
// marker form, matching the persisted encoding described in spec.md ยง6.
func MarshalValueJSON(v Value) ([]byte, error) {
	if IsNull(v) {
		return []byte("null"), nil
	}

	switch v.Type() {
	case BooleanValue:
		return strconv.AppendBool(nil, As[bool](v)), nil
	case IntegerValue:
		return strconv.AppendInt(nil, As[int64](v), 10), nil
	case DoubleValue:
		return strconv.AppendFloat(nil, As[float64](v), 'g', -1, 64), nil
	case TextValue:
		return quoteJSON(As[string](v)), nil
	case DateValue:
		return quoteJSON(FormatDate(As[time.Time](v))), nil
	case BlobValue:
		b := As[BlobRef](v)
		var buf bytes.Buffer
		buf.WriteByte('{')
		buf.WriteString(`"_cbltype":"blob","digest":`)
		buf.Write(quoteJSON(b.Digest()))
		buf.WriteString(`,"length":`)
		buf.Write(strconv.AppendInt(nil, b.Length(), 10))
		buf.WriteString(`,"content-type":`)
		buf.Write(quoteJSON(b.ContentType()))
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case ArrayValue:
		return MarshalArrayJSON(As[Array](v))
	case SubdocumentValue:
		return MarshalSubdocumentJSON(As[Subdocument](v))
	}

	return nil, ErrUnsupportedValue
}

// MarshalArrayJSON renders a as a JSON array.
func MarshalArrayJSON(a Array) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')

	err := a.Iterate(func(i int, v Value) error {
		if i > 0 {
			buf.WriteByte(',')
		}
		data, err := MarshalValueJSON(v)
		if err != nil {
			return err
		}
		buf.Write(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// MarshalSubdocumentJSON renders d as a JSON object.
func MarshalSubdocumentJSON(d Subdocument) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	first := true
	err := d.Iterate(func(key string, v Value) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false

		buf.Write(quoteJSON(key))
		buf.WriteByte(':')

		data, err := MarshalValueJSON(v)
		if err != nil {
			return err
		}
		buf.Write(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func quoteJSON(s string) []byte {
	return []byte(strconv.Quote(s))
}
