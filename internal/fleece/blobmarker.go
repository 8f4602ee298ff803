package fleece

import (
	"encoding/binary"

	"github.com/litedoc/litedoc/internal/types"
)

// Marker field names for the "_cbltype":"blob" dict, per spec.md ยง6.
const (
	FieldCBLType     = "_cbltype"
	FieldDigest      = "digest"
	FieldLength      = "length"
	FieldContentType = "content-type"
	BlobTypeMarker   = "blob"
)

func encodeBlobMarker(dst []byte, b types.BlobRef, sk *SharedKeys) ([]byte, error) {
	digestID := sk.Intern(FieldDigest)
	lengthID := sk.Intern(FieldLength)
	contentTypeID := sk.Intern(FieldContentType)
	cbltypeID := sk.Intern(FieldCBLType)

	dst = append(dst, TagDict)
	dst = appendUvarint(dst, 4)

	dst = appendUvarint(dst, uint64(cbltypeID))
	dst = encodeText(dst, BlobTypeMarker)

	dst = appendUvarint(dst, uint64(digestID))
	dst = encodeText(dst, b.Digest())

	dst = appendUvarint(dst, uint64(lengthID))
	dst = binaryAppendVarint(dst, b.Length())

	dst = appendUvarint(dst, uint64(contentTypeID))
	dst = encodeText(dst, b.ContentType())

	return dst, nil
}

func binaryAppendVarint(dst []byte, n int64) []byte {
	dst = append(dst, TagInt)
	return binary.AppendVarint(dst, n)
}

// IsBlobMarker reports whether a decoded dict represents an installed
// blob reference, i.e. carries "_cbltype":"blob".
func IsBlobMarker(d types.Subdocument) bool {
	v, err := d.GetByField(FieldCBLType)
	if err != nil || types.IsNull(v) || v.Type() != types.TextValue {
		return false
	}
	return types.As[string](v) == BlobTypeMarker
}
