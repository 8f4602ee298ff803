package object

import (
	"time"

	"github.com/litedoc/litedoc/internal/blob"
	"github.com/litedoc/litedoc/internal/fleece"
	"github.com/litedoc/litedoc/internal/types"
)

// convert validates and converts a Go-native value, a *Subdocument, a
// *List, a *blob.Blob, or a nested map[string]any/[]any into a
// types.Value ready to stage at key, per spec.md §4.1.1 and §4.1.2. c.mu
// must be held by the caller (Set/ReplaceProperties already hold it).
func (c *Container) convert(raw any, old types.Value, key string) (types.Value, error) {
	onMutate := func() { c.markChanged(key) }

	switch rv := raw.(type) {
	case *Subdocument:
		rv.adopt(c, key)
		return types.NewSubdocumentValue(rv), nil
	case map[string]any:
		return wrapMap(c.sk, c.db, c.owner, onMutate, rv)
	default:
		return convertValue(c.sk, c.db, c.owner, onMutate, raw, old)
	}
}

// convertValue is the scalar/array/list/blob half of convert, shared
// by Container.Set and List.Set/Append (which have no (parent, key)
// pair to adopt a foreign Subdocument into, only a List slot).
func convertValue(sk *fleece.SharedKeys, db blob.Database, owner any, onMutate func(), raw any, old types.Value) (types.Value, error) {
	switch rv := raw.(type) {
	case nil:
		return types.NewNullValue(), nil
	case types.Value:
		return rv, nil
	case bool:
		return types.NewBoolValue(rv), nil
	case int:
		return types.NewIntegerValue(int64(rv)), nil
	case int32:
		return types.NewIntegerValue(int64(rv)), nil
	case int64:
		return types.NewIntegerValue(rv), nil
	case float32:
		return types.NewDoubleValue(float64(rv)), nil
	case float64:
		return types.NewDoubleValue(rv), nil
	case string:
		return types.NewTextValue(rv), nil
	case time.Time:
		return types.NewDateValue(rv), nil
	case *blob.Blob:
		return types.NewBlobValue(rv), nil
	case *Subdocument:
		rv.mu.Lock()
		rv.parent = nil
		rv.key = ""
		rv.valid = true
		rv.sk = sk
		rv.db = db
		rv.owner = owner
		rv.onMutate = onMutate
		rv.mu.Unlock()
		return types.NewSubdocumentValue(rv), nil
	case *List:
		rv.mu.Lock()
		rv.sk = sk
		rv.db = db
		rv.owner = owner
		rv.onMutate = onMutate
		rv.mu.Unlock()
		return types.NewArrayValue(rv), nil
	case map[string]any:
		return wrapMap(sk, db, owner, onMutate, rv)
	case []any:
		return wrapSlice(sk, db, owner, onMutate, rv)
	default:
		return nil, types.ErrUnsupportedValue
	}
}

// wrapMap builds a brand-new Subdocument from a Go map literal, or (if
// m carries the "_cbltype":"blob" marker fields) resolves it to an
// already-installed Blob reference, per spec.md §4.1.2 and §6.
func wrapMap(sk *fleece.SharedKeys, db blob.Database, owner any, onMutate func(), m map[string]any) (types.Value, error) {
	if t, ok := m[fleece.FieldCBLType]; ok && t == fleece.BlobTypeMarker {
		return blobFromRawMarker(db, m)
	}

	sub := newSubdocument(sk)
	sub.SetDatabase(db)
	sub.SetOwner(owner)
	sub.valid = true
	sub.onMutate = onMutate

	for k, v := range m {
		if err := sub.Set(k, v); err != nil {
			return nil, err
		}
	}
	return types.NewSubdocumentValue(sub), nil
}

// wrapSlice builds a brand-new List from a Go slice literal.
func wrapSlice(sk *fleece.SharedKeys, db blob.Database, owner any, onMutate func(), s []any) (types.Value, error) {
	lst := newList(sk)
	lst.db = db
	lst.owner = owner
	lst.onMutate = onMutate
	lst.staged = make([]types.Value, 0, len(s))

	for _, elem := range s {
		if err := lst.Append(elem); err != nil {
			return nil, err
		}
	}
	return types.NewArrayValue(lst), nil
}

func blobFromRawMarker(db blob.Database, m map[string]any) (types.Value, error) {
	if db == nil {
		return nil, types.ErrUnsupportedValue
	}

	digest, _ := m[fleece.FieldDigest].(string)
	contentType, _ := m[fleece.FieldContentType].(string)

	var length int64
	switch l := m[fleece.FieldLength].(type) {
	case int64:
		length = l
	case int:
		length = int64(l)
	case float64:
		length = int64(l)
	}

	key, err := db.BlobStore().KeyFromString(digest)
	if err != nil {
		return nil, err
	}

	return types.NewBlobValue(blob.Installed(db, db.BlobStore(), key, contentType, length)), nil
}
