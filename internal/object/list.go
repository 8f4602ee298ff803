package object

import (
	"sync"

	"github.com/litedoc/litedoc/internal/blob"
	"github.com/litedoc/litedoc/internal/fleece"
	"github.com/litedoc/litedoc/internal/types"
)

// List is the array counterpart of Container: a staged, ordered slice
// of PropertyValues layered over an optional encoded root array. Per
// spec.md §9's open-question resolution, a Subdocument relocated to a
// different index within the same List keeps its identity; a
// Subdocument moved into a *different* List is treated as foreign and
// re-adopted, invalidating the original instance at its old spot.
type List struct {
	mu sync.Mutex

	sk *fleece.SharedKeys
	db blob.Database
	owner any

	root types.Array

	staged  []types.Value
	changed bool

	onMutate func()
}

var _ types.Array = (*List)(nil)

// NewList returns an empty, rootless, detached list.
func NewList() *List {
	return newList(fleece.NewSharedKeys())
}

func newList(sk *fleece.SharedKeys) *List {
	return &List{sk: sk}
}

func (l *List) bindRoot(root types.Array) {
	l.root = root
}

// SetDatabase records the owning database, propagated to any element
// Subdocuments materialized from the root.
func (l *List) SetDatabase(db blob.Database) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db = db
}

// SetOwner records the root Document this list's chain belongs to.
func (l *List) SetOwner(owner any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owner = owner
}

func (l *List) markChanged() {
	l.mu.Lock()
	l.changed = true
	cb := l.onMutate
	l.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// materializeLocked ensures the staged slice is populated from the encoded
// root, decoding each element once. l.mu must be held.
func (l *List) materializeLocked() error {
	if l.staged != nil || l.root == nil {
		return nil
	}

	n, err := l.root.Len()
	if err != nil {
		return err
	}

	staged := make([]types.Value, n)
	for i := 0; i < n; i++ {
		v, err := l.root.GetByIndex(i)
		if err != nil {
			return err
		}
		staged[i] = l.convertFromRootLocked(i, v)
	}
	l.staged = staged
	return nil
}

func (l *List) convertFromRootLocked(i int, v types.Value) types.Value {
	if types.IsNull(v) {
		return v
	}

	switch v.Type() {
	case types.SubdocumentValue:
		dict := types.As[types.Subdocument](v)
		if fleece.IsBlobMarker(dict) {
			b, err := l.blobFromMarkerLocked(dict)
			if err != nil {
				return types.NewNullValue()
			}
			return types.NewBlobValue(b)
		}
		sub := newSubdocument(l.sk)
		sub.SetDatabase(l.db)
		sub.SetOwner(l.owner)
		sub.BindRoot(dict)
		sub.valid = true
		sub.onMutate = func() { l.markChanged() }
		return types.NewSubdocumentValue(sub)
	case types.ArrayValue:
		nested := newList(l.sk)
		nested.SetDatabase(l.db)
		nested.SetOwner(l.owner)
		nested.bindRoot(types.As[types.Array](v))
		nested.onMutate = func() { l.markChanged() }
		return types.NewArrayValue(nested)
	default:
		return v
	}
}

func (l *List) blobFromMarkerLocked(d types.Subdocument) (*blob.Blob, error) {
	digestV, err := d.GetByField(fleece.FieldDigest)
	if err != nil {
		return nil, err
	}
	lengthV, err := d.GetByField(fleece.FieldLength)
	if err != nil {
		return nil, err
	}
	contentTypeV, _ := d.GetByField(fleece.FieldContentType)

	if l.db == nil {
		return nil, types.ErrUnsupportedValue
	}

	key, err := l.db.BlobStore().KeyFromString(types.As[string](digestV))
	if err != nil {
		return nil, err
	}

	contentType := ""
	if !types.IsNull(contentTypeV) {
		contentType = types.As[string](contentTypeV)
	}

	return blob.Installed(l.db, l.db.BlobStore(), key, contentType, types.As[int64](lengthV)), nil
}

// Len reports the number of elements.
func (l *List) Len() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.materializeLocked(); err != nil {
		return 0, err
	}
	return len(l.staged), nil
}

// GetByIndex returns the element at i.
func (l *List) GetByIndex(i int) (types.Value, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.materializeLocked(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(l.staged) {
		return nil, types.ErrValueNotFound
	}
	return l.staged[i], nil
}

// Iterate walks every element in order.
func (l *List) Iterate(fn func(i int, v types.Value) error) error {
	l.mu.Lock()
	if err := l.materializeLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	snapshot := append([]types.Value(nil), l.staged...)
	l.mu.Unlock()

	for i, v := range snapshot {
		if err := fn(i, v); err != nil {
			return err
		}
	}
	return nil
}

// Set replaces the element at i with raw, converted the same way a
// Container's Set converts a scalar/subdocument/array/blob value.
func (l *List) Set(i int, raw any) error {
	l.mu.Lock()
	if err := l.materializeLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	if i < 0 || i >= len(l.staged) {
		l.mu.Unlock()
		return types.ErrValueNotFound
	}

	old := l.staged[i]
	nv, err := convertValue(l.sk, l.db, l.owner, func() { l.markChanged() }, raw, old)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if types.Equal(nv, old) {
		l.mu.Unlock()
		return nil
	}
	l.staged[i] = nv
	l.mu.Unlock()

	l.markChanged()
	return nil
}

// Append adds raw as a new element at the end of the list.
func (l *List) Append(raw any) error {
	l.mu.Lock()
	if err := l.materializeLocked(); err != nil {
		l.mu.Unlock()
		return err
	}

	nv, err := convertValue(l.sk, l.db, l.owner, func() { l.markChanged() }, raw, types.NewNullValue())
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.staged = append(l.staged, nv)
	l.mu.Unlock()

	l.markChanged()
	return nil
}

// RemoveAt deletes the element at i, shifting later elements down.
func (l *List) RemoveAt(i int) error {
	l.mu.Lock()
	if err := l.materializeLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	if i < 0 || i >= len(l.staged) {
		l.mu.Unlock()
		return types.ErrValueNotFound
	}

	removed := l.staged[i]
	l.staged = append(l.staged[:i], l.staged[i+1:]...)
	l.mu.Unlock()

	l.invalidateElement(removed)
	l.markChanged()
	return nil
}

func (l *List) invalidateElement(v types.Value) {
	if v == nil {
		return
	}
	if v.Type() == types.SubdocumentValue {
		if sub, ok := types.As[types.Subdocument](v).(*Subdocument); ok {
			sub.invalidate()
		}
	}
}

// useNewRoot rebinds the list to a fresh encoded root array after a
// save or reload, per spec.md §4.1.4: element Subdocuments/Lists are
// rebound in place (by index) when the new root still has a
// compatible element there, preserving their identity; everything
// else (scalars, type changes, trailing elements with no counterpart)
// is re-decoded fresh from the new root.
func (l *List) useNewRoot(newArr types.Array) {
	l.mu.Lock()
	defer l.mu.Unlock()

	oldStaged := l.staged
	l.root = newArr
	l.staged = nil
	l.changed = false

	if oldStaged == nil {
		return
	}

	newLen := 0
	if newArr != nil {
		newLen, _ = newArr.Len()
	}

	rebuilt := make([]types.Value, newLen)
	used := make([]bool, newLen)

	for i, v := range oldStaged {
		if v == nil || i >= newLen {
			l.invalidateElement(v)
			continue
		}

		switch v.Type() {
		case types.SubdocumentValue:
			sub, ok := types.As[types.Subdocument](v).(*Subdocument)
			if !ok {
				continue
			}
			nv, err := newArr.GetByIndex(i)
			if err != nil || types.IsNull(nv) || nv.Type() != types.SubdocumentValue {
				sub.invalidate()
				continue
			}
			sub.Container.UseNewRoot(types.As[types.Subdocument](nv))
			rebuilt[i] = v
			used[i] = true
		case types.ArrayValue:
			nested, ok := types.As[types.Array](v).(*List)
			if !ok {
				continue
			}
			nv, err := newArr.GetByIndex(i)
			if err != nil || types.IsNull(nv) || nv.Type() != types.ArrayValue {
				continue
			}
			nested.useNewRoot(types.As[types.Array](nv))
			rebuilt[i] = v
			used[i] = true
		}
	}

	for i := 0; i < newLen; i++ {
		if used[i] {
			continue
		}
		nv, err := newArr.GetByIndex(i)
		if err != nil {
			continue
		}
		rebuilt[i] = l.convertFromRootLocked(i, nv)
	}

	l.staged = rebuilt
}

// invalidateDisplacedSubdocuments invalidates every element
// Subdocument this list currently holds, called when the list itself
// is discarded wholesale by Container.Revert/ReplaceProperties.
func (l *List) invalidateDisplacedSubdocuments() {
	l.mu.Lock()
	staged := l.staged
	l.mu.Unlock()

	for _, v := range staged {
		l.invalidateElement(v)
	}
}
