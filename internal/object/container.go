// Package object implements the copy-on-write property container that
// backs every Document and Subdocument: a staged map of overrides plus
// a changed-keys set layered on top of an optional encoded root. See
// spec.md §4.1 and §4.2.
package object

import (
	"sync"
	"time"

	"github.com/litedoc/litedoc/internal/blob"
	"github.com/litedoc/litedoc/internal/fleece"
	"github.com/litedoc/litedoc/internal/types"
)

// Container is the core of PropertyContainer: a staged map of
// overrides and a changed-keys set layered over an optional encoded
// root. Document and Subdocument both hold one. A single, non-reentrant
// mutex per container is sufficient since mutation never re-enters the
// same instance (see markChanged).
type Container struct {
	mu sync.Mutex

	sk *fleece.SharedKeys
	db blob.Database // may be nil; needed to resolve/install blob values

	owner any // the root Document this container chain belongs to

	root types.Subdocument // nil, or a *fleece.Dict bound from storage

	staged  map[string]types.Value
	changed map[string]struct{}

	// onMutate notifies the parent container that this one changed, per
	// the bubble-to-root chain described in spec.md §4.2. nil for a
	// detached container (a fresh Subdocument not yet set into anything);
	// a Document installs its own callback on its top container through
	// SetOnMutate.
	onMutate func()
}

var _ types.Subdocument = (*Container)(nil)

// NewContainer returns an empty, rootless container.
func NewContainer(sk *fleece.SharedKeys) *Container {
	return &Container{
		sk:      sk,
		staged:  make(map[string]types.Value),
		changed: make(map[string]struct{}),
	}
}

// BindRoot attaches an encoded root to read through. Staged values and
// changed keys are left untouched: this is used when a Subdocument is
// materialized from a dict read off its parent's root, and by Purge to
// drop the root. Loading a revision and the rebind after a save or
// reload go through UseNewRoot instead.
func (c *Container) BindRoot(root types.Subdocument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.root = root
}

// UseNewRoot rebinds the container to a fresh encoded root after a
// successful save or external reload, per spec.md §4.1.4. Staged
// Subdocuments are rebound (and recursed into) if the new root still
// has a dict at the same key, else invalidated; staged Lists walk the
// new root array in parallel, rebinding element Subdocuments by index
// and invalidating any trailing ones; staged scalars are simply
// discarded so the next read pulls from the new root.
func (c *Container) UseNewRoot(root types.Subdocument) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.root = root
	c.changed = make(map[string]struct{})

	for key, v := range c.staged {
		switch v.Type() {
		case types.SubdocumentValue:
			sub, ok := types.As[types.Subdocument](v).(*Subdocument)
			if !ok {
				delete(c.staged, key)
				continue
			}
			if root == nil {
				sub.invalidate()
				delete(c.staged, key)
				continue
			}
			nv, err := root.GetByField(key)
			if err != nil || types.IsNull(nv) || nv.Type() != types.SubdocumentValue {
				sub.invalidate()
				delete(c.staged, key)
				continue
			}
			sub.Container.UseNewRoot(types.As[types.Subdocument](nv))
		case types.ArrayValue:
			lst, ok := types.As[types.Array](v).(*List)
			if !ok {
				delete(c.staged, key)
				continue
			}
			var newArr types.Array
			if root != nil {
				if nv, err := root.GetByField(key); err == nil && !types.IsNull(nv) && nv.Type() == types.ArrayValue {
					newArr = types.As[types.Array](nv)
				}
			}
			lst.useNewRoot(newArr)
		default:
			delete(c.staged, key)
		}
	}
}

// SetDatabase records the owning database, used to install pending
// blobs and resolve "_cbltype":"blob" marker dicts read off the root.
func (c *Container) SetDatabase(db blob.Database) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.db = db
}

// Database returns the owning database, or nil if detached.
func (c *Container) Database() blob.Database {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db
}

// SetOwner records the root Document this container chain belongs to.
func (c *Container) SetOwner(owner any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner = owner
}

// Owner returns the root Document this container chain belongs to, or
// nil if detached.
func (c *Container) Owner() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// SetOnMutate installs the bubble-to-root callback fired on every key
// mutation in this container. Used by Document to wire its own
// OnMutation listeners to the root container's markChanged, the same
// bubble-up mechanism materializeSubdocument/materializeList use for
// nested containers.
func (c *Container) SetOnMutate(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMutate = fn
}

// SharedKeys returns the shared-key cache this container's root (if
// any) was decoded against.
func (c *Container) SharedKeys() *fleece.SharedKeys {
	return c.sk
}

// HasChanges reports whether any key has been staged since the last
// load, save or revert.
func (c *Container) HasChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changed) > 0
}

// markChanged records key as changed and bubbles the notification up
// to the parent, if any. It must be called without c.mu held.
func (c *Container) markChanged(key string) {
	c.mu.Lock()
	c.changed[key] = struct{}{}
	cb := c.onMutate
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Get returns the effective value for key, or the null Value if key
// has no effective value.
func (c *Container) Get(key string) types.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Container) getLocked(key string) types.Value {
	if v, ok := c.staged[key]; ok {
		return v
	}
	if c.root == nil {
		return types.NewNullValue()
	}

	v, err := c.root.GetByField(key)
	if err != nil || types.IsNull(v) {
		return types.NewNullValue()
	}

	switch v.Type() {
	case types.SubdocumentValue:
		dict := types.As[types.Subdocument](v)
		if fleece.IsBlobMarker(dict) {
			b, berr := c.blobFromMarker(dict)
			if berr != nil {
				return types.NewNullValue()
			}
			return types.NewBlobValue(b)
		}
		sub := c.materializeSubdocument(key, dict)
		nv := types.NewSubdocumentValue(sub)
		c.staged[key] = nv
		return nv
	case types.ArrayValue:
		arr := types.As[types.Array](v)
		lst := c.materializeList(key, arr)
		nv := types.NewArrayValue(lst)
		c.staged[key] = nv
		return nv
	default:
		return v
	}
}

// Contains reports whether key has a non-null effective value.
func (c *Container) Contains(key string) bool {
	return !types.IsNull(c.Get(key))
}

// GetBool, GetLong, GetDouble, GetFloat, GetString, GetDate, GetBlob,
// GetArray and GetSubdocument are the typed accessors of spec.md §4.1:
// a type mismatch (other than the numeric getLong/getDouble/getFloat
// cross-reads) yields the type's zero value rather than an error.

func (c *Container) GetBool(key string) bool {
	v := c.Get(key)
	if b, ok := types.Is[bool](v); ok {
		return b
	}
	return false
}

func (c *Container) GetLong(key string) int64 {
	v := c.Get(key)
	switch v.Type() {
	case types.IntegerValue:
		return types.As[int64](v)
	case types.DoubleValue:
		return int64(types.As[float64](v))
	}
	return 0
}

func (c *Container) GetDouble(key string) float64 {
	v := c.Get(key)
	switch v.Type() {
	case types.DoubleValue:
		return types.As[float64](v)
	case types.IntegerValue:
		return float64(types.As[int64](v))
	}
	return 0
}

func (c *Container) GetFloat(key string) float32 {
	return float32(c.GetDouble(key))
}

func (c *Container) GetString(key string) string {
	v := c.Get(key)
	if s, ok := types.Is[string](v); ok {
		return s
	}
	return ""
}

func (c *Container) GetDate(key string) (time.Time, bool) {
	v := c.Get(key)
	if v.Type() == types.DateValue {
		return types.As[time.Time](v), true
	}
	if v.Type() != types.TextValue {
		return time.Time{}, false
	}
	t, err := types.ParseDate(types.As[string](v))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (c *Container) GetBlob(key string) *blob.Blob {
	v := c.Get(key)
	if v.Type() != types.BlobValue {
		return nil
	}
	b, _ := types.As[types.BlobRef](v).(*blob.Blob)
	return b
}

func (c *Container) GetArray(key string) *List {
	v := c.Get(key)
	if v.Type() != types.ArrayValue {
		return nil
	}
	l, _ := types.As[types.Array](v).(*List)
	return l
}

func (c *Container) GetSubdocument(key string) *Subdocument {
	v := c.Get(key)
	if v.Type() != types.SubdocumentValue {
		return nil
	}
	s, _ := types.As[types.Subdocument](v).(*Subdocument)
	return s
}

// Set stages raw (a Go-native value, a *Subdocument, a *List, a
// *blob.Blob, a map[string]any or a []any) as key's new value. A nil
// raw removes the key. Setting a value equal to the current effective
// one is a silent no-op, per spec.md §4.1.2.
func (c *Container) Set(key string, raw any) error {
	c.mu.Lock()
	old := c.getLocked(key)
	nv, err := c.convert(raw, old, key)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if types.Equal(nv, old) {
		c.mu.Unlock()
		return nil
	}
	if old.Type() == types.SubdocumentValue {
		if oldSub, ok := types.As[types.Subdocument](old).(*Subdocument); ok && nv.V() != any(oldSub) {
			oldSub.invalidate()
		}
	}
	c.staged[key] = nv
	c.mu.Unlock()

	c.markChanged(key)
	return nil
}

// Remove clears key's effective value.
func (c *Container) Remove(key string) error {
	return c.Set(key, nil)
}

// Properties returns a snapshot of every non-null effective property.
func (c *Container) Properties() map[string]types.Value {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.backfillLocked()

	out := make(map[string]types.Value, len(c.staged))
	for k, v := range c.staged {
		if !types.IsNull(v) {
			out[k] = v
		}
	}
	return out
}

// backfillLocked ensures every key present in the encoded root also
// has an entry in the staged map, so that Properties() and Iterate()
// see a single, stable view regardless of whether a key was ever
// touched. c.mu must be held.
func (c *Container) backfillLocked() {
	if c.root == nil {
		return
	}
	_ = c.root.Iterate(func(key string, _ types.Value) error {
		if _, ok := c.staged[key]; !ok {
			c.staged[key] = c.getLocked(key)
		}
		return nil
	})
}

// ReplaceProperties discards every staged key and root-inherited key,
// replacing them wholesale with m, per spec.md §4.1.2. Unlike Set,
// replacement does not compare against the prior value: every key in m
// is (re)staged and marked changed, since the caller is asserting the
// container's entire shape.
func (c *Container) ReplaceProperties(m map[string]any) error {
	c.mu.Lock()

	for key, v := range c.staged {
		c.invalidateDisplacedLocked(v)
		delete(c.staged, key)
	}
	c.changed = make(map[string]struct{})
	c.root = nil

	converted := make(map[string]types.Value, len(m))
	for key, raw := range m {
		nv, err := c.convert(raw, types.NewNullValue(), key)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		converted[key] = nv
	}

	for key, nv := range converted {
		c.staged[key] = nv
		c.changed[key] = struct{}{}
	}
	cb := c.onMutate
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
	return nil
}

// Revert discards every staged change and restores the container to
// its last-loaded (or empty) state, per spec.md §4.1.3. Subdocuments
// displaced by a since-reverted change are either invalidated (if they
// never had a persisted root) or reverted in place (if they did, so
// that identity is preserved across the revert).
func (c *Container) Revert() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.changed {
		v, ok := c.staged[key]
		if !ok {
			continue
		}
		if kept := c.invalidateDisplacedLocked(v); kept != nil {
			c.staged[key] = kept
			continue
		}
		delete(c.staged, key)
	}
	c.changed = make(map[string]struct{})
}

// invalidateDisplacedLocked handles a value that is about to be
// dropped from the staged map by Revert/ReplaceProperties. It returns
// a non-nil Value when the same instance should be kept (a
// Subdocument with a persisted root, reverted in place instead of
// discarded).
func (c *Container) invalidateDisplacedLocked(v types.Value) types.Value {
	switch v.Type() {
	case types.SubdocumentValue:
		sub, ok := types.As[types.Subdocument](v).(*Subdocument)
		if !ok {
			return nil
		}
		if sub.Exists() {
			sub.revertInPlace()
			return v
		}
		sub.invalidate()
		return nil
	case types.ArrayValue:
		lst, ok := types.As[types.Array](v).(*List)
		if !ok {
			return nil
		}
		lst.invalidateDisplacedSubdocuments()
		return nil
	default:
		return nil
	}
}

// Iterate walks every non-null effective property, satisfying
// types.Subdocument so a Container can be encoded or JSON-marshaled
// directly.
func (c *Container) Iterate(fn func(key string, v types.Value) error) error {
	for k, v := range c.Properties() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// GetByField implements types.Subdocument.
func (c *Container) GetByField(key string) (types.Value, error) {
	v := c.Get(key)
	if types.IsNull(v) {
		return nil, types.ErrKeyNotFound
	}
	return v, nil
}

// MarshalJSON implements types.Subdocument.
func (c *Container) MarshalJSON() ([]byte, error) {
	return types.MarshalSubdocumentJSON(c)
}

func (c *Container) blobFromMarker(d types.Subdocument) (*blob.Blob, error) {
	digestV, err := d.GetByField(fleece.FieldDigest)
	if err != nil {
		return nil, err
	}
	lengthV, err := d.GetByField(fleece.FieldLength)
	if err != nil {
		return nil, err
	}
	contentTypeV, _ := d.GetByField(fleece.FieldContentType)

	if c.db == nil {
		return nil, types.ErrUnsupportedValue
	}

	key, err := c.db.BlobStore().KeyFromString(types.As[string](digestV))
	if err != nil {
		return nil, err
	}

	contentType := ""
	if !types.IsNull(contentTypeV) {
		contentType = types.As[string](contentTypeV)
	}

	return blob.Installed(c.db, c.db.BlobStore(), key, contentType, types.As[int64](lengthV)), nil
}

func (c *Container) materializeSubdocument(key string, dict types.Subdocument) *Subdocument {
	sub := newSubdocument(c.sk)
	sub.SetDatabase(c.db)
	sub.SetOwner(c.owner)
	sub.BindRoot(dict)
	sub.parent = c
	sub.key = key
	sub.onMutate = func() { c.markChanged(key) }
	return sub
}

func (c *Container) materializeList(key string, arr types.Array) *List {
	lst := newList(c.sk)
	lst.SetDatabase(c.db)
	lst.SetOwner(c.owner)
	lst.bindRoot(arr)
	lst.onMutate = func() { c.markChanged(key) }
	return lst
}
