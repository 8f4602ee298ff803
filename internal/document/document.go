// Package document implements Document, the top-level PropertyContainer
// bound to a persistent record: identity, revision handle, save/merge/
// delete/purge and external-change reload, per spec.md §4.4.
package document

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/litedoc/litedoc/internal/blob"
	"github.com/litedoc/litedoc/internal/database"
	"github.com/litedoc/litedoc/internal/fleece"
	"github.com/litedoc/litedoc/internal/object"
	"github.com/litedoc/litedoc/internal/storage"
	"github.com/litedoc/litedoc/internal/types"
)

// Error kinds re-exported from internal/database for convenience, per
// spec.md §7.
var (
	ErrNotFound     = database.ErrNotFound
	ErrConflict     = database.ErrConflict
	ErrInvalidValue = database.ErrInvalidValue
	ErrInvalidState = database.ErrInvalidState
)

// Resolver resolves a save conflict given the locally-mutated
// properties, the currently-persisted ones and the pre-mutation base,
// per spec.md §4.4.2. A nil return re-raises Conflict.
type Resolver interface {
	Resolve(mine, theirs, base map[string]types.Value) map[string]types.Value
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(mine, theirs, base map[string]types.Value) map[string]types.Value

func (f ResolverFunc) Resolve(mine, theirs, base map[string]types.Value) map[string]types.Value {
	return f(mine, theirs, base)
}

// Document is the top-level property container bound to a persistent
// record with identity, revision handle and conflict resolution.
type Document struct {
	*object.Container

	mu sync.Mutex

	db *database.Database
	id string

	revID    string
	sequence uint64
	exists   bool
	deleted  bool

	saved map[string]types.Value // properties() at the last bind, the merge "base"

	resolver Resolver

	mutationListeners []func()
	savedListeners    []func(external bool)
}

// New loads (or, if mustExist is false and no document exists yet,
// prepares a fresh) Document with id from db. mustExist=true with no
// existing document returns a nil Document and ErrNotFound, per
// spec.md §4.4.
func New(db *database.Database, id string, mustExist bool) (*Document, error) {
	d := &Document{
		db: db,
		id: id,
	}
	d.Container = object.NewContainer(db.SharedKeys())
	d.Container.SetDatabase(db)
	d.Container.SetOwner(d)
	d.Container.SetOnMutate(d.fireMutation)
	d.OnMutation(func() { db.MarkUnsaved(d) })

	rec, err := db.Engine().Get(id)
	if errors.Is(err, storage.ErrNotFound) {
		if mustExist {
			return nil, ErrNotFound
		}
		return d, nil
	}
	if err != nil {
		return nil, err
	}

	if err := d.bind(rec); err != nil {
		return nil, err
	}

	return d, nil
}

// ID returns the document's stable string identifier.
func (d *Document) ID() string { return d.id }

// RevisionID returns the current revID, or "" if unsaved.
func (d *Document) RevisionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.revID
}

// Exists reports whether this document has ever been saved.
func (d *Document) Exists() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exists
}

// IsDeleted reports whether the current revision is a tombstone.
func (d *Document) IsDeleted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleted
}

// SetResolver installs a per-document conflict resolver.
func (d *Document) SetResolver(r Resolver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolver = r
}

// OnMutation registers a callback fired (synchronously, under this
// document's own mutation path) on every key mutation anywhere in the
// container tree, per spec.md §4.4's mutation signal.
func (d *Document) OnMutation(cb func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mutationListeners = append(d.mutationListeners, cb)
}

// OnSaved registers a callback fired after every successful save, with
// external=true for saves/reloads triggered by changedExternally.
func (d *Document) OnSaved(cb func(external bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.savedListeners = append(d.savedListeners, cb)
}

func (d *Document) fireMutation() {
	d.mu.Lock()
	listeners := append([]func(){}, d.mutationListeners...)
	d.mu.Unlock()
	for _, cb := range listeners {
		cb()
	}
}

func (d *Document) fireSaved(external bool) {
	d.mu.Lock()
	listeners := append([]func(bool){}, d.savedListeners...)
	d.mu.Unlock()
	for _, cb := range listeners {
		cb(external)
	}
}

// bind attaches rec as this document's current persisted revision:
// decodes its body as a trusted fleece dict, rebinds the container
// root (per spec.md §4.1.4), and records the new "saved" baseline used
// as merge's `base`.
func (d *Document) bind(rec *storage.Record) error {
	dict, err := fleece.DecodeRoot(rec.Body, d.db.SharedKeys())
	if err != nil {
		return errors.Wrap(err, "document: decode revision body")
	}

	d.mu.Lock()
	d.revID = rec.RevID
	d.sequence = rec.Sequence
	d.exists = true
	d.deleted = rec.Flags&storage.FlagDeleted != 0
	d.mu.Unlock()

	d.Container.UseNewRoot(dict)

	if d.deleted {
		d.saved = nil
	} else {
		d.saved = snapshotProperties(d.Container)
	}

	return nil
}

func snapshotProperties(c *object.Container) map[string]types.Value {
	props := c.Properties()
	out := make(map[string]types.Value, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func containsBlob(props map[string]types.Value) bool {
	for _, v := range props {
		if containsBlobValue(v) {
			return true
		}
	}
	return false
}

func containsBlobValue(v types.Value) bool {
	switch v.Type() {
	case types.BlobValue:
		return true
	case types.SubdocumentValue:
		sub, ok := types.As[types.Subdocument](v).(*object.Subdocument)
		return ok && containsBlob(sub.Properties())
	case types.ArrayValue:
		lst, ok := types.As[types.Array](v).(*object.List)
		if !ok {
			return false
		}
		found := false
		_ = lst.Iterate(func(_ int, ev types.Value) error {
			if containsBlobValue(ev) {
				found = true
			}
			return nil
		})
		return found
	default:
		return false
	}
}

// installBlobs walks props installing every pending Blob into db, per
// spec.md §4.3's "blobs attach to a Database when their enclosing
// Document is saved". Sibling blobs and subdocuments at each level
// install concurrently via errgroup, since Install's only shared state
// is the blob store itself (already safe for concurrent use); a
// document with several attachments pays for one round of store writes
// instead of one per blob.
func installBlobs(props map[string]types.Value, db *database.Database) error {
	g, _ := errgroup.WithContext(context.Background())

	for _, v := range props {
		installBlobValue(g, v, db)
	}

	return g.Wait()
}

func installBlobValue(g *errgroup.Group, v types.Value, db *database.Database) {
	switch v.Type() {
	case types.BlobValue:
		if b, ok := types.As[types.BlobRef](v).(*blob.Blob); ok {
			g.Go(func() error { return b.Install(db) })
		}
	case types.SubdocumentValue:
		if sub, ok := types.As[types.Subdocument](v).(*object.Subdocument); ok {
			g.Go(func() error { return installBlobs(sub.Properties(), db) })
		}
	case types.ArrayValue:
		if lst, ok := types.As[types.Array](v).(*object.List); ok {
			g.Go(func() error { return installListBlobs(lst, db) })
		}
	}
}

// installListBlobs installs every pending blob held directly or
// transitively (nested subdocuments/arrays) by a List's elements, the
// array counterpart of installBlobs.
func installListBlobs(lst *object.List, db *database.Database) error {
	g, _ := errgroup.WithContext(context.Background())

	if err := lst.Iterate(func(_ int, v types.Value) error {
		installBlobValue(g, v, db)
		return nil
	}); err != nil {
		return err
	}

	return g.Wait()
}
