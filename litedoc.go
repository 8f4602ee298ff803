/*
Package litedoc implements an embedded, schemaless document database:
copy-on-write property containers, nested subdocuments and arrays,
content-addressed blob attachments, and multi-version revision
tracking with automatic conflict resolution.
*/
package litedoc

import (
	"time"

	"github.com/litedoc/litedoc/internal/blob"
	"github.com/litedoc/litedoc/internal/database"
	"github.com/litedoc/litedoc/internal/document"
	"github.com/litedoc/litedoc/internal/object"
)

// Error kinds, per spec.md §7. Compare with errors.Is.
var (
	ErrNotFound     = database.ErrNotFound
	ErrConflict     = database.ErrConflict
	ErrInvalidValue = database.ErrInvalidValue
	ErrInvalidState = database.ErrInvalidState
)

// Options configures Open.
type Options struct {
	// ReadOnly opens the database without allowing writes.
	ReadOnly bool
	// EncryptionKey, if non-empty, must be 16, 24 or 32 bytes and
	// enables AES-GCM encryption at rest via a wrapping vfs.FS.
	EncryptionKey []byte
}

// Database is a collection of documents backed by a single storage
// directory.
type Database struct {
	db *database.Database
}

// Open opens (creating if necessary) the database rooted at path.
func Open(path string, opts Options) (*Database, error) {
	db, err := database.Open(path, database.Options{
		ReadOnly:      opts.ReadOnly,
		EncryptionKey: opts.EncryptionKey,
	})
	if err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

// Close releases the database's storage handle. It returns the IDs of
// any documents with unsaved changes at close time.
func (d *Database) Close() ([]string, error) {
	return d.db.Close()
}

// Count returns the total number of live (non-purged) documents.
func (d *Database) Count() (int, error) {
	return d.db.Count()
}

// PurgeExpired purges every document whose expiration has passed as
// of now, returning the number purged. InBatch already does this
// opportunistically on a fixed cadence; call this directly for a
// precise, immediate sweep.
func (d *Database) PurgeExpired(now time.Time) (int, error) {
	return d.db.PurgeExpired(now)
}

// InBatch runs fn inside a single storage transaction, batching every
// document save within it into one change notification. Each save is
// durable as soon as it completes; an error from fn does not undo
// saves already made.
func (d *Database) InBatch(fn func() error) error {
	return d.db.InBatch(fn)
}

// AddChangeListener registers cb to be called after every batch of
// document saves made through this Database handle; external is
// always false, since saves made through other handles are not
// observed.
func (d *Database) AddChangeListener(cb func(ids []string, lastSequence uint64, external bool)) {
	d.db.AddChangeListener(cb)
}

// NewDocumentID allocates a fresh random document identifier.
func (d *Database) NewDocumentID() (string, error) {
	return d.db.CreateDocumentID()
}

// Document opens (or prepares, if mustExist is false) the document
// identified by id.
func (d *Database) Document(id string, mustExist bool) (*Document, error) {
	doc, err := document.New(d.db, id, mustExist)
	if err != nil {
		return nil, err
	}
	return &Document{doc: doc}, nil
}

// NewDocument opens a fresh document under a freshly allocated ID.
func (d *Database) NewDocument() (*Document, error) {
	id, err := d.db.CreateDocumentID()
	if err != nil {
		return nil, err
	}
	return d.Document(id, false)
}

// Resolver resolves a save conflict given the locally-mutated
// properties, the currently-persisted ones and the pre-mutation base.
// A nil return re-raises ErrConflict.
type Resolver = document.Resolver

// ResolverFunc adapts a function to Resolver.
type ResolverFunc = document.ResolverFunc

// Document is a named, versioned PropertyContainer.
type Document struct {
	doc *document.Document
}

// ID returns the document's stable identifier.
func (d *Document) ID() string { return d.doc.ID() }

// RevisionID returns the current revision id, or "" if never saved.
func (d *Document) RevisionID() string { return d.doc.RevisionID() }

// Exists reports whether this document has ever been saved.
func (d *Document) Exists() bool { return d.doc.Exists() }

// IsDeleted reports whether the current revision is a tombstone.
func (d *Document) IsDeleted() bool { return d.doc.IsDeleted() }

// SetResolver installs a per-document conflict resolver, overriding
// the default generation-depth tiebreak.
func (d *Document) SetResolver(r Resolver) { d.doc.SetResolver(r) }

// OnMutation registers a callback fired on every property mutation
// anywhere in this document's container tree.
func (d *Document) OnMutation(cb func()) { d.doc.OnMutation(cb) }

// OnSaved registers a callback fired after every successful save,
// with external=true for externally-observed changes.
func (d *Document) OnSaved(cb func(external bool)) { d.doc.OnSaved(cb) }

// Save persists the document's staged changes as a new revision,
// resolving one conflict automatically before surfacing ErrConflict.
func (d *Document) Save() error { return d.doc.Save() }

// Delete saves a tombstone revision.
func (d *Document) Delete() error { return d.doc.Delete() }

// Purge permanently removes every revision of this document.
func (d *Document) Purge() error { return d.doc.Purge() }

// ChangedExternally reloads the document's current revision from
// storage if it has changed since this handle last bound to one.
func (d *Document) ChangedExternally() error { return d.doc.ChangedExternally() }

// SetExpiration records when this document should be purged. A zero
// Time clears any existing expiration.
func (d *Document) SetExpiration(at time.Time) error { return d.doc.SetExpiration(at) }

// Expiration returns the document's current expiration, if any.
func (d *Document) Expiration() (time.Time, bool) { return d.doc.Expiration() }

// Properties returns a snapshot of every currently staged property.
func (d *Document) Properties() map[string]any {
	return valuesToAny(d.doc.Container.Properties())
}

// Get returns the raw staged value for key.
func (d *Document) Get(key string) any { return unwrapGet(d.doc.Container.Get(key)) }

// GetBool, GetLong, GetDouble, GetFloat, GetString and GetDate are
// typed convenience accessors mirroring PropertyContainer's.
func (d *Document) GetBool(key string) bool          { return d.doc.Container.GetBool(key) }
func (d *Document) GetLong(key string) int64          { return d.doc.Container.GetLong(key) }
func (d *Document) GetDouble(key string) float64       { return d.doc.Container.GetDouble(key) }
func (d *Document) GetFloat(key string) float32        { return d.doc.Container.GetFloat(key) }
func (d *Document) GetString(key string) string        { return d.doc.Container.GetString(key) }
func (d *Document) GetDate(key string) (time.Time, bool) { return d.doc.Container.GetDate(key) }

// GetBlob returns the blob stored at key, or nil.
func (d *Document) GetBlob(key string) *Blob {
	b := d.doc.Container.GetBlob(key)
	if b == nil {
		return nil
	}
	return &Blob{b: b}
}

// GetArray returns the array stored at key, or nil.
func (d *Document) GetArray(key string) *Array {
	a := d.doc.Container.GetArray(key)
	if a == nil {
		return nil
	}
	return &Array{l: a}
}

// GetSubdocument returns the subdocument stored at key, or nil.
func (d *Document) GetSubdocument(key string) *Subdocument {
	s := d.doc.Container.GetSubdocument(key)
	if s == nil {
		return nil
	}
	return &Subdocument{s: s}
}

// Set stages key to value, converting it the same way every
// PropertyContainer accepts values: nil, bool, numeric types, string,
// time.Time, *Blob, *Subdocument, *Array, map[string]any, []any.
func (d *Document) Set(key string, value any) error {
	return d.doc.Container.Set(key, unwrapValue(value))
}

// Remove deletes key.
func (d *Document) Remove(key string) error { return d.doc.Container.Remove(key) }

// ReplaceProperties discards every staged property and replaces the
// document wholesale with m.
func (d *Document) ReplaceProperties(m map[string]any) error {
	return d.doc.Container.ReplaceProperties(unwrapMap(m))
}

// Revert discards every staged change, restoring the last-saved state.
func (d *Document) Revert() { d.doc.Container.Revert() }

// HasChanges reports whether any property has been staged since the
// last save/load.
func (d *Document) HasChanges() bool { return d.doc.Container.HasChanges() }

// ToJSON renders the document's current properties as JSON.
func (d *Document) ToJSON() ([]byte, error) { return d.doc.Container.ToJSON() }

// FromJSON replaces the document's properties with the object decoded
// from data.
func (d *Document) FromJSON(data []byte) error { return d.doc.Container.FromJSON(data) }

// NewSubdocument creates a detached subdocument, ready to be staged
// into a Document, Subdocument or Array via Set/Append.
func NewSubdocument() *Subdocument {
	return &Subdocument{s: object.NewSubdocument()}
}

// Subdocument is a nested PropertyContainer.
type Subdocument struct {
	s *object.Subdocument
}

func (s *Subdocument) Properties() map[string]any   { return valuesToAny(s.s.Properties()) }
func (s *Subdocument) Get(key string) any           { return unwrapGet(s.s.Get(key)) }
func (s *Subdocument) GetBool(key string) bool      { return s.s.GetBool(key) }
func (s *Subdocument) GetLong(key string) int64      { return s.s.GetLong(key) }
func (s *Subdocument) GetDouble(key string) float64   { return s.s.GetDouble(key) }
func (s *Subdocument) GetFloat(key string) float32    { return s.s.GetFloat(key) }
func (s *Subdocument) GetString(key string) string    { return s.s.GetString(key) }
func (s *Subdocument) GetDate(key string) (time.Time, bool) { return s.s.GetDate(key) }
func (s *Subdocument) GetBlob(key string) *Blob {
	b := s.s.GetBlob(key)
	if b == nil {
		return nil
	}
	return &Blob{b: b}
}
func (s *Subdocument) GetArray(key string) *Array {
	a := s.s.GetArray(key)
	if a == nil {
		return nil
	}
	return &Array{l: a}
}
func (s *Subdocument) GetSubdocument(key string) *Subdocument {
	sub := s.s.GetSubdocument(key)
	if sub == nil {
		return nil
	}
	return &Subdocument{s: sub}
}
func (s *Subdocument) Set(key string, value any) error {
	return s.s.Set(key, unwrapValue(value))
}
func (s *Subdocument) Remove(key string) error                    { return s.s.Remove(key) }
func (s *Subdocument) ReplaceProperties(m map[string]any) error   { return s.s.ReplaceProperties(unwrapMap(m)) }
func (s *Subdocument) Revert()                                     { s.s.Revert() }
func (s *Subdocument) HasChanges() bool                            { return s.s.HasChanges() }
func (s *Subdocument) Exists() bool                                 { return s.s.Exists() }
func (s *Subdocument) Valid() bool                                  { return s.s.Valid() }
func (s *Subdocument) ToJSON() ([]byte, error)                      { return s.s.ToJSON() }
func (s *Subdocument) FromJSON(data []byte) error                   { return s.s.FromJSON(data) }

// NewArray creates a detached array, ready to be staged into a
// Document, Subdocument or Array via Set/Append.
func NewArray() *Array {
	return &Array{l: object.NewList()}
}

// Array is an ordered, staged list of property values.
type Array struct {
	l *object.List
}

func (a *Array) Len() (int, error)                   { return a.l.Len() }
func (a *Array) Get(i int) (any, error)               { v, err := a.l.GetByIndex(i); return unwrapGet(v), err }
func (a *Array) Set(i int, value any) error           { return a.l.Set(i, unwrapValue(value)) }
func (a *Array) Append(value any) error               { return a.l.Append(unwrapValue(value)) }
func (a *Array) RemoveAt(i int) error                 { return a.l.RemoveAt(i) }

// Blob is a binary attachment value.
type Blob struct {
	b *blob.Blob
}

// NewBlobFromBytes creates a pending blob holding content in memory.
func NewBlobFromBytes(contentType string, content []byte) *Blob {
	return &Blob{b: blob.NewFromBytes(contentType, content)}
}

func (b *Blob) ContentType() string     { return b.b.ContentType() }
func (b *Blob) Length() int64           { return b.b.Length() }
func (b *Blob) Digest() string          { return b.b.Digest() }
func (b *Blob) IsInstalled() bool       { return b.b.IsInstalled() }
func (b *Blob) Content() ([]byte, error) { return b.b.Content() }
