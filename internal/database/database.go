// Package database implements the owning Database of spec.md §4.5: the
// storage handle, shared-key cache, unsaved-document tracking,
// transaction bracketing and change-observer dispatch that every
// Document and Subdocument ultimately answers to.
package database

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/litedoc/litedoc/internal/blob"
	"github.com/litedoc/litedoc/internal/fleece"
	"github.com/litedoc/litedoc/internal/storage"
)

// Error kinds from spec.md §7.
var (
	ErrNotFound     = errors.New("database: not found")
	ErrConflict     = errors.New("database: conflict")
	ErrInvalidValue = errors.New("database: invalid value")
	ErrInvalidState = errors.New("database: invalid state")
)

// Options configures Open, mirroring the teacher's database.Options/
// TxOptions split into a single struct since this core has no SQL
// catalog loader to hook in.
type Options struct {
	ReadOnly bool
	// EncryptionKey, if non-empty, must be 16, 24 or 32 bytes; the
	// storage path is opened through an AES-encrypting vfs.FS. The
	// hook is real (adapted from the teacher's encryptedFS) but
	// exercising it is optional, per spec.md §7's "encryption at rest
	// (hook exists but unimplemented in core)".
	EncryptionKey []byte
}

// Database owns the storage handle, the per-database shared-key
// cache, the set of currently-unsaved live Documents and the active
// change observers. It holds no database-wide default conflict
// resolver; resolvers are installed per Document.
type Database struct {
	mu sync.Mutex

	path    string
	engine  *storage.Engine
	sk      *fleece.SharedKeys
	obs     *storage.Observer

	unsaved map[owner]struct{}

	observers []func(ids []string, lastSeq uint64, external bool)

	pendingIDs []string
	pendingSeq uint64

	batchCount uint64

	closed bool
}

// owner is the minimal interface a Document/Subdocument owner exposes
// to Database's unsaved-document bookkeeping, avoiding an import
// cycle with internal/document.
type owner interface {
	HasChanges() bool
	ID() string
}

var _ blob.Database = (*Database)(nil)

// Open creates the directory at path if needed and opens storage with
// the default revision-tree versioning mode.
func Open(path string, opts Options) (*Database, error) {
	if !opts.ReadOnly {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, errors.Wrap(err, "database: create directory")
		}
	}

	sopts := storage.Options{ReadOnly: opts.ReadOnly}
	if len(opts.EncryptionKey) > 0 {
		if err := validateEncryptionKey(opts.EncryptionKey); err != nil {
			return nil, err
		}
		sopts.FS = NewEncryptedFS(vfs.Default, opts.EncryptionKey)
	}

	engine, err := storage.Open(path, sopts)
	if err != nil {
		return nil, errors.Wrap(err, "database: open storage")
	}

	db := &Database{
		path:    path,
		engine:  engine,
		sk:      fleece.NewSharedKeys(),
		unsaved: make(map[owner]struct{}),
	}
	db.obs = engine.Observe()

	return db, nil
}

// Close reports any documents that still have unsaved changes, then
// releases the storage handle.
func (db *Database) Close() ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, nil
	}

	var ids []string
	for o := range db.unsaved {
		if o.HasChanges() {
			ids = append(ids, o.ID())
		}
	}
	db.unsaved = make(map[owner]struct{})
	db.closed = true

	return ids, db.engine.Close()
}

// Engine returns the underlying storage handle, used by
// internal/document to load/save revisions.
func (db *Database) Engine() *storage.Engine {
	return db.engine
}

// SharedKeys returns the per-database shared-key cache.
func (db *Database) SharedKeys() *fleece.SharedKeys {
	return db.sk
}

// BlobStore implements blob.Database.
func (db *Database) BlobStore() blob.Store {
	return db.engine.BlobStore()
}

// Identity implements blob.Database: a Blob compares it by pointer
// identity to detect cross-database installs.
func (db *Database) Identity() any {
	return db
}

// CreateDocumentID allocates a fresh random 128-bit identifier
// base64-encoded to a short string, per spec.md §4.5.
func (db *Database) CreateDocumentID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", errors.Wrap(err, "database: allocate document id")
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// MarkUnsaved records o as having pending changes.
func (db *Database) MarkUnsaved(o owner) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.unsaved[o] = struct{}{}
}

// MarkSaved clears o's pending-changes bookkeeping.
func (db *Database) MarkSaved(o owner) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.unsaved, o)
}

// busyRetryLimit/busyRetryBaseDelay bound InBatch's retry of a
// transiently busy storage engine, per spec.md §7's "bounded
// exponential schedule": busyRetryLimit attempts, doubling from
// busyRetryBaseDelay, for a worst case of roughly 1+2+4+8+16 = 31ms
// before the Busy condition is given up on and surfaced to the caller.
const (
	busyRetryLimit     = 5
	busyRetryBaseDelay = time.Millisecond
)

// beginTxnWithRetry retries storage.ErrBusy with a bounded exponential
// backoff, surfacing the last ErrBusy if every attempt is still busy.
func (db *Database) beginTxnWithRetry() error {
	delay := busyRetryBaseDelay
	var err error
	for attempt := 0; attempt < busyRetryLimit; attempt++ {
		err = db.engine.BeginTxn()
		if !errors.Is(err, storage.ErrBusy) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

// InBatch opens a storage transaction, runs fn, closes the
// transaction, then dispatches any pending change notifications
// accumulated while the transaction was open, per spec.md §4.5 and §5.
// Writes made by fn are durable as each one completes; an error from
// fn is returned but does not undo them.
//
// Note: spec.md §5 describes inBatch as holding the Database mutex
// for the whole call. Since fn runs arbitrary Document saves that
// themselves need to record bookkeeping on this Database (Notify,
// MarkSaved), and Go's sync.Mutex isn't reentrant, the lock here is
// held only around the bookkeeping at the edges; engine.IsInTransaction
// plays the role of the "are we inside a batch" gate that suppresses
// dispatch until fn returns, which is what the held-mutex would have
// guaranteed in a single-threaded caller anyway.
func (db *Database) InBatch(fn func() error) error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrInvalidState
	}
	db.mu.Unlock()

	if err := db.beginTxnWithRetry(); err != nil {
		return err
	}

	err := fn()

	if cerr := db.engine.EndTxn(err == nil); cerr != nil && err == nil {
		err = cerr
	}

	db.mu.Lock()
	db.dispatchLocked()
	db.mu.Unlock()

	db.maybeSweepExpired(time.Now())

	return err
}

// AddChangeListener registers cb to be invoked for every batch of
// change notifications.
func (db *Database) AddChangeListener(cb func(ids []string, lastSeq uint64, external bool)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.observers = append(db.observers, cb)
}

// Notify lets internal/document report a just-completed local save so
// observers are notified the same way an external pull would, with
// external=false.
func (db *Database) Notify(id string, seq uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.pendingIDs = append(db.pendingIDs, id)
	db.pendingSeq = seq
	db.dispatchLocked()
}

// dispatchLocked delivers every doc ID queued by Notify to each
// observer in a single call with external=false, unless a transaction
// is still open, in which case the queue is kept for the dispatch that
// follows the transaction. It does not pull changes from the storage
// engine's change feed, so saves made through another Database handle
// are not reported, and the queued IDs are not split into batches.
func (db *Database) dispatchLocked() {
	if db.engine.IsInTransaction() {
		return
	}

	ids := db.pendingIDs
	seq := db.pendingSeq
	db.pendingIDs = nil
	db.pendingSeq = 0

	if len(ids) == 0 {
		return
	}

	for _, cb := range db.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logObserverPanic(r)
				}
			}()
			cb(ids, seq, false)
		}()
	}
}

// Count returns the total number of live documents.
func (db *Database) Count() (int, error) {
	return db.engine.Count()
}
