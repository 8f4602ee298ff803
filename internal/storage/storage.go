// Package storage implements the storage-engine contract of spec.md
// §6 on top of github.com/cockroachdb/pebble: per-document revision
// history, change-feed observation, and a content-addressed blob
// store. internal/document and internal/database consume it through
// the narrow Engine interface; nothing above this package touches
// pebble directly.
package storage

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Key namespaces. A single pebble instance multiplexes documents,
// revision history and blobs by a one-byte prefix, mirroring the
// teacher's own namespace-prefixed key space (internal/kv's
// transient/rollback namespaces) adapted to this domain.
const (
	prefixDoc byte = iota
	prefixHistory
	prefixBlob
	prefixSeq
)

// RevFlags mirrors spec.md §6's revFlags bitset.
type RevFlags uint8

const (
	FlagDeleted RevFlags = 1 << iota
	FlagHasAttachments
)

// Revision is a single entry in a document's revision history.
type Revision struct {
	RevID    string
	Sequence uint64
	Flags    RevFlags
	Body     []byte
}

// Generation returns the numeric generation prefix of a revID, the
// "N-hash" convention spec.md §6 calls `generation(revID)`.
func Generation(revID string) uint64 {
	var n uint64
	for _, c := range revID {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + uint64(c-'0')
	}
	return n
}

// NextRevID synthesizes a new revID one generation deeper than parent.
func NextRevID(parent string, body []byte) string {
	gen := Generation(parent) + 1
	return appendGeneration(gen, body)
}

// Record is what Engine.Get returns: a document's current revision
// plus its id, matching spec.md §6's getDocument() result shape.
type Record struct {
	ID       string
	RevID    string
	Sequence uint64
	Flags    RevFlags
	Body     []byte
}

var (
	// ErrNotFound is returned when a document or revision doesn't exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned by Put when history doesn't match the
	// currently persisted revision.
	ErrConflict = errors.New("storage: conflict")
	// ErrBusy is returned by BeginTxn when another write transaction is
	// already open on this Engine, per spec.md §7's transient Busy
	// condition. It is always transient: the holder always eventually
	// calls EndTxn.
	ErrBusy = errors.New("storage: busy")
)

// ChangeEntry is one entry of a change-feed pull.
type ChangeEntry struct {
	DocID    string
	Sequence uint64
}

// Engine owns a pebble instance and exposes the storage-engine
// contract spec.md §6 describes. It is safe for concurrent use.
type Engine struct {
	db *pebble.DB

	mu       sync.Mutex
	lastSeq  uint64
	watchers []chan struct{}

	inTxn  bool
	txnMu  sync.Mutex
	batch  *pebble.Batch
}

// Options configures Open.
type Options struct {
	ReadOnly bool
	// FS, when set, overrides pebble's default filesystem (used to
	// layer the encryption hook's vfs.FS, or an in-memory FS in tests).
	FS vfs.FS
}

// Open creates (if needed) and opens a storage engine rooted at path.
func Open(path string, opts Options) (*Engine, error) {
	popts := &pebble.Options{
		ReadOnly: opts.ReadOnly,
	}
	if opts.FS != nil {
		popts.FS = opts.FS
	}

	db, err := pebble.Open(path, popts)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open")
	}

	e := &Engine{db: db}
	e.lastSeq, err = e.loadLastSequence()
	if err != nil {
		db.Close()
		return nil, err
	}

	return e, nil
}

// Close releases the underlying pebble instance.
func (e *Engine) Close() error {
	return e.db.Close()
}

func docKey(id string) []byte {
	return append([]byte{prefixDoc}, id...)
}

func historyKey(id string, seq uint64) []byte {
	k := make([]byte, 0, 1+len(id)+1+8)
	k = append(k, prefixHistory)
	k = append(k, id...)
	k = append(k, 0)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(k, buf[:]...)
}

func blobKey(digest string) []byte {
	return append([]byte{prefixBlob}, digest...)
}

func (e *Engine) loadLastSequence() (uint64, error) {
	v, closer, err := e.db.Get([]byte{prefixSeq})
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(v), nil
}

// Get returns the current revision of document id, or ErrNotFound.
func (e *Engine) Get(id string) (*Record, error) {
	v, closer, err := e.db.Get(docKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	return decodeRecord(id, v), nil
}

// PutResult is returned by Put.
type PutResult struct {
	RevID    string
	Sequence uint64
}

// Put writes a new revision for id atop parentRev. If parentRev
// doesn't match the currently persisted revID (and the document
// isn't new), Put returns ErrConflict and writes nothing, per spec.md
// §4.4.1's try_put.
func (e *Engine) Put(id string, parentRev string, body []byte, flags RevFlags) (*PutResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, err := e.Get(id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if cur == nil {
		if parentRev != "" {
			return nil, ErrConflict
		}
	} else if cur.RevID != parentRev {
		return nil, ErrConflict
	}

	e.lastSeq++
	seq := e.lastSeq
	revID := NextRevID(parentRev, body)

	rec := Record{ID: id, RevID: revID, Sequence: seq, Flags: flags, Body: body}

	batch := e.db.NewBatch()
	batch.Set(docKey(id), encodeRecord(rec), nil)
	batch.Set(historyKey(id, seq), []byte(revID), nil)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	batch.Set([]byte{prefixSeq}, seqBuf[:], nil)
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, err
	}

	e.notifyLocked()
	return &PutResult{RevID: revID, Sequence: seq}, nil
}

// PurgeRevision removes the whole document, its current pointer and
// every history entry, when rev is "" or names the current revision,
// and reports true. Any other rev removes nothing and reports false:
// single historical revisions are not purged individually.
func (e *Engine) PurgeRevision(id string, rev string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, err := e.Get(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if rev == "" || rev == cur.RevID {
		if err := e.db.Delete(docKey(id), pebble.Sync); err != nil {
			return false, err
		}
		lower := historyKey(id, 0)
		upper := historyKey(id, ^uint64(0))
		if err := e.db.DeleteRange(lower, upper, pebble.Sync); err != nil {
			return false, err
		}
		return true, nil
	}

	return false, nil
}

// BeginTxn marks a write transaction as open. It does not buffer
// writes: Put/PurgeRevision calls made while it is open are durable as
// soon as each returns. Only one write transaction may be open at
// a time (spec.md §5: a single writer per Database); BeginTxn reports
// ErrBusy immediately rather than blocking if one already is, so the
// caller can apply spec.md §7's bounded-exponential retry instead of
// queuing indefinitely.
func (e *Engine) BeginTxn() error {
	if !e.txnMu.TryLock() {
		return ErrBusy
	}
	e.inTxn = true
	return nil
}

// EndTxn closes the open transaction. commit is ignored: writes made
// while it was open are already durable and are not rolled back.
func (e *Engine) EndTxn(commit bool) error {
	e.inTxn = false
	e.txnMu.Unlock()
	return nil
}

// IsInTransaction reports whether a write transaction is open.
func (e *Engine) IsInTransaction() bool {
	return e.inTxn
}

// notifyLocked wakes every registered observer. e.mu must be held.
func (e *Engine) notifyLocked() {
	for _, ch := range e.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Observer is a change-feed subscription returned by Observe.
type Observer struct {
	e  *Engine
	ch chan struct{}
}

// Observe registers a change watcher. Pull with GetChanges.
func (e *Engine) Observe() *Observer {
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	e.watchers = append(e.watchers, ch)
	e.mu.Unlock()
	return &Observer{e: e, ch: ch}
}

// Wait returns the channel a change signal is delivered on; a receive
// from it blocks until a change has been signaled, or returns at once
// if a signal is already pending.
func (o *Observer) Wait() <-chan struct{} {
	return o.ch
}

// Count returns the total number of live documents.
func (e *Engine) Count() (int, error) {
	iter, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixDoc},
		UpperBound: []byte{prefixDoc + 1},
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Iterate walks every live document's current revision in key order,
// stopping early if fn returns false. Used by the opportunistic
// expiration sweep in internal/database; fn must not call back into
// Engine.Put/PurgeRevision for the id it was just given from within
// the same iteration, since the pebble iterator holds no lock across
// calls.
func (e *Engine) Iterate(fn func(rec *Record) (keepGoing bool, err error)) error {
	iter, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixDoc},
		UpperBound: []byte{prefixDoc + 1},
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		id := string(iter.Key()[1:])
		rec := decodeRecord(id, iter.Value())
		ok, err := fn(rec)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
	}
	return iter.Error()
}

func encodeRecord(r Record) []byte {
	dst := make([]byte, 0, len(r.Body)+len(r.RevID)+16)
	dst = appendUvarint(dst, uint64(len(r.RevID)))
	dst = append(dst, r.RevID...)
	dst = appendUvarint(dst, r.Sequence)
	dst = append(dst, byte(r.Flags))
	dst = append(dst, r.Body...)
	return dst
}

func decodeRecord(id string, b []byte) *Record {
	n, used := binary.Uvarint(b)
	b = b[used:]
	revID := string(b[:n])
	b = b[n:]

	seq, used := binary.Uvarint(b)
	b = b[used:]

	flags := RevFlags(b[0])
	body := append([]byte(nil), b[1:]...)

	return &Record{ID: id, RevID: revID, Sequence: seq, Flags: flags, Body: body}
}

func appendUvarint(dst []byte, n uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	l := binary.PutUvarint(buf[:], n)
	return append(dst, buf[:l]...)
}

func appendGeneration(gen uint64, body []byte) string {
	h := simpleHash(body)
	return uitoa(gen) + "-" + h
}

func uitoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// simpleHash produces a short, stable hex tag from a revision body so
// that two independently-generated revisions at the same generation
// don't collide on revID; this is not a content-addressed digest in
// the cryptographic sense, just a disambiguator, matching the
// storage engine's documented contract that revIDs need only be
// unique per document, not globally verifiable.
func simpleHash(body []byte) string {
	var h uint64 = 1469598103934665603
	for _, b := range body {
		h ^= uint64(b)
		h *= 1099511628211
	}
	const hex = "0123456789abcdef"
	var buf [16]byte
	for i := 15; i >= 0; i-- {
		buf[i] = hex[h&0xf]
		h >>= 4
	}
	return string(buf[:])
}
