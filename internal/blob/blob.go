// Package blob implements the binary-attachment value: a Blob is
// either pending (bytes, a stream or a file path supplied by the
// caller, no digest yet) or installed into a Database's blob store
// (content-addressed by digest). See spec.md ยง4.3.
package blob

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/litedoc/litedoc/internal/types"
)

// CBLType is the marker key used in the JSON/serialized dict
// representation of an installed blob, mirroring the `_cbltype`
// convention described in spec.md ยง4.1.2 and ยง6.
const CBLType = "_cbltype"

// TypeMarker is the value of CBLType for blobs.
const TypeMarker = "blob"

var (
	// ErrCrossDatabase is returned by Install when a blob already
	// installed into a different Database is installed again.
	ErrCrossDatabase = errors.New("blob: cannot install into a different database")

	// ErrNotReadable is returned when content is requested from a blob
	// in a state that cannot serve it, e.g. ContentStream on a blob
	// whose pending source is a stream or a file.
	ErrNotReadable = errors.New("blob: no content source")

	// inlineCacheLimit bounds how much of an installed blob's content is
	// cached in memory after a read, per spec.md ยง4.3.
	inlineCacheLimit = 8 * 1024
)

// Store is the narrow interface a Database's blob store must satisfy.
// It is consumed, never implemented, by this package (spec.md ยง6).
type Store interface {
	// Create writes bytes into the store and returns a content-addressed
	// key for them.
	Create(content []byte) (Key, error)
	// CreateFromReader drains r into the store, returning the key and
	// the number of bytes written.
	CreateFromReader(r io.Reader) (Key, int64, error)
	// GetContents returns the full byte range for key.
	GetContents(key Key) ([]byte, error)
	// OpenStream returns a fresh read stream backed by the store.
	OpenStream(key Key) (io.ReadCloser, error)
	// KeyFromString parses the stringified form of a key (the digest).
	KeyFromString(s string) (Key, error)
}

// Key is an opaque content-addressed blob store key.
type Key struct {
	Digest [sha1.Size]byte
}

func (k Key) String() string {
	return "sha1-" + base64.StdEncoding.EncodeToString(k.Digest[:])
}

// Database is the narrow interface Blob needs from its owning
// database in order to install itself.
type Database interface {
	BlobStore() Store
	// Identity returns an opaque pointer used to detect cross-database
	// installs; it need not be dereferenced.
	Identity() any
}

type state uint8

const (
	statePendingBytes state = iota
	statePendingStream
	statePendingFile
	stateInstalled
)

// Blob is a binary attachment value. The zero value is not valid; use
// NewFromBytes, NewFromStream or NewFromFile.
type Blob struct {
	mu sync.Mutex

	state state

	contentType string
	length      int64

	// pending sources
	bytes  []byte
	stream io.Reader
	path   string

	// installed state
	db    Database
	store Store
	key   Key

	// inline cache for installed reads, up to inlineCacheLimit bytes.
	cache []byte
}

var _ types.BlobRef = (*Blob)(nil)

// NewFromBytes creates a pending blob holding content in memory.
func NewFromBytes(contentType string, content []byte) *Blob {
	return &Blob{
		state:       statePendingBytes,
		contentType: contentType,
		length:      int64(len(content)),
		bytes:       content,
	}
}

// NewFromStream creates a pending blob whose content will be drained
// from r the first time it is read or installed.
func NewFromStream(contentType string, r io.Reader) *Blob {
	return &Blob{
		state:       statePendingStream,
		contentType: contentType,
		length:      -1,
		stream:      r,
	}
}

// NewFromFile creates a pending blob backed by a file path, read lazily.
func NewFromFile(contentType, path string) (*Blob, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	return &Blob{
		state:       statePendingFile,
		contentType: contentType,
		length:      fi.Size(),
		path:        path,
	}, nil
}

// Installed reconstructs a Blob that already exists in a blob store,
// as produced when a document's staged map is read back from a
// "_cbltype":"blob" marker dict.
func Installed(db Database, store Store, key Key, contentType string, length int64) *Blob {
	return &Blob{
		state:       stateInstalled,
		db:          db,
		store:       store,
		key:         key,
		contentType: contentType,
		length:      length,
	}
}

func (b *Blob) ContentType() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contentType
}

// Length returns the content length, or -1 if it isn't known yet
// (unread pending stream).
func (b *Blob) Length() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Digest returns the content-addressed digest string, or "" if the
// blob hasn't been installed yet.
func (b *Blob) Digest() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateInstalled {
		return ""
	}
	return b.key.String()
}

// IsInstalled reports whether the blob belongs to a blob store.
func (b *Blob) IsInstalled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateInstalled
}

// Content returns the full byte content of the blob, reading through
// the blob store, the pending bytes, the drained stream, or the file,
// whichever applies.
func (b *Blob) Content() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case statePendingBytes:
		return b.bytes, nil
	case statePendingStream:
		data, err := io.ReadAll(b.stream)
		if err != nil {
			return nil, err
		}
		b.bytes = data
		b.length = int64(len(data))
		b.state = statePendingBytes
		return b.bytes, nil
	case statePendingFile:
		data, err := os.ReadFile(b.path)
		if err != nil {
			return nil, err
		}
		return data, nil
	case stateInstalled:
		if b.cache != nil {
			return b.cache, nil
		}
		data, err := b.store.GetContents(b.key)
		if err != nil {
			return nil, err
		}
		if len(data) <= inlineCacheLimit {
			b.cache = data
		}
		return data, nil
	}

	return nil, ErrNotReadable
}

// ContentStream returns a fresh read stream over the blob's content
// for pending-bytes and installed blobs; a blob whose pending source
// is a stream or a file returns ErrNotReadable. Callers must Close the
// stream once done.
func (b *Blob) ContentStream() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case statePendingBytes:
		return io.NopCloser(bytes.NewReader(b.bytes)), nil
	case stateInstalled:
		return b.store.OpenStream(b.key)
	}

	return nil, ErrNotReadable
}

// Install writes the blob's content into db's blob store and
// transitions it to the installed state, per spec.md ยง4.3. Installing
// an already-installed blob into the same database is a no-op;
// installing into a different one fails.
func (b *Blob) Install(db Database) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateInstalled {
		if b.db.Identity() != db.Identity() {
			return ErrCrossDatabase
		}
		return nil
	}

	store := db.BlobStore()

	var key Key
	var err error
	switch b.state {
	case statePendingBytes:
		key, err = store.Create(b.bytes)
	case statePendingStream:
		var n int64
		key, n, err = store.CreateFromReader(b.stream)
		if err == nil {
			b.length = n
		}
	case statePendingFile:
		f, ferr := os.Open(b.path)
		if ferr != nil {
			return ferr
		}
		defer f.Close()
		key, err = store.Create(nil)
		if err == nil {
			key, b.length, err = store.CreateFromReader(f)
		}
	default:
		return errors.New("blob: already installed")
	}
	if err != nil {
		return err
	}

	b.db = db
	b.store = store
	b.key = key
	b.bytes = nil
	b.stream = nil
	b.state = stateInstalled
	return nil
}

// MarkerFields returns the {digest, length, content-type} triple
// stored under the "_cbltype":"blob" marker dict at save time. The
// blob must already be installed.
func (b *Blob) MarkerFields() (digest string, length int64, contentType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key.String(), b.length, b.contentType
}
