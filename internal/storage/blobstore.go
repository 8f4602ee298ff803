package storage

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/litedoc/litedoc/internal/blob"
)

// BlobStore is the Engine's content-addressed blob store, satisfying
// internal/blob.Store.
type BlobStore struct {
	e *Engine
}

// BlobStore returns the engine's blob store handle.
func (e *Engine) BlobStore() *BlobStore {
	return &BlobStore{e: e}
}

var _ blob.Store = (*BlobStore)(nil)

func (s *BlobStore) Create(content []byte) (blob.Key, error) {
	key := blob.Key{Digest: sha1.Sum(content)}
	if err := s.e.db.Set(blobKey(key.String()), content, pebble.Sync); err != nil {
		return blob.Key{}, err
	}
	return key, nil
}

func (s *BlobStore) CreateFromReader(r io.Reader) (blob.Key, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return blob.Key{}, 0, err
	}
	key, err := s.Create(data)
	return key, int64(len(data)), err
}

func (s *BlobStore) GetContents(key blob.Key) ([]byte, error) {
	v, closer, err := s.e.db.Get(blobKey(key.String()))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (s *BlobStore) OpenStream(key blob.Key) (io.ReadCloser, error) {
	data, err := s.GetContents(key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *BlobStore) KeyFromString(str string) (blob.Key, error) {
	rest, ok := strings.CutPrefix(str, "sha1-")
	if !ok {
		return blob.Key{}, errors.Newf("storage: malformed blob digest %q", str)
	}

	raw, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return blob.Key{}, errors.Wrap(err, "storage: decode blob digest")
	}
	if len(raw) != sha1.Size {
		return blob.Key{}, errors.Newf("storage: blob digest has wrong length %d", len(raw))
	}

	var k blob.Key
	copy(k.Digest[:], raw)
	return k, nil
}
