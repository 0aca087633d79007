package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"peersync/internal/hashing"
	"peersync/internal/syncerr"
	"peersync/internal/util"

	lru "github.com/hashicorp/golang-lru/v2"
)

const cacheEntries = 64

// maxCachedBlob bounds the size of blobs kept in memory.
const maxCachedBlob = 4 << 20

// Store is an append-only content-addressed blob store. Blobs are keyed by
// the SHA-256 of their content and never rewritten once present.
type Store struct {
	root  string
	cache *lru.Cache[hashing.Digest, []byte]
}

func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, syncerr.WrapPath(syncerr.KindDocument, "open store", root, err)
	}

	cache, err := lru.New[hashing.Digest, []byte](cacheEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob cache: %w", err)
	}

	return &Store{root: root, cache: cache}, nil
}

func (s *Store) Path(d hashing.Digest) string {
	hex := d.String()
	return filepath.Join(s.root, hex[:2], hex)
}

func (s *Store) Has(d hashing.Digest) bool {
	if s.cache.Contains(d) {
		return true
	}

	_, err := os.Stat(s.Path(d))
	return err == nil
}

// Put stores data and returns its digest. Storing existing content is a
// no-op.
func (s *Store) Put(data []byte) (hashing.Digest, error) {
	d := hashing.HashBytes(data)
	if s.Has(d) {
		return d, nil
	}

	if err := util.AtomicWrite(s.Path(d), bytes.NewReader(data)); err != nil {
		return d, syncerr.WrapPath(syncerr.KindFileSystem, "put blob", d.Short(), err)
	}

	s.remember(d, data)
	return d, nil
}

// Get returns the blob for d after verifying its content. A blob whose
// content no longer matches its key is removed and reported as corrupted.
func (s *Store) Get(d hashing.Digest) ([]byte, error) {
	if data, ok := s.cache.Get(d); ok {
		return data, nil
	}

	path := s.Path(d)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, syncerr.WrapPath(syncerr.KindFileSystem, "read blob", d.Short(), err)
	}

	if err := hashing.Verify(data, d); err != nil {
		_ = util.RemoveIfExists(path)
		return nil, err
	}

	s.remember(d, data)
	return data, nil
}

func (s *Store) remember(d hashing.Digest, data []byte) {
	if len(data) <= maxCachedBlob {
		s.cache.Add(d, data)
	}
}

var ErrNotFound = errors.New("blob not found")
