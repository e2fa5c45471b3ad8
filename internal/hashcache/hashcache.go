// Package hashcache computes file content digests and caches them in the
// persisted key-value store under "h_<relative path>" keys, so unchanged
// files are not re-hashed on every update check.
package hashcache

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/breeze-rmm/selfupdate/internal/kvstore"
	"github.com/breeze-rmm/selfupdate/internal/logging"
)

var log = logging.L("hashcache")

// KeyPrefix marks digest entries in the store.
const KeyPrefix = "h_"

// Algorithm names a digest function. It must match what the release
// server publishes in file_hash.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// NewHash returns a fresh hasher for alg.
func NewHash(alg Algorithm) (hash.Hash, error) {
	switch Algorithm(strings.ToLower(string(alg))) {
	case MD5, "":
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("hashcache: unknown algorithm %q", alg)
	}
}

// DigestFile hashes the file at path and returns lowercase hex.
func DigestFile(alg Algorithm, path string) (string, error) {
	h, err := NewHash(alg)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashcache: read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Key returns the store key for a path relative to the install root.
func Key(rel string) string {
	return KeyPrefix + filepath.ToSlash(filepath.Clean(rel))
}

// Cache resolves relative paths against root and memoizes digests in store.
type Cache struct {
	store kvstore.Store
	root  string
	alg   Algorithm
}

// New creates a cache. alg is validated up front.
func New(store kvstore.Store, root string, alg Algorithm) (*Cache, error) {
	if _, err := NewHash(alg); err != nil {
		return nil, err
	}
	if alg == "" {
		alg = MD5
	}
	return &Cache{store: store, root: root, alg: alg}, nil
}

// Algorithm returns the configured digest algorithm.
func (c *Cache) Algorithm() Algorithm { return c.alg }

// Path returns the absolute path of rel inside the install root.
func (c *Cache) Path(rel string) string {
	return filepath.Join(c.root, filepath.FromSlash(rel))
}

// Digest always hashes the file on disk. A missing file returns an error
// satisfying errors.Is(err, os.ErrNotExist).
func (c *Cache) Digest(rel string) (string, error) {
	return DigestFile(c.alg, c.Path(rel))
}

// Cached returns the stored digest for rel, hashing and storing it first
// when no entry exists.
func (c *Cache) Cached(rel string) (string, error) {
	key := Key(rel)
	if v, ok := c.store.Get(key); ok {
		return v, nil
	}
	digest, err := c.Digest(rel)
	if err != nil {
		return "", err
	}
	c.store.Set(key, digest)
	return digest, nil
}

// Record stores digest for rel without touching the file.
func (c *Cache) Record(rel, digest string) {
	c.store.Set(Key(rel), digest)
}

// Invalidate drops the entry for rel.
func (c *Cache) Invalidate(rel string) {
	c.store.Delete(Key(rel))
}

// Reset drops every digest entry and returns how many were removed.
func (c *Cache) Reset() int {
	keys := c.store.Keys(KeyPrefix)
	for _, k := range keys {
		c.store.Delete(k)
	}
	log.Info("hash cache reset", "entries", len(keys))
	return len(keys)
}

// Equal compares two hex digests case-insensitively.
func Equal(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
