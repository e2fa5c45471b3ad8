package hashcache

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/breeze-rmm/selfupdate/internal/kvstore"
)

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func newCache(t *testing.T) (*Cache, string, kvstore.Store) {
	t.Helper()
	root := t.TempDir()
	store := kvstore.NewFileStore(filepath.Join(root, "state.yaml"))
	c, err := New(store, root, MD5)
	if err != nil {
		t.Fatal(err)
	}
	return c, root, store
}

func TestCachedReusesStoredDigest(t *testing.T) {
	c, root, _ := newCache(t)
	os.WriteFile(filepath.Join(root, "a.dll"), []byte("one"), 0o644)

	first, err := c.Cached("a.dll")
	if err != nil {
		t.Fatal(err)
	}
	if first != md5Hex([]byte("one")) {
		t.Fatalf("digest = %s", first)
	}

	// Content changes are invisible to the cache until invalidated.
	os.WriteFile(filepath.Join(root, "a.dll"), []byte("two"), 0o644)
	second, _ := c.Cached("a.dll")
	if second != first {
		t.Fatalf("cached digest changed without invalidation: %s", second)
	}

	fresh, _ := c.Digest("a.dll")
	if fresh != md5Hex([]byte("two")) {
		t.Fatalf("fresh digest = %s", fresh)
	}

	c.Invalidate("a.dll")
	third, _ := c.Cached("a.dll")
	if third != fresh {
		t.Fatalf("after invalidate = %s, want %s", third, fresh)
	}
}

func TestResetDropsOnlyDigests(t *testing.T) {
	c, _, store := newCache(t)
	c.Record("a", "1")
	c.Record("sub/b", "2")
	store.Set("_ReleaseStream", "stable")

	if n := c.Reset(); n != 2 {
		t.Fatalf("Reset removed %d entries, want 2", n)
	}
	if _, ok := store.Get("_ReleaseStream"); !ok {
		t.Fatal("Reset removed a non-digest key")
	}
}

func TestDigestMissingFile(t *testing.T) {
	c, _, _ := newCache(t)
	_, err := c.Digest("nope")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
}

func TestAlgorithms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	os.WriteFile(path, []byte("abc"), 0o644)

	want := map[Algorithm]int{MD5: 32, SHA256: 64, BLAKE3: 64}
	for alg, n := range want {
		d, err := DigestFile(alg, path)
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		if len(d) != n {
			t.Fatalf("%s digest length = %d, want %d", alg, len(d), n)
		}
	}
	if _, err := NewHash("crc32"); err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
}

func TestKeyUsesSlashes(t *testing.T) {
	if got := Key(filepath.Join("Data", "x.dll")); got != "h_Data/x.dll" {
		t.Fatalf("Key = %s", got)
	}
}

func TestEqual(t *testing.T) {
	if !Equal("ABC", "abc") {
		t.Fatal("Equal should ignore case")
	}
	if Equal("", "") {
		t.Fatal("empty digests must not compare equal")
	}
}
