package staging

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/breeze-rmm/selfupdate/internal/hashcache"
	"github.com/breeze-rmm/selfupdate/internal/kvstore"
	"github.com/breeze-rmm/selfupdate/internal/manifest"
	"github.com/breeze-rmm/selfupdate/internal/trust"
	"github.com/breeze-rmm/selfupdate/internal/updateerr"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newCommitter(t *testing.T, verifier trust.Verifier) (*Committer, kvstore.Store) {
	t.Helper()
	root := t.TempDir()
	store := kvstore.NewFileStore(filepath.Join(t.TempDir(), "state.yaml"))
	cache, err := hashcache.New(store, root, hashcache.MD5)
	if err != nil {
		t.Fatal(err)
	}
	return New(root, cache, store, verifier, Options{MoveAttempts: 3, MoveBudget: 15 * time.Millisecond}), store
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func TestStageVerifyPromoteCommit(t *testing.T) {
	c, store := newCommitter(t, nil)
	writeFile(t, filepath.Join(c.Root(), "a.exe"), "old")

	if err := c.Prepare(); err != nil {
		t.Fatal(err)
	}
	p, err := c.StagingPath("data/b.dll")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, p, "lib v2")
	ap, _ := c.StagingPath("a.exe")
	writeFile(t, ap, "new")

	if err := c.VerifyStaged(manifest.FileDescriptor{Filename: "a.exe", FileHash: md5hex("new")}); err != nil {
		t.Fatalf("VerifyStaged: %v", err)
	}
	err = c.VerifyStaged(manifest.FileDescriptor{Filename: "a.exe", FileHash: md5hex("other")})
	if !errors.Is(err, updateerr.ErrHashMismatch) {
		t.Fatalf("err = %v, want ErrHashMismatch", err)
	}

	if err := c.Promote("beta"); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if !c.HasPending() {
		t.Fatal("pending tree missing after promote")
	}
	if _, err := os.Stat(c.StagingDir()); !os.IsNotExist(err) {
		t.Fatal("staging tree should be gone after promote")
	}
	if v, _ := store.Get(ReleaseStreamKey); v != "beta" {
		t.Fatalf("release stream = %q", v)
	}

	if err := c.MoveInPlace(context.Background()); err != nil {
		t.Fatalf("MoveInPlace: %v", err)
	}
	if got := readFile(t, filepath.Join(c.Root(), "a.exe")); got != "new" {
		t.Fatalf("a.exe = %q", got)
	}
	if got := readFile(t, filepath.Join(c.Root(), "data", "b.dll")); got != "lib v2" {
		t.Fatalf("b.dll = %q", got)
	}
	if c.HasPending() {
		t.Fatal("pending tree should be removed after commit")
	}
	if v, _ := store.Get(hashcache.Key("data/b.dll")); v != md5hex("lib v2") {
		t.Fatalf("cached digest = %q", v)
	}

	reloaded := kvstore.NewFileStore(store.(*kvstore.FileStore).Path())
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	if v, _ := reloaded.Get(hashcache.Key("a.exe")); v != md5hex("new") {
		t.Fatal("state was not saved after commit")
	}
}

func TestMoveInPlaceDiscardsUntrustedAndEmpty(t *testing.T) {
	reject := trust.Func(func(path string) error {
		if strings.HasSuffix(path, "evil.dll") {
			return updateerr.ErrTrustFailure
		}
		return nil
	})
	c, _ := newCommitter(t, reject)
	writeFile(t, filepath.Join(c.PendingDir(), "evil.dll"), "payload")
	writeFile(t, filepath.Join(c.PendingDir(), "empty.txt"), "")
	writeFile(t, filepath.Join(c.PendingDir(), "good.txt"), "ok")

	if err := c.MoveInPlace(context.Background()); err != nil {
		t.Fatalf("MoveInPlace: %v", err)
	}
	for _, name := range []string{"evil.dll", "empty.txt"} {
		if _, err := os.Stat(filepath.Join(c.Root(), name)); !os.IsNotExist(err) {
			t.Fatalf("%s should not be installed", name)
		}
	}
	if readFile(t, filepath.Join(c.Root(), "good.txt")) != "ok" {
		t.Fatal("good.txt not installed")
	}
}

func TestMoveInPlaceFailureLeavesRestStaged(t *testing.T) {
	c, store := newCommitter(t, nil)
	writeFile(t, filepath.Join(c.PendingDir(), "sub", "b.txt"), "b")
	writeFile(t, filepath.Join(c.PendingDir(), "a.txt"), "a")
	// A non-empty directory where a.txt should go cannot be replaced.
	writeFile(t, filepath.Join(c.Root(), "a.txt", "blocker"), "x")

	err := c.MoveInPlace(context.Background())
	if !errors.Is(err, updateerr.ErrMoveFailure) {
		t.Fatalf("err = %v, want ErrMoveFailure", err)
	}
	if readFile(t, filepath.Join(c.Root(), "sub", "b.txt")) != "b" {
		t.Fatal("sub/b.txt should already be moved")
	}
	if readFile(t, filepath.Join(c.PendingDir(), "a.txt")) != "a" {
		t.Fatal("a.txt should remain staged")
	}
	if !c.HasPending() {
		t.Fatal("pending tree should survive a failed commit")
	}
	if _, ok := store.Get(hashcache.Key("sub/b.txt")); !ok {
		t.Fatal("moved file digest should be recorded")
	}
}

func TestMoveInPlaceCancelledDuringRetryIsAborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, _ := newCommitter(t, trust.Func(func(string) error {
		cancel()
		return nil
	}))
	writeFile(t, filepath.Join(c.PendingDir(), "a.txt"), "a")
	writeFile(t, filepath.Join(c.Root(), "a.txt", "blocker"), "x")

	err := c.MoveInPlace(ctx)
	if !errors.Is(err, updateerr.ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if errors.Is(err, updateerr.ErrMoveFailure) {
		t.Fatalf("cancelled commit reported as move failure: %v", err)
	}
	if !c.HasPending() {
		t.Fatal("pending tree should survive an aborted commit")
	}
}

func TestMoveInPlaceWithoutPendingIsNoop(t *testing.T) {
	c, _ := newCommitter(t, nil)
	if err := c.MoveInPlace(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSafelyMoveRemovesStaleOld(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "dest")
	writeFile(t, src, "new")
	writeFile(t, dest, "old")
	writeFile(t, dest+"_old", "older")

	if err := safelyMove(context.Background(), src, dest, 5, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if readFile(t, dest) != "new" {
		t.Fatal("dest not replaced")
	}
	if _, err := os.Stat(dest + "_old"); !os.IsNotExist(err) {
		t.Fatal("stale _old file should be removed")
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("src should be gone")
	}
}

func TestCleanup(t *testing.T) {
	c, _ := newCommitter(t, nil)
	writeFile(t, filepath.Join(c.StagingDir(), "x"), "1")
	writeFile(t, filepath.Join(c.PendingDir(), "y"), "2")

	if !c.Cleanup(200*time.Millisecond, false) {
		t.Fatal("cleanup failed")
	}
	if _, err := os.Stat(c.StagingDir()); !os.IsNotExist(err) {
		t.Fatal("staging should be removed")
	}
	if !c.HasPending() {
		t.Fatal("pending must survive cleanPending=false")
	}
	if !c.Cleanup(0, true) || c.HasPending() {
		t.Fatal("pending should be removed with cleanPending=true")
	}
}

func TestMoveTree(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeFile(t, filepath.Join(src, "a"), "1")
	writeFile(t, filepath.Join(src, "deep", "b"), "2")

	dst := filepath.Join(dir, "dst")
	if err := moveTree(src, dst); err != nil {
		t.Fatal(err)
	}
	if readFile(t, filepath.Join(dst, "deep", "b")) != "2" {
		t.Fatal("nested file not moved")
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("src tree should be removed")
	}
}
