// Package staging owns the on-disk update trees. Downloads land in
// _staging; a complete, verified tree is promoted to _pending; MoveInPlace
// commits _pending over the live install.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/breeze-rmm/selfupdate/internal/hashcache"
	"github.com/breeze-rmm/selfupdate/internal/kvstore"
	"github.com/breeze-rmm/selfupdate/internal/logging"
	"github.com/breeze-rmm/selfupdate/internal/manifest"
	"github.com/breeze-rmm/selfupdate/internal/trust"
	"github.com/breeze-rmm/selfupdate/internal/updateerr"
)

var log = logging.L("staging")

const (
	StagingDirName = "_staging"
	PendingDirName = "_pending"
	partialSuffix  = ".partial"

	// ReleaseStreamKey records the stream a promoted tree came from.
	ReleaseStreamKey = "_ReleaseStream"

	cleanupPoll = 100 * time.Millisecond
)

// Options tunes commit retries.
type Options struct {
	MoveAttempts int
	MoveBudget   time.Duration
}

func DefaultOptions() Options {
	return Options{MoveAttempts: 5, MoveBudget: 200 * time.Millisecond}
}

// Committer stages and commits update trees under an install root.
type Committer struct {
	root     string
	cache    *hashcache.Cache
	store    kvstore.Store
	verifier trust.Verifier
	opts     Options
}

func New(root string, cache *hashcache.Cache, store kvstore.Store, verifier trust.Verifier, opts Options) *Committer {
	if verifier == nil {
		verifier = trust.Nop{}
	}
	if opts.MoveAttempts < 1 {
		opts.MoveAttempts = 1
	}
	return &Committer{root: root, cache: cache, store: store, verifier: verifier, opts: opts}
}

func (c *Committer) Root() string       { return c.root }
func (c *Committer) StagingDir() string { return filepath.Join(c.root, StagingDirName) }
func (c *Committer) PendingDir() string { return filepath.Join(c.root, PendingDirName) }

// Prepare creates the staging tree.
func (c *Committer) Prepare() error {
	if err := os.MkdirAll(c.StagingDir(), 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	hideDir(c.StagingDir())
	return nil
}

// StagingPath returns where rel is staged, creating its parent directory.
func (c *Committer) StagingPath(rel string) (string, error) {
	p := filepath.Join(c.StagingDir(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create staging subdir: %w", err)
	}
	return p, nil
}

// VerifyStaged checks the staged copy of fd against its advertised digest.
func (c *Committer) VerifyStaged(fd manifest.FileDescriptor) error {
	p := filepath.Join(c.StagingDir(), fd.RelPath())
	digest, err := hashcache.DigestFile(c.cache.Algorithm(), p)
	if err != nil {
		return fmt.Errorf("hash staged %s: %w", fd.Filename, err)
	}
	if !hashcache.Equal(digest, fd.FileHash) {
		return fmt.Errorf("%w: %s is %s, want %s", updateerr.ErrHashMismatch, fd.Filename, digest, fd.FileHash)
	}
	return nil
}

// HasPending reports whether a promoted tree is waiting to be committed.
func (c *Committer) HasPending() bool {
	info, err := os.Stat(c.PendingDir())
	return err == nil && info.IsDir()
}

// Promote turns the complete staging tree into the pending tree and
// records the release stream. The tree is assembled under a temporary
// name so a crash never leaves a partial _pending behind.
func (c *Committer) Promote(stream string) error {
	pending := c.PendingDir()
	partial := pending + partialSuffix

	if err := os.RemoveAll(partial); err != nil {
		return fmt.Errorf("remove stale partial tree: %w", err)
	}
	if err := os.RemoveAll(pending); err != nil {
		return fmt.Errorf("remove old pending tree: %w", err)
	}
	if err := os.Rename(c.StagingDir(), partial); err != nil {
		log.Debug("rename of staging tree failed, moving recursively", logging.KeyError, err)
		if err := moveTree(c.StagingDir(), partial); err != nil {
			os.RemoveAll(partial)
			return fmt.Errorf("move staging tree: %w", err)
		}
	}
	if err := os.Rename(partial, pending); err != nil {
		return fmt.Errorf("publish pending tree: %w", err)
	}

	if stream != "" {
		c.store.Set(ReleaseStreamKey, stream)
	}
	log.Info("update staged", "pending", pending)
	return nil
}

// MoveInPlace commits the pending tree over the install root. Files that
// fail trust verification or are empty are discarded. A file that cannot
// be moved stops the commit with ErrMoveFailure; files already moved stay
// moved and the rest stay staged for the next attempt.
func (c *Committer) MoveInPlace(ctx context.Context) error {
	if !c.HasPending() {
		return nil
	}
	log.Info("attempting to move pending update into place")

	if err := c.moveDir(ctx, c.PendingDir()); err != nil {
		if saveErr := c.store.Save(); saveErr != nil {
			log.Warn("failed to save state after partial commit", logging.KeyError, saveErr)
		}
		return err
	}

	c.Cleanup(5*time.Second, true)
	if err := c.store.Save(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	log.Info("move in place successful")
	return nil
}

func (c *Committer) moveDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", updateerr.ErrMoveFailure, dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			if err := c.moveDir(ctx, filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", updateerr.ErrAborted, ctx.Err())
		}
		if err := c.moveFile(ctx, filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (c *Committer) moveFile(ctx context.Context, src string) error {
	if err := c.verifier.Verify(src); err != nil {
		log.Warn("signature check failed, discarding file", logging.KeyFile, src, logging.KeyError, err)
		os.Remove(src)
		return nil
	}

	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", updateerr.ErrMoveFailure, src, err)
	}
	if info.Size() == 0 {
		os.Remove(src)
		return nil
	}

	rel, err := filepath.Rel(c.PendingDir(), src)
	if err != nil {
		return fmt.Errorf("%w: %v", updateerr.ErrMoveFailure, err)
	}
	dest := filepath.Join(c.root, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", updateerr.ErrMoveFailure, filepath.Dir(dest), err)
	}

	if err := safelyMove(ctx, src, dest, c.opts.MoveAttempts, c.opts.MoveBudget); err != nil {
		if errors.Is(err, updateerr.ErrAborted) {
			return fmt.Errorf("%s: %w", filepath.ToSlash(rel), err)
		}
		log.Warn("move failed", "from", src, "to", dest, logging.KeyError, err)
		return fmt.Errorf("%w: %s: %v", updateerr.ErrMoveFailure, filepath.ToSlash(rel), err)
	}
	log.Debug("moved", "from", src, "to", dest)

	digest, err := hashcache.DigestFile(c.cache.Algorithm(), dest)
	if err != nil {
		c.cache.Invalidate(rel)
		return nil
	}
	c.cache.Record(rel, digest)
	return nil
}

// safelyMove replaces dest with src, retrying attempts times spread evenly
// across budget. Each try removes dest, renames, and falls back to
// copy-then-delete.
func safelyMove(ctx context.Context, src, dest string, attempts int, budget time.Duration) error {
	wait := budget / time.Duration(attempts)
	os.Remove(dest + "_old")

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
			lastErr = err
		}
		err := os.Rename(src, dest)
		if err == nil {
			return nil
		}
		lastErr = err
		cerr := copyFile(src, dest)
		if cerr == nil {
			os.Remove(src)
			return nil
		}
		lastErr = cerr

		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", updateerr.ErrAborted, ctx.Err())
			case <-time.After(wait):
			}
		}
	}
	return lastErr
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// moveTree moves every file under src to the same relative path under dst
// and removes src.
func moveTree(src, dst string) error {
	err := filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if err := os.Rename(p, target); err == nil {
			return nil
		}
		if err := copyFile(p, target); err != nil {
			return err
		}
		return os.Remove(p)
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(src)
}

// Cleanup removes the staging tree, and the pending tree when cleanPending
// is set, retrying every 100ms for up to wait. It reports whether every
// removal succeeded.
func (c *Committer) Cleanup(wait time.Duration, cleanPending bool) bool {
	attempts := int(wait / cleanupPoll)
	if attempts < 2 {
		attempts = 2
	}

	for i := 0; i < attempts; i++ {
		clean := true
		if cleanPending {
			for _, dir := range []string{c.PendingDir(), c.PendingDir() + partialSuffix} {
				if err := os.RemoveAll(dir); err != nil {
					log.Debug("failed to clean up pending tree", logging.KeyError, err)
					clean = false
				}
			}
		}
		if err := os.RemoveAll(c.StagingDir()); err != nil {
			log.Debug("failed to clean up staging tree", logging.KeyError, err)
			clean = false
		}
		if clean {
			return true
		}
		time.Sleep(cleanupPoll)
	}
	log.Warn("cleanup gave up", "wait", wait, "cleanPending", cleanPending)
	return false
}
