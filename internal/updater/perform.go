package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/breeze-rmm/selfupdate/internal/bspatch"
	"github.com/breeze-rmm/selfupdate/internal/logging"
	"github.com/breeze-rmm/selfupdate/internal/transfer"
	"github.com/breeze-rmm/selfupdate/internal/updateerr"
)

const patchSuffix = "_patch"

// perform brings one planned file into staging, by patch chain when the
// server offers one and by full download otherwise. On success the
// transfer leaves the active list; on failure it stays, carrying its error.
func (u *Updater) perform(ctx context.Context, s *Session, t *Transfer) {
	fd := t.Descriptor
	logger := logging.FromContext(ctx).With(logging.KeyFile, fd.Filename)

	if u.opts.EnablePatching && fileExists(u.opts.Cache.Path(fd.RelPath())) {
		patched, err := u.patch(ctx, s, t, logger)
		if err != nil {
			s.fail(t, err)
			return
		}
		if patched {
			logger.Info("patching success")
			s.remove(t)
			return
		}
		logger.Info("no usable patch path, falling back to full download")
	}

	if err := u.download(ctx, s, t); err != nil {
		s.fail(t, err)
		return
	}
	logger.Info("completed download", "remaining", s.activeCount()-1)
	s.remove(t)
}

func (u *Updater) download(ctx context.Context, s *Session, t *Transfer) error {
	fd := t.Descriptor
	if fd.URLFull == "" {
		return fmt.Errorf("%w: %s has no download url", updateerr.ErrProtocol, fd.Filename)
	}
	staged, err := u.opts.Committer.StagingPath(fd.Filename)
	if err != nil {
		return err
	}
	// Full payloads are zip-wrapped; entries are named relative to the
	// install root, so they unpack into the staging root.
	archive := staged + ".zip"
	defer os.Remove(archive)

	s.setRunning(t, true, false)
	_, err = u.opts.Fetcher.Fetch(ctx, transfer.ArchiveURL(fd.URLFull), archive, func(done, total int64) {
		if total <= 0 {
			total = fd.FileSize
		}
		if total > 0 {
			s.setProgress(t, float64(done)/float64(total))
		}
	})
	if err != nil {
		return fmt.Errorf("download %s: %w", fd.Filename, err)
	}
	if _, err := transfer.ExtractZip(archive, u.opts.Committer.StagingDir()); err != nil {
		return fmt.Errorf("extract %s: %w", fd.Filename, err)
	}
	if err := u.opts.Committer.VerifyStaged(fd); err != nil {
		os.Remove(staged)
		return err
	}
	s.setProgress(t, 1)
	return nil
}

// patch tries to reach fd's version through the server's patch chain,
// starting from a copy of the live file. It returns false with a nil error
// when the caller should fall back to a full download; an error is only
// returned when the session was aborted.
func (u *Updater) patch(ctx context.Context, s *Session, t *Transfer, logger *slog.Logger) (bool, error) {
	fd := t.Descriptor

	localHash, err := u.opts.Cache.Digest(fd.RelPath())
	if err != nil {
		logger.Warn("could not hash local file for patching", logging.KeyError, err)
		return false, nil
	}
	chain, err := u.opts.Manifest.FetchPatchChain(ctx, s.Stream, fd, localHash)
	if err != nil {
		if aborted(ctx, err) {
			return false, abortErr(ctx, err)
		}
		logger.Warn("patch chain request failed", logging.KeyError, err)
		return false, nil
	}
	if len(chain) < 2 {
		return false, nil
	}
	logger.Info("server returned patch files", "count", len(chain))

	staged, err := u.opts.Committer.StagingPath(fd.Filename)
	if err != nil {
		return false, err
	}
	if err := copyFile(u.opts.Cache.Path(fd.RelPath()), staged); err != nil {
		logger.Warn("could not copy local file into staging", logging.KeyError, err)
		return false, nil
	}

	members := s.appendChain(chain[:len(chain)-1])
	ok := false
	defer func() {
		for _, m := range members {
			s.remove(m)
		}
		if !ok {
			os.Remove(staged)
			os.Remove(staged + patchSuffix)
		}
	}()

	for i, p := range chain {
		if p.FileVersion == fd.FileVersion {
			logger.Info("reached end of patch chain, checking file checksum", "version", p.FileVersion)
			if err := u.opts.Committer.VerifyStaged(fd); err != nil {
				logger.Warn("patching failed to end with correct checksum", logging.KeyError, err)
				return false, nil
			}
			ok = true
			return true, nil
		}
		if i >= len(members) {
			break
		}

		m := members[i]
		logger.Info("applying patch", "version", p.FileVersion, "hash", p.FileHash)
		if err := u.applyPatch(ctx, s, m, staged); err != nil {
			if aborted(ctx, err) {
				return false, abortErr(ctx, err)
			}
			logger.Warn("error occurred during patching", logging.KeyError, err)
			return false, nil
		}
		s.remove(m)
	}
	return false, nil
}

// applyPatch downloads one chain member's patch and applies it to staged
// in place. Download is the first half of the member's progress.
func (u *Updater) applyPatch(ctx context.Context, s *Session, m *Transfer, staged string) error {
	p := m.Descriptor
	if p.URLPatch == "" {
		return fmt.Errorf("%w: patch %s has no url", updateerr.ErrProtocol, p)
	}
	patchPath := staged + patchSuffix
	defer os.Remove(patchPath)

	s.setRunning(m, true, true)
	if _, err := u.opts.Fetcher.Fetch(ctx, p.URLPatch, patchPath, func(done, total int64) {
		if total > 0 {
			s.setProgress(m, float64(done)/float64(total)*0.5)
		}
	}); err != nil {
		return fmt.Errorf("download patch %s: %w", p, err)
	}

	s.setPatching(m, true)
	defer s.setPatching(m, false)
	err := bspatch.Apply(ctx, staged, patchPath, staged, func(current, total int64) {
		if total > 0 {
			s.setProgress(m, 0.5+float64(current)/float64(total)*0.5)
		}
	})
	if err != nil {
		return fmt.Errorf("apply patch %s: %w", p, err)
	}
	return nil
}

func abortErr(ctx context.Context, err error) error {
	if errors.Is(err, updateerr.ErrAborted) {
		return err
	}
	return fmt.Errorf("%w: %v", updateerr.ErrAborted, ctx.Err())
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

