// Package planner decides which manifest entries need work by comparing
// them against the hash cache and any already-staged pending tree.
package planner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/breeze-rmm/selfupdate/internal/hashcache"
	"github.com/breeze-rmm/selfupdate/internal/logging"
	"github.com/breeze-rmm/selfupdate/internal/manifest"
	"github.com/breeze-rmm/selfupdate/internal/updateerr"
)

var log = logging.L("planner")

const DefaultMaxReplans = 3

// Reason says why a file was planned.
type Reason int

const (
	ReasonNew Reason = iota + 1
	ReasonChanged
)

func (r Reason) String() string {
	switch r {
	case ReasonNew:
		return "NEW"
	case ReasonChanged:
		return "CHANGED"
	default:
		return "UNKNOWN"
	}
}

// Plan is the outcome of one planning pass.
type Plan struct {
	Files   []manifest.FileDescriptor
	Reasons map[string]Reason
	// CommitPending is set when the pending tree already satisfies the
	// manifest and only needs to be moved into place.
	CommitPending bool
	Replans       int
	CacheReset    bool
}

// Empty reports whether there is nothing to download or commit.
func (p *Plan) Empty() bool { return len(p.Files) == 0 && !p.CommitPending }

// Planner compares descriptors with the install tree under Cache's root.
type Planner struct {
	Cache      *hashcache.Cache
	PendingDir string
	// Primary is the main executable's path relative to the root. Its
	// cached digest is always confirmed against a fresh one.
	Primary    string
	MaxReplans int
}

// Plan returns the work required to bring the install up to files.
func (p *Planner) Plan(files []manifest.FileDescriptor) (*Plan, error) {
	maxReplans := p.MaxReplans
	if maxReplans <= 0 {
		maxReplans = DefaultMaxReplans
	}

	result := &Plan{}
	for {
		if result.Replans > maxReplans {
			return nil, fmt.Errorf("%w: gave up after %d re-plans", updateerr.ErrReplanLimit, maxReplans)
		}

		pending, err := p.hasPending()
		if err != nil {
			return nil, err
		}

		if pending {
			log.Info("a pending update is already waiting, checking what we're working with")
			ok, err := p.pendingSatisfies(files)
			if err != nil {
				return nil, err
			}
			if ok {
				log.Info("pending update requires no further changes")
				result.CommitPending = true
				return result, nil
			}
			if err := os.RemoveAll(p.PendingDir); err != nil {
				return nil, fmt.Errorf("remove stale pending tree: %w", err)
			}
		} else {
			work, reasons, reset, err := p.diff(files)
			if err != nil {
				return nil, err
			}
			if !reset {
				result.Files = work
				result.Reasons = reasons
				return result, nil
			}
			result.CacheReset = true
		}
		result.Replans++
	}
}

func (p *Planner) hasPending() (bool, error) {
	if p.PendingDir == "" {
		return false, nil
	}
	info, err := os.Stat(p.PendingDir)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat pending tree: %w", err)
	}
	return info.IsDir(), nil
}

// pendingSatisfies checks every descriptor against the staged copy, or the
// live copy when nothing is staged for it.
func (p *Planner) pendingSatisfies(files []manifest.FileDescriptor) (bool, error) {
	for _, f := range files {
		staged := filepath.Join(p.PendingDir, f.RelPath())
		if exists(staged) {
			digest, err := hashcache.DigestFile(p.Cache.Algorithm(), staged)
			if err != nil {
				return false, fmt.Errorf("hash staged %s: %w", f.Filename, err)
			}
			if hashcache.Equal(digest, f.FileHash) {
				log.Debug("pending", logging.KeyFile, f.Filename)
				continue
			}
		} else if exists(p.Cache.Path(f.RelPath())) {
			digest, err := p.Cache.Cached(f.RelPath())
			if err != nil {
				return false, fmt.Errorf("hash %s: %w", f.Filename, err)
			}
			if hashcache.Equal(digest, f.FileHash) {
				log.Debug("latest", logging.KeyFile, f.Filename)
				continue
			}
		}
		log.Info("pending tree mismatch, discarding it", logging.KeyFile, f.Filename)
		return false, nil
	}
	return true, nil
}

// diff lists NEW and CHANGED files. reset is true when the primary
// executable's cached digest turned out stale; the whole cache has then
// been dropped and the caller must plan again.
func (p *Planner) diff(files []manifest.FileDescriptor) ([]manifest.FileDescriptor, map[string]Reason, bool, error) {
	var work []manifest.FileDescriptor
	reasons := make(map[string]Reason)

	for _, f := range files {
		rel := f.RelPath()
		if !exists(p.Cache.Path(rel)) {
			log.Info("new", logging.KeyFile, f.Filename)
			work = append(work, f)
			reasons[f.Filename] = ReasonNew
			continue
		}

		cached, err := p.Cache.Cached(rel)
		if err != nil {
			return nil, nil, false, fmt.Errorf("hash %s: %w", f.Filename, err)
		}
		if !hashcache.Equal(cached, f.FileHash) {
			log.Info("changed (cached)", logging.KeyFile, f.Filename)
			work = append(work, f)
			reasons[f.Filename] = ReasonChanged
			continue
		}

		if p.isPrimary(rel) {
			fresh, err := p.Cache.Digest(rel)
			if err != nil {
				return nil, nil, false, fmt.Errorf("hash %s: %w", f.Filename, err)
			}
			if !hashcache.Equal(fresh, cached) {
				log.Warn("primary executable changed behind the cache, resetting all digests", logging.KeyFile, f.Filename)
				p.Cache.Reset()
				return nil, nil, true, nil
			}
		}
	}
	return work, reasons, false, nil
}

func (p *Planner) isPrimary(rel string) bool {
	return p.Primary != "" && filepath.Clean(rel) == filepath.Clean(filepath.FromSlash(p.Primary))
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
