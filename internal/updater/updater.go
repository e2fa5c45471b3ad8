// Package updater drives an update session: fetch the manifest, plan the
// work, download or patch each changed file into staging, and commit the
// verified tree over the live install.
package updater

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/selfupdate/internal/hashcache"
	"github.com/breeze-rmm/selfupdate/internal/health"
	"github.com/breeze-rmm/selfupdate/internal/kvstore"
	"github.com/breeze-rmm/selfupdate/internal/logging"
	"github.com/breeze-rmm/selfupdate/internal/manifest"
	"github.com/breeze-rmm/selfupdate/internal/planner"
	"github.com/breeze-rmm/selfupdate/internal/staging"
	"github.com/breeze-rmm/selfupdate/internal/transfer"
	"github.com/breeze-rmm/selfupdate/internal/updateerr"
)

var log = logging.L("updater")

const drainPoll = 100 * time.Millisecond

// ManifestService is the update server API.
type ManifestService interface {
	FetchManifest(ctx context.Context, stream string) (*manifest.Manifest, error)
	FetchPatchChain(ctx context.Context, stream string, target manifest.FileDescriptor, localHash string) ([]manifest.FileDescriptor, error)
}

// Fetcher downloads a payload to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, dest string, onProgress transfer.ProgressFunc) (*transfer.Result, error)
}

// Options wires an Updater.
type Options struct {
	Manifest  ManifestService
	Fetcher   Fetcher
	Store     kvstore.Store
	Cache     *hashcache.Cache
	Committer *staging.Committer
	Health    *health.Monitor

	// Primary is the main executable relative to the install root.
	Primary        string
	MaxConcurrent  int
	MaxReplans     int
	EnablePatching bool
	Dependencies   []Dependency
	CleanupWait    time.Duration
}

// Updater owns at most one Session at a time.
type Updater struct {
	opts    Options
	planner *planner.Planner

	mu        sync.Mutex
	session   *Session
	listeners []func(Snapshot)

	// committing is open while CommitPending owns the pending tree.
	committing chan struct{}
}

func New(opts Options) (*Updater, error) {
	if opts.Manifest == nil || opts.Fetcher == nil || opts.Store == nil || opts.Cache == nil || opts.Committer == nil {
		return nil, errors.New("updater: manifest, fetcher, store, cache and committer are required")
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 4
	}
	if opts.CleanupWait <= 0 {
		opts.CleanupWait = 10 * time.Second
	}
	if opts.Health == nil {
		opts.Health = health.NewMonitor()
	}
	return &Updater{
		opts: opts,
		planner: &planner.Planner{
			Cache:      opts.Cache,
			PendingDir: opts.Committer.PendingDir(),
			Primary:    opts.Primary,
			MaxReplans: opts.MaxReplans,
		},
	}, nil
}

// Health returns the monitor the updater reports into.
func (u *Updater) Health() *health.Monitor { return u.opts.Health }

// OnStatus registers fn to be called with a snapshot on every status change.
func (u *Updater) OnStatus(fn func(Snapshot)) {
	u.mu.Lock()
	u.listeners = append(u.listeners, fn)
	u.mu.Unlock()
}

// Check starts a session for stream in the background. It returns false,
// doing nothing, when a session is already running.
func (u *Updater) Check(ctx context.Context, stream string) bool {
	u.mu.Lock()
	if u.session != nil && !u.session.Status().Terminal() {
		u.mu.Unlock()
		log.Debug("check ignored, a session is already running", logging.KeyStream, stream)
		return false
	}
	if u.committing != nil {
		u.mu.Unlock()
		log.Debug("check ignored, a pending update is being committed", logging.KeyStream, stream)
		return false
	}
	s := newSession(context.WithoutCancel(ctx), uuid.NewString(), stream)
	u.session = s
	u.mu.Unlock()

	u.notify(s)
	go u.execute(s)
	return true
}

// Run performs a session synchronously and returns its final status. If
// another session is running it waits for that one instead.
func (u *Updater) Run(ctx context.Context, stream string) Status {
	stop := context.AfterFunc(ctx, u.Abort)
	defer stop()
	u.Check(ctx, stream)
	u.Wait()
	return u.Snapshot().Status
}

// Wait blocks until the current session, if any, has finished.
func (u *Updater) Wait() {
	u.mu.Lock()
	s := u.session
	u.mu.Unlock()
	if s != nil {
		<-s.done
	}
}

// Abort cancels the running session. In-flight transfers stop at their
// next I/O boundary and the session ends as NoUpdate.
func (u *Updater) Abort() {
	u.mu.Lock()
	s := u.session
	u.mu.Unlock()
	if s != nil {
		s.cancel()
	}
}

// Reset aborts any running session, forgets it, removes both the staging
// and pending trees, and clears the last error.
func (u *Updater) Reset() {
	u.Abort()
	u.Wait()
	u.waitCommit()

	u.mu.Lock()
	u.session = nil
	u.mu.Unlock()

	u.opts.Committer.Cleanup(u.opts.CleanupWait, true)
	log.Info("resetting update process")
}

// Snapshot returns the current session state, or an Idle snapshot.
func (u *Updater) Snapshot() Snapshot {
	u.mu.Lock()
	s := u.session
	u.mu.Unlock()
	if s == nil {
		return Snapshot{Status: Idle}
	}
	return s.Snapshot()
}

// LastError returns the error that ended the current session, if any.
func (u *Updater) LastError() error {
	u.mu.Lock()
	s := u.session
	u.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Err()
}

// CommitPending moves an already staged update into place without
// contacting the server. It is meant for application start-up, before the
// primary executable is running.
func (u *Updater) CommitPending(ctx context.Context) (Status, error) {
	u.mu.Lock()
	if u.session != nil && !u.session.Status().Terminal() {
		u.mu.Unlock()
		return Updating, errors.New("updater: a session is running")
	}
	if u.committing != nil {
		u.mu.Unlock()
		return Updating, errors.New("updater: a commit is already in progress")
	}
	done := make(chan struct{})
	u.committing = done
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		u.committing = nil
		u.mu.Unlock()
		close(done)
	}()

	if !u.opts.Committer.HasPending() {
		return NoUpdate, nil
	}
	return u.commit(ctx)
}

// waitCommit blocks until a CommitPending in flight has returned.
func (u *Updater) waitCommit() {
	u.mu.Lock()
	done := u.committing
	u.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (u *Updater) notify(s *Session) {
	snap := s.Snapshot()
	u.mu.Lock()
	listeners := append([]func(Snapshot){}, u.listeners...)
	u.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

func (u *Updater) transition(s *Session, st Status) {
	if !s.setStatus(st) {
		return
	}
	log.Info("status changed", logging.KeySessionID, s.ID, "status", st.String())
	u.notify(s)
}

// execute runs the session to completion on its own goroutine.
func (u *Updater) execute(s *Session) {
	logger := logging.WithSession(log, s.ID, s.Stream)
	logger.Info("beginning update session")

	final := EmergencyFallback
	defer func() {
		if r := recover(); r != nil {
			logger.Error("serious error in update session", "panic", r)
			s.setError(fmt.Errorf("update session panicked: %v", r), "")
			final = EmergencyFallback
		}
		s.cancel()
		u.transition(s, final)
		logger.Info("ending update session", "result", final.String())
		close(s.done)
	}()

	final = u.run(logging.NewContext(s.ctx, logger), s)
}

// commit moves the pending tree into place and maps the outcome to a
// status.
func (u *Updater) commit(ctx context.Context) (Status, error) {
	err := u.opts.Committer.MoveInPlace(ctx)
	switch {
	case err == nil:
		u.opts.Health.Update(health.ComponentCommit, health.Healthy, "")
		return Completed, nil
	case errors.Is(err, updateerr.ErrAborted):
		return NoUpdate, err
	case errors.Is(err, updateerr.ErrMoveFailure):
		u.opts.Health.Update(health.ComponentCommit, health.Degraded, err.Error())
		return NeedsRestart, err
	default:
		u.opts.Health.Update(health.ComponentCommit, health.Unhealthy, err.Error())
		return NeedsRestart, err
	}
}
