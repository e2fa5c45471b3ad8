package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/breeze-rmm/selfupdate/internal/health"
	"github.com/breeze-rmm/selfupdate/internal/logging"
	"github.com/breeze-rmm/selfupdate/internal/manifest"
	"github.com/breeze-rmm/selfupdate/internal/transfer"
	"github.com/breeze-rmm/selfupdate/internal/updateerr"
	"github.com/breeze-rmm/selfupdate/internal/workerpool"
)

// run is the body of a session. It returns the terminal status; every
// failure path records the error on the session first.
func (u *Updater) run(ctx context.Context, s *Session) Status {
	logger := logging.FromContext(ctx)
	defer u.saveState(logger)

	// Start from a clean staging area. A pending tree is kept because it
	// may already satisfy the manifest.
	u.opts.Committer.Cleanup(u.opts.CleanupWait, false)

	if !u.opts.Committer.HasPending() {
		if err := checkDependencies(u.opts.Dependencies); err != nil {
			logger.Warn("not updating, a required runtime dependency is missing", logging.KeyError, err)
			s.setError(err, "")
			return Error
		}
	}

	logger.Info("requesting update information")
	m, err := u.opts.Manifest.FetchManifest(ctx, s.Stream)
	if err != nil {
		if aborted(ctx, err) {
			return NoUpdate
		}
		detail := ""
		var pe *manifest.ProtocolError
		if errors.As(err, &pe) {
			detail = pe.Body
		}
		u.opts.Health.Update(health.ComponentManifest, health.Unhealthy, err.Error())
		logger.Error("manifest request failed", logging.KeyError, err)
		s.setError(err, detail)
		return Error
	}
	u.opts.Health.Update(health.ComponentManifest, health.Healthy, "")

	if m.Fallback {
		return EmergencyFallback
	}

	plan, err := u.planner.Plan(m.Files)
	if err != nil {
		logger.Error("planning failed", logging.KeyError, err)
		s.setError(err, "")
		return Error
	}

	if plan.CommitPending {
		return u.finishCommit(ctx, s)
	}

	if len(plan.Files) == 0 {
		logger.Info("no changes to apply")
		if err := checkDependencies(u.opts.Dependencies); err != nil {
			logger.Warn("up to date, but a required runtime dependency is missing", logging.KeyError, err)
			s.setError(err, "")
			return Error
		}
		return NoUpdate
	}

	if err := u.opts.Committer.Prepare(); err != nil {
		s.setError(err, "")
		return Error
	}
	defer u.opts.Committer.Cleanup(u.opts.CleanupWait, false)

	u.transition(s, Updating)
	if st, ok := u.transferAll(ctx, s, plan.Files); !ok {
		return st
	}

	if err := u.opts.Committer.Promote(s.Stream); err != nil {
		logger.Error("could not promote staged files", logging.KeyError, err)
		s.setError(err, "")
		return Error
	}
	return u.finishCommit(ctx, s)
}

// transferAll runs every planned file on the worker pool and waits for the
// active set to drain. ok is false when the session must end with st.
func (u *Updater) transferAll(ctx context.Context, s *Session, files []manifest.FileDescriptor) (st Status, ok bool) {
	logger := logging.FromContext(ctx)

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	transfers := s.add(files...)
	pool := workerpool.New(u.opts.MaxConcurrent, len(transfers))
	defer pool.Drain(context.Background())
	pool.OnPanic(func(r any) {
		s.setError(fmt.Errorf("transfer panicked: %v", r), "")
		cancelWork()
	})

	for _, t := range transfers {
		t := t
		if err := pool.SubmitWait(workCtx, func() { u.perform(workCtx, s, t) }); err != nil {
			cancelWork()
			if ctx.Err() != nil {
				return NoUpdate, false
			}
			s.setError(err, "")
			return Error, false
		}
	}

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		if s.Err() != nil {
			return Error, false
		}
		if t, err := s.firstFailure(); err != nil {
			cancelWork()
			if ctx.Err() != nil && errors.Is(err, updateerr.ErrAborted) {
				return NoUpdate, false
			}
			detail := t.Descriptor.URLFull
			var fe *transfer.FetchError
			if errors.As(err, &fe) {
				detail = fe.URL
			}
			u.opts.Health.Update(health.ComponentTransfer, health.Unhealthy, err.Error())
			logger.Error("transfer failed", logging.KeyFile, t.Descriptor.Filename, logging.KeyError, err)
			s.setError(err, detail)
			return Error, false
		}
		if s.activeCount() == 0 {
			u.opts.Health.Update(health.ComponentTransfer, health.Healthy, "")
			return Updating, true
		}

		select {
		case <-ctx.Done():
			cancelWork()
			pool.Drain(context.Background())
			logger.Info("update session aborted")
			return NoUpdate, false
		case <-ticker.C:
		}
	}
}

func (u *Updater) finishCommit(ctx context.Context, s *Session) Status {
	st, err := u.commit(ctx)
	if err != nil {
		logging.FromContext(ctx).Warn("commit incomplete", "status", st.String(), logging.KeyError, err)
		s.setError(err, "")
	}
	return st
}

func (u *Updater) saveState(logger *slog.Logger) {
	if err := u.opts.Store.Save(); err != nil {
		u.opts.Health.Update(health.ComponentState, health.Degraded, err.Error())
		logger.Warn("failed to save updater state", logging.KeyError, err)
		return
	}
	u.opts.Health.Update(health.ComponentState, health.Healthy, "")
}

func aborted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, updateerr.ErrAborted)
}
