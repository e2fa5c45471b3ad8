// Package updateerr holds the error taxonomy shared by the update engine.
// Components wrap these sentinels with context; callers classify with errors.Is.
package updateerr

import "errors"

var (
	ErrNetwork           = errors.New("updater: network error")
	ErrTimeout           = errors.New("updater: request timed out")
	ErrAborted           = errors.New("updater: aborted")
	ErrProtocol          = errors.New("updater: malformed server response")
	ErrCorruptPatch      = errors.New("updater: corrupt patch")
	ErrCorruptArchive    = errors.New("updater: corrupt archive")
	ErrTrustFailure      = errors.New("updater: trust verification failed")
	ErrMoveFailure       = errors.New("updater: could not move file into place")
	ErrMissingDependency = errors.New("updater: required runtime dependency missing")
	ErrHashMismatch      = errors.New("updater: file hash mismatch")
	ErrReplanLimit       = errors.New("updater: planning did not converge")
)

// Retryable reports whether err is a transient transfer failure worth
// another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork)
}
