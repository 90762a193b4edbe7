package exporter

import "errors"

var (
	// ErrSessionNotHeld means a session operation ran without holding the
	// session lock, or the lease expired and another owner took it.
	ErrSessionNotHeld = errors.New("upload session not held")

	// ErrSessionSuperseded means the session's update number no longer
	// matches this invocation's view. A newer invocation owns the session;
	// the stale one must stop writing and must not complete or abort.
	ErrSessionSuperseded = errors.New("upload session superseded")

	// ErrUploadIDExists means a multipart upload was already created for
	// the key, so creating another would orphan the first.
	ErrUploadIDExists = errors.New("upload id already set")

	// ErrSessionNotAcquired is returned by the scoped runner when the
	// session lock is held by another invocation.
	ErrSessionNotAcquired = errors.New("upload session not acquired")
)
