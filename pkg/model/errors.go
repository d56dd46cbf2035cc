package model

import "github.com/m-mizutani/goerr/v2"

// Error tags classify failures for the transport-layer caller. Retryable
// marks critical-path store failures the caller should redeliver; the other
// tags map onto specific caller behaviors (see each sentinel error).
var (
	TagNotFound  = goerr.NewTag("not_found")
	TagConflict  = goerr.NewTag("conflict")
	TagRemote    = goerr.NewTag("remote")
	TagContract  = goerr.NewTag("contract")
	TagRetryable = goerr.NewTag("retryable")
)

var (
	// ErrSessionNotFound: the operation referenced a session absent from
	// durable state. Surfaced to the caller, never retried internally.
	ErrSessionNotFound = goerr.New("session not found", goerr.T(TagNotFound))

	// ErrSessionExists: initialization with FreshOnly semantics hit an
	// existing session.
	ErrSessionExists = goerr.New("session already exists", goerr.T(TagConflict))

	// ErrInvalidTransition: a phase-change precondition failed, usually
	// because a concurrent handler already advanced the session. Callers
	// treat this as "already handled", not as a user-visible failure.
	ErrInvalidTransition = goerr.New("invalid phase transition", goerr.T(TagConflict))

	// ErrRemoteProcessing: the primary speech path failed. Always absorbed
	// by fallback processing before reaching the end user.
	ErrRemoteProcessing = goerr.New("remote speech processing failed", goerr.T(TagRemote))

	// ErrContextNotFound: a memory operation ran against a session that was
	// never initialized or already finalized. A contract violation of the
	// caller, surfaced as-is.
	ErrContextNotFound = goerr.New("conversation context not found", goerr.T(TagContract))

	// ErrContextClosed: a turn was appended after finalize.
	ErrContextClosed = goerr.New("conversation context already finalized", goerr.T(TagContract))
)
