package monument

import (
	"errors"
	"fmt"
)

// Standard errors returned by the engine. Handlers map these onto HTTP
// status codes; agents match on the detail strings of the Reject wrappers.
var (
	ErrInvalidNamespace    = errors.New("invalid namespace")
	ErrUnknownNamespace    = errors.New("unknown namespace")
	ErrUnknownActor        = errors.New("unknown actor")
	ErrAuthFailed          = errors.New("authentication failed")
	ErrActorEliminated     = errors.New("actor eliminated")
	ErrScopeDenied         = errors.New("scope denied")
	ErrPhaseMismatch       = errors.New("phase mismatch")
	ErrSupertickMismatch   = errors.New("supertick mismatch")
	ErrContextHashMismatch = errors.New("context hash mismatch")
	ErrAlreadySubmitted    = errors.New("already submitted")
	ErrMalformedAction     = errors.New("malformed action")
	ErrSchemaMismatch      = errors.New("schema version mismatch")
	ErrStoreBusy           = errors.New("store busy")
	ErrEngineStopped       = errors.New("engine stopped")
	ErrNamespaceFaulted    = errors.New("namespace faulted")
)

// RejectError is returned when a submission or admin request is refused.
// Code is a short machine-readable token; Detail is the human-readable
// message surfaced to clients. Agent-side clients classify the three
// automated staleness cases by substring match on Detail, so those
// messages always contain "Supertick mismatch", "Context hash mismatch"
// or "already submitted" respectively.
type RejectError struct {
	Code   string
	Detail string
	Err    error
}

func (e *RejectError) Error() string { return e.Detail }

func (e *RejectError) Unwrap() error { return e.Err }

// reject builds a RejectError wrapping the given sentinel.
func reject(sentinel error, code, format string, args ...any) *RejectError {
	return &RejectError{
		Code:   code,
		Detail: fmt.Sprintf(format, args...),
		Err:    sentinel,
	}
}

// TickError reports a failure while committing a tick for a namespace.
type TickError struct {
	Namespace string
	Supertick int64
	Err       error
}

func (e *TickError) Error() string {
	return fmt.Sprintf("tick %d (%s): %v", e.Supertick, e.Namespace, e.Err)
}

func (e *TickError) Unwrap() error { return e.Err }
