// Package errs defines the surface error taxonomy for the view syncer,
// matching the error kinds clients observe over the downstream protocol.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies one of the named surface error kinds.
type Kind string

const (
	ClientNotFound                    Kind = "ClientNotFound"
	InvalidConnectionRequestBaseCookie Kind = "InvalidConnectionRequestBaseCookie"
	SchemaVersionNotSupported         Kind = "SchemaVersionNotSupported"
	ClientSchemaMismatch              Kind = "ClientSchemaMismatch"
	Unauthorized                      Kind = "Unauthorized"
	AuthInvalidated                   Kind = "AuthInvalidated"
	MutationFailed                    Kind = "MutationFailed"
	MutationRateLimited               Kind = "MutationRateLimited"
	InvalidPush                       Kind = "InvalidPush"
)

// SyncError is a client-visible error: it carries a Kind that the downstream
// protocol serializes into an error{kind,message} frame (spec.md §6).
type SyncError struct {
	Kind    Kind
	Message string
	Err     error
}

func New(kind Kind, format string, args ...any) *SyncError {
	return &SyncError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *SyncError {
	return &SyncError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SyncError) Unwrap() error { return e.Err }

// KindOf extracts the Kind of a SyncError, or "" if err is not one.
func KindOf(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// ErrResetPipelines is an internal-only control-flow signal (spec.md §4.3,
// §7): it is raised by advance() and matched by the orchestrator's reconcile
// loop. It must never reach a client.
var ErrResetPipelines = errors.New("reset pipelines")

// ErrOwnershipLost indicates a CVR flush failed because another instance
// took over the ownership token (spec.md §4.4, scenario (f)).
var ErrOwnershipLost = errors.New("cvr ownership lost")
