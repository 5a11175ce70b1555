package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels for errors.Is checks. The typed errors below match their sentinel, so
// callers can test either the category or extract the details with errors.As.
var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrLocked              = errors.New("workspace locked")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrBlocked             = errors.New("blocked by missing elements")
	ErrStaleState          = errors.New("stale state")
	ErrInvalidReference    = errors.New("invalid reference")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Code is the stable discriminator a transport maps to a user-facing response.
type Code string

const (
	CodeNotFound            Code = "not_found"
	CodeValidation          Code = "validation_failed"
	CodeLocked              Code = "workspace_locked"
	CodeInvalidTransition   Code = "invalid_transition"
	CodeBlocked             Code = "blocked_by_missing_elements"
	CodeStaleState          Code = "stale_state"
	CodeInvalidReference    Code = "invalid_reference"
	CodeUpstreamTimeout     Code = "upstream_timeout"
	CodeUpstreamUnavailable Code = "upstream_unavailable"
	CodeInternal            Code = "internal"
)

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError reports malformed input, usually a stage output that does not
// match the expected schema.
type ValidationError struct {
	Stage    string
	Problems []string
}

func (e *ValidationError) Error() string {
	prefix := "validation failed"
	if e.Stage != "" {
		prefix = fmt.Sprintf("stage %s: validation failed", e.Stage)
	}
	if len(e.Problems) == 0 {
		return prefix
	}
	return prefix + ": " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type LockedWorkspaceError struct {
	WorkspaceID string
}

func (e *LockedWorkspaceError) Error() string {
	return fmt.Sprintf("workspace %s is locked", e.WorkspaceID)
}

func (e *LockedWorkspaceError) Is(target error) bool { return target == ErrLocked }

type InvalidTransitionError struct {
	From   State
	To     State
	Manual bool
}

func (e *InvalidTransitionError) Error() string {
	kind := "automated"
	if e.Manual {
		kind = "manual"
	}
	if e.To == "" {
		return fmt.Sprintf("no %s transition available from %s", kind, e.From)
	}
	return fmt.Sprintf("invalid %s transition %s -> %s", kind, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type BlockedByMissingElementsError struct {
	WorkspaceID string
	ElementIDs  []string
}

func (e *BlockedByMissingElementsError) Error() string {
	return fmt.Sprintf("workspace %s blocked by %d unresolved blocking missing element(s)", e.WorkspaceID, len(e.ElementIDs))
}

func (e *BlockedByMissingElementsError) Is(target error) bool { return target == ErrBlocked }

// StaleStateError means the workspace changed between the read at stage start and
// the commit. The caller should reload and retry.
type StaleStateError struct {
	WorkspaceID     string
	ExpectedVersion int64
	ActualVersion   int64
	ExpectedState   State
	ActualState     State
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("workspace %s changed concurrently (expected version %d in %s, found %d in %s)",
		e.WorkspaceID, e.ExpectedVersion, e.ExpectedState, e.ActualVersion, e.ActualState)
}

func (e *StaleStateError) Is(target error) bool { return target == ErrStaleState }

type InvalidReferenceError struct {
	Kind        string
	Field       string
	Ref         string
	WorkspaceID string
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("%s.%s references %s which does not exist in workspace %s", e.Kind, e.Field, e.Ref, e.WorkspaceID)
}

func (e *InvalidReferenceError) Is(target error) bool { return target == ErrInvalidReference }

type UpstreamTimeoutError struct {
	Stage   string
	Timeout time.Duration
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("stage %s: inference call timed out after %s", e.Stage, e.Timeout)
}

func (e *UpstreamTimeoutError) Is(target error) bool { return target == ErrUpstreamTimeout }

type UpstreamUnavailableError struct {
	Stage     string
	Err       error
	Permanent bool
}

func (e *UpstreamUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stage %s: inference unavailable", e.Stage)
	}
	return fmt.Sprintf("stage %s: inference unavailable: %v", e.Stage, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

func (e *UpstreamUnavailableError) Is(target error) bool { return target == ErrUpstreamUnavailable }

// CodeOf returns the discriminator for err, or CodeInternal for unknown errors.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrLocked):
		return CodeLocked
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrBlocked):
		return CodeBlocked
	case errors.Is(err, ErrStaleState):
		return CodeStaleState
	case errors.Is(err, ErrInvalidReference):
		return CodeInvalidReference
	case errors.Is(err, ErrUpstreamTimeout):
		return CodeUpstreamTimeout
	case errors.Is(err, ErrUpstreamUnavailable):
		return CodeUpstreamUnavailable
	default:
		return CodeInternal
	}
}

// IsRetryable reports whether retrying the same command may succeed without a
// human changing anything first.
func IsRetryable(err error) bool {
	var ue *UpstreamUnavailableError
	if errors.As(err, &ue) {
		return !ue.Permanent
	}
	return errors.Is(err, ErrStaleState) ||
		errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrValidation)
}
