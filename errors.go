package flotilla

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the failure kinds that cross component boundaries.
// Callers test them with errors.Is.
var (
	// ErrPathTraversal is returned when an external identifier fails
	// validation or a constructed path escapes its base directory.
	ErrPathTraversal = errors.New("path traversal refused")

	// ErrStateWrite is returned when an atomic state write exhausts its
	// retries. A backup restore is attempted before this surfaces.
	ErrStateWrite = errors.New("state write failed")

	// ErrRunnerInit marks runtime failures before the first upstream
	// message (bad credentials, unreachable daemon). Never retried.
	ErrRunnerInit = errors.New("runtime init failed")

	// ErrRunnerStream marks runtime failures after streaming began.
	ErrRunnerStream = errors.New("runtime stream failed")

	// ErrConversationBusy is returned when a turn is already in flight for
	// a conversation and the pending queue is full.
	ErrConversationBusy = errors.New("conversation busy")

	// ErrUnknownAgent is returned by Trigger for names not in the fleet.
	ErrUnknownAgent = errors.New("unknown agent")
)

// sessionExpiredMarkers are the upstream error shapes that mean the
// server-side session no longer exists. Matching is case-insensitive.
var sessionExpiredMarkers = []string{
	"session not found",
	"session expired",
	"no such session",
	"invalid_session_id",
}

// IsSessionExpired reports whether err indicates that the upstream provider
// no longer knows the session we asked to resume. This is the single
// predicate gating the job executor's one-retry recovery.
func IsSessionExpired(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range sessionExpiredMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ClassifyExit maps a turn error to an exit reason by keyword. A nil error
// is success; context cancellation and deadline words map to cancelled and
// timeout; a provider-reported turn cap maps to max_turns.
func ClassifyExit(err error) ExitReason {
	if err == nil {
		return ExitSuccess
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context canceled") || strings.Contains(msg, "cancelled") || strings.Contains(msg, "canceled"):
		return ExitCancelled
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return ExitTimeout
	case strings.Contains(msg, "max_turns") || strings.Contains(msg, "max turns"):
		return ExitMaxTurns
	default:
		return ExitError
	}
}

// runnerErr wraps a runtime error with its phase sentinel so callers can
// distinguish init from stream failures with errors.Is while still seeing
// the underlying message (and the session-expiry markers) via Error().
func runnerErr(sentinel, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
