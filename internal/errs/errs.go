// Package errs holds the error taxonomy shared by the server and participants.
//
// Callers wrap these sentinels with fmt.Errorf("...: %w", err) and test
// them with errors.Is. Signal maps any error onto the short code shown to a user.
package errs

import (
	"context"
	"errors"
)

var (
	// ErrTransport: bus or directory unreachable. Retried transparently.
	ErrTransport = errors.New("transport unavailable")
	// ErrValidation: bad input, rejected before any network call.
	ErrValidation = errors.New("invalid input")
	// ErrAuth: wrong password or access code.
	ErrAuth = errors.New("authentication failed")
	// ErrCapacity: all judge seats of the match are taken.
	ErrCapacity = errors.New("judge seats full")
	// ErrStaleState: local snapshot disagrees with a fresh pull.
	ErrStaleState = errors.New("stale local state")

	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrRateLimited  = errors.New("too many attempts")
	ErrNotConfirmed = errors.New("action not confirmed")
	ErrLocked       = errors.New("score input locked")
)

// Signal codes, also used as the `code` field of HTTP error bodies.
const (
	SignalConnectivity = "connectivity"
	SignalInvalidInput = "invalid_input"
	SignalAuthFailed   = "auth_failed"
	SignalSeatsFull    = "seats_full"
	SignalStaleState   = "stale_state"
	SignalNotFound     = "not_found"
	SignalConflict     = "conflict"
	SignalRateLimited  = "rate_limited"
	SignalCancelled    = "cancelled"
	SignalLocked       = "locked"
	SignalInternal     = "internal"
)

func Signal(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransport):
		return SignalConnectivity
	case errors.Is(err, ErrValidation):
		return SignalInvalidInput
	case errors.Is(err, ErrAuth):
		return SignalAuthFailed
	case errors.Is(err, ErrCapacity):
		return SignalSeatsFull
	case errors.Is(err, ErrStaleState):
		return SignalStaleState
	case errors.Is(err, ErrNotFound):
		return SignalNotFound
	case errors.Is(err, ErrConflict):
		return SignalConflict
	case errors.Is(err, ErrRateLimited):
		return SignalRateLimited
	case errors.Is(err, ErrLocked):
		return SignalLocked
	case errors.Is(err, ErrNotConfirmed), errors.Is(err, context.Canceled):
		return SignalCancelled
	default:
		return SignalInternal
	}
}

// Retryable reports whether the operation may succeed if simply tried again.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport)
}

// FromSignal is the inverse of Signal for codes received from a remote peer.
// Unknown codes yield nil.
func FromSignal(code string) error {
	switch code {
	case SignalConnectivity:
		return ErrTransport
	case SignalInvalidInput:
		return ErrValidation
	case SignalAuthFailed:
		return ErrAuth
	case SignalSeatsFull:
		return ErrCapacity
	case SignalStaleState:
		return ErrStaleState
	case SignalNotFound:
		return ErrNotFound
	case SignalConflict:
		return ErrConflict
	case SignalRateLimited:
		return ErrRateLimited
	case SignalLocked:
		return ErrLocked
	}
	return nil
}
