// Package apperr defines the error classes shared by the ledger engines.
//
// Every error returned by an engine wraps exactly one class sentinel, so callers
// decide retry policy with errors.Is rather than by inspecting messages:
//
//	ErrValidation        malformed input, no retry
//	ErrDuplicate         unique constraint hit, treat as already done
//	ErrInvalidState      operation not valid for the current status
//	ErrGateway           bank network failure or timeout, retry with backoff
//	ErrBusiness          bank explicitly rejected the instruction, needs remediation
//	ErrNotFound          entity does not exist
//	ErrExpired           verification session past its deadline
//	ErrAttemptsExceeded  verification session locked after too many misses
//	ErrNoVerifiedAccount payout destination not verified yet
package apperr

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrDuplicate         = errors.New("already exists")
	ErrInvalidState      = errors.New("invalid state")
	ErrGateway           = errors.New("bank gateway unavailable")
	ErrBusiness          = errors.New("rejected by bank")
	ErrNotFound          = errors.New("not found")
	ErrExpired           = errors.New("verification expired")
	ErrAttemptsExceeded  = errors.New("verification attempts exceeded")
	ErrNoVerifiedAccount = errors.New("no verified payout account")

	ErrDuplicateDeposit    = fmt.Errorf("deposit already held for member: %w", ErrDuplicate)
	ErrDuplicateSettlement = fmt.Errorf("settlement already exists for party and month: %w", ErrDuplicate)
)

// NotFound reports a missing entity.
func NotFound(entity, id string) error {
	if id == "" {
		return fmt.Errorf("%s %w", entity, ErrNotFound)
	}
	return fmt.Errorf("%s %q %w", entity, id, ErrNotFound)
}

// Validation reports a malformed input field.
func Validation(field, msg string) error {
	return fmt.Errorf("%s: %s: %w", field, msg, ErrValidation)
}

// InvalidState reports that an entity is not in a status that allows the operation.
func InvalidState(entity, id string, have any, want ...any) error {
	if len(want) == 0 {
		return fmt.Errorf("%s %q is %v: %w", entity, id, have, ErrInvalidState)
	}
	return fmt.Errorf("%s %q is %v, want %v: %w", entity, id, have, want, ErrInvalidState)
}

// IsRetryable reports whether the failure may succeed when repeated later
// without any change on the caller's side.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGateway)
}

// IsExternal reports whether the failure came from the bank gateway, either as
// a transport failure or an explicit rejection.
func IsExternal(err error) bool {
	return errors.Is(err, ErrGateway) || errors.Is(err, ErrBusiness)
}

// CodeMismatchError is returned when a verification code does not match.
// The session stays usable until Remaining reaches zero.
type CodeMismatchError struct {
	Remaining int
	ExpiresAt int64
}

func (e *CodeMismatchError) Error() string {
	return fmt.Sprintf("verification code mismatch, %d attempts remaining (expires in %s)",
		e.Remaining, e.ExpiresIn(time.Now()).Round(time.Second))
}

// ExpiresIn returns the time left on the session relative to now.
func (e *CodeMismatchError) ExpiresIn(now time.Time) time.Duration {
	left := time.Unix(e.ExpiresAt, 0).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

func (e *CodeMismatchError) Unwrap() error { return ErrValidation }
