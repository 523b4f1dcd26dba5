package session

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestFailed matches every *RequestError.
	ErrRequestFailed = errors.New("session request failed")
	// ErrIdentityRequired is returned when a credential is submitted before
	// the identifier phase completed in this attempt.
	ErrIdentityRequired = errors.New("identifier phase not completed")
	ErrWrongPhase       = errors.New("operation not allowed in current phase")
	ErrInFlight         = errors.New("a login request is already in flight")
	// ErrAborted is returned when Reset or Logout ran while a request was
	// outstanding; the late result is discarded.
	ErrAborted = errors.New("login attempt was reset")
)

// RequestError is a failed login phase. Message is meant for display.
type RequestError struct {
	Phase   Phase
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Phase, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Phase, e.Message)
}

func (e *RequestError) Is(target error) bool {
	return target == ErrRequestFailed
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
