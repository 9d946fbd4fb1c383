package model

import (
	"errors"
	"fmt"
)

var (
	ErrMessageNotFound    = errors.New("message not found")
	ErrCredentialNotFound = errors.New("connection not found")
	ErrNotConnected       = errors.New("destination is not connected")
	ErrNotReady           = errors.New("mail source and at least one destination must be connected")
	ErrActionInFlight     = errors.New("action already in progress for this message")
	ErrUnauthorized       = errors.New("authorization required")
	ErrForbidden          = errors.New("user does not match credential")
	ErrStaleResponse      = errors.New("response no longer matches current state")
	ErrMissingExternalID  = errors.New("message has no source identifier")
	ErrBaselinePending    = errors.New("baseline not established yet")
	ErrNotConfigured      = errors.New("connector is not configured")
)

// ConnectionError reports a failed status check, connect or disconnect.
type ConnectionError struct {
	System System
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.System, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ClassificationError reports that the classification engine failed. The
// message lifecycle is untouched when it is returned.
type ClassificationError struct {
	Err error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed: %v", e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// RoutingError reports a failed destination commit.
type RoutingError struct {
	System System
	Action Action
	Err    error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("%s commit to %s failed: %v", e.Action, e.System, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// TransitionError reports an action that the message status does not allow.
type TransitionError struct {
	From   MessageStatus
	Action Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a message in status %s", e.Action, e.From)
}

// IsClassificationError reports whether err is or wraps a ClassificationError.
func IsClassificationError(err error) bool {
	var ce *ClassificationError
	return errors.As(err, &ce)
}

// IsRoutingError reports whether err is or wraps a RoutingError.
func IsRoutingError(err error) bool {
	var re *RoutingError
	return errors.As(err, &re)
}
