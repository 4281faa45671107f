package contracts

import (
	stderrors "errors"
	"fmt"
)

// Class partitions failures by how the orchestrator must react to them.
type Class string

const (
	// ClassTransient covers network errors and timeouts; retried with backoff.
	ClassTransient Class = "transient"
	// ClassRejected is a business-rule refusal; terminal, triggers
	// compensation. Rejections travel as Response outcomes, not errors.
	ClassRejected Class = "rejected"
	// ClassMalformed is a programmer error; surfaced immediately, never retried.
	ClassMalformed Class = "malformed"
	// ClassStoreFailure means persistence is unavailable; execution pauses and
	// retries, state never advances without durable confirmation.
	ClassStoreFailure Class = "store_failure"
	// ClassPoison means a compensation exhausted its retries; the saga goes to
	// the operator queue, never silently dropped.
	ClassPoison Class = "poison"
)

// InvocationError carries the failure class alongside the cause.
type InvocationError struct {
	Class  Class
	Reason string
	cause  error
}

func (e *InvocationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Reason)
}

func (e *InvocationError) Unwrap() error {
	return e.cause
}

// NewTransient wraps a retryable failure
func NewTransient(reason string, cause error) *InvocationError {
	return &InvocationError{Class: ClassTransient, Reason: reason, cause: cause}
}

// NewMalformed marks a non-retryable request error
func NewMalformed(reason string, cause error) *InvocationError {
	return &InvocationError{Class: ClassMalformed, Reason: reason, cause: cause}
}

// NewStoreFailure wraps an unavailable-persistence failure
func NewStoreFailure(reason string, cause error) *InvocationError {
	return &InvocationError{Class: ClassStoreFailure, Reason: reason, cause: cause}
}

// ClassOf extracts the failure class; unclassified errors count as transient
// so that unknown conditions are retried rather than dropped.
func ClassOf(err error) Class {
	var invErr *InvocationError
	if stderrors.As(err, &invErr) {
		return invErr.Class
	}
	return ClassTransient
}

// IsRetryable reports whether the orchestrator may attempt the call again
func IsRetryable(err error) bool {
	class := ClassOf(err)
	return class == ClassTransient || class == ClassStoreFailure
}
