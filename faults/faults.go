// Package faults classifies keeper failures so that callers can decide
// whether an operation may be retried and how loudly it should be reported.
//
// Transient failures (network, timeouts, overloaded remotes) are retried and
// count toward the circuit breaker. Rejections are domain refusals by a
// remote system and are surfaced immediately. DataIntegrity failures mean the
// keeper is missing or was handed bad data; they are never retried. Internal
// failures are programming or configuration errors and are fatal at startup.
package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class is the failure category of an error.
type Class int

const (
	// ClassTransient marks retry-eligible failures.
	ClassTransient Class = iota
	// ClassRejection marks a remote refusal for a domain reason.
	ClassRejection
	// ClassDataIntegrity marks missing or malformed data.
	ClassDataIntegrity
	// ClassInternal marks programming and configuration errors.
	ClassInternal
)

// String returns the stable label used in logs, metrics and alerts.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRejection:
		return "rejection"
	case ClassDataIntegrity:
		return "data_integrity"
	case ClassInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error decorates an underlying error with its class and the operation that
// produced it. Code carries a remote error name when one is known.
type Error struct {
	Class Class
	Op    string
	Code  string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Class.String())
	if e.Code != "" {
		b.WriteString(" (")
		b.WriteString(e.Code)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(class Class, op string, err error) *Error {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	return &Error{Class: class, Op: op, Err: err}
}

// Transient wraps err as a retry-eligible failure.
func Transient(op string, err error) error { return newError(ClassTransient, op, err) }

// Reject wraps err as a remote rejection carrying the remote error code.
func Reject(op, code string, err error) error {
	e := newError(ClassRejection, op, err)
	e.Code = code
	return e
}

// Integrity wraps err as a data integrity failure.
func Integrity(op string, err error) error { return newError(ClassDataIntegrity, op, err) }

// Internal wraps err as an internal failure.
func Internal(op string, err error) error { return newError(ClassInternal, op, err) }

// Integrityf formats a data integrity failure.
func Integrityf(op, format string, args ...any) error {
	return Integrity(op, fmt.Errorf(format, args...))
}

// ClassOf reports the class of err. Unclassified errors, including context
// expiry and net.Error values, are transient so that an unexpected failure
// still counts toward the breaker.
func ClassOf(err error) Class {
	if err == nil {
		return ClassTransient
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ClassTransient
}

// CodeOf returns the remote error code attached to err, if any.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Retryable reports whether err may be retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return ClassOf(err) == ClassTransient
}
