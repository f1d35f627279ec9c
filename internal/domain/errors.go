package domain

import (
	"errors"
	"fmt"
)

// ErrorClass buckets errors for retry decisions and last_error bookkeeping.
// Workers prefix stored error summaries with the class string.
type ErrorClass string

const (
	// ClassContract marks caller mistakes; rejected, never retried.
	ClassContract ErrorClass = "contract"
	// ClassTransient marks dependency hiccups; retried with backoff.
	ClassTransient ErrorClass = "transient"
	// ClassPermanent marks deliveries that can never succeed; row expires.
	ClassPermanent ErrorClass = "permanent"
	// ClassIdentity marks dual-factor identity failures; never retried.
	ClassIdentity ErrorClass = "identity"
	// ClassRole marks role-matrix denials; never retried.
	ClassRole ErrorClass = "role"
	// ClassInternal is the fallback for unclassified errors.
	ClassInternal ErrorClass = "internal"
)

// ContractError reports that a caller violated an operation's contract:
// malformed payload, unknown target, invalid state transition.
type ContractError struct {
	Op     string
	Reason string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// NewContractError builds a ContractError for the given operation.
func NewContractError(op, format string, args ...any) *ContractError {
	return &ContractError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// TransientDependencyError reports that a dependency (mux, store, platform
// API) failed in a way that is expected to heal. Workers back off and retry.
type TransientDependencyError struct {
	Op    string
	Cause error
}

func (e *TransientDependencyError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: transient dependency failure", e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *TransientDependencyError) Unwrap() error { return e.Cause }

// Transient wraps err as a TransientDependencyError for operation op.
func Transient(op string, err error) *TransientDependencyError {
	return &TransientDependencyError{Op: op, Cause: err}
}

// PermanentDeliveryError reports that a delivery can never succeed no matter
// how often it is retried. The owning row moves to expired and a diagnostic
// envelope is published.
type PermanentDeliveryError struct {
	Op     string
	Reason string
	Cause  error
}

func (e *PermanentDeliveryError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Cause)
}

func (e *PermanentDeliveryError) Unwrap() error { return e.Cause }

// Permanent builds a PermanentDeliveryError for operation op.
func Permanent(op, reason string) *PermanentDeliveryError {
	return &PermanentDeliveryError{Op: op, Reason: reason}
}

// IdentityError reports a dual-factor identity mismatch: the claimed session
// id resolved, but the attested multiplexer session did not match the one
// recorded at creation. Never retried; the caller is lying or confused.
type IdentityError struct {
	Claimed  string
	Attested string
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("identity mismatch for session %s: attested mux %q", e.Claimed, e.Attested)
}

// RoleError reports that the caller's roles do not permit an endpoint.
type RoleError struct {
	Endpoint   string
	SystemRole SystemRole
	HumanRole  HumanRole
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("%s denied for roles %s/%s", e.Endpoint, e.SystemRole, e.HumanRole)
}

// Classify maps an error to its class. Unrecognized errors are internal.
func Classify(err error) ErrorClass {
	var (
		contractErr  *ContractError
		transientErr *TransientDependencyError
		permanentErr *PermanentDeliveryError
		identityErr  *IdentityError
		roleErr      *RoleError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &contractErr):
		return ClassContract
	case errors.As(err, &transientErr):
		return ClassTransient
	case errors.As(err, &permanentErr):
		return ClassPermanent
	case errors.As(err, &identityErr):
		return ClassIdentity
	case errors.As(err, &roleErr):
		return ClassRole
	default:
		return ClassInternal
	}
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	return Classify(err) == ClassPermanent
}

// ErrorSummary renders a class-prefixed one-liner for last_error columns.
func ErrorSummary(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", Classify(err), err)
}
