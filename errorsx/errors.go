// Package errorsx defines the error kinds raised at the tenant boundary and
// the single conversion point that turns them into opaque gRPC statuses.
//
// The Reason carried by each error is for server-side logs only. [Status]
// never copies it into the status message returned to callers.
package errorsx

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Authentication failure reasons.
const (
	ReasonMissing       = "missing"
	ReasonExpired       = "expired"
	ReasonInvalid       = "invalid"
	ReasonMisconfigured = "misconfigured"
)

// Security failure reasons.
const (
	ReasonTenantMissing = "tenant claim missing"
	ReasonUnscopedQuery = "query has no tenant filter"
	ReasonMissingScope  = "required scope not granted"
)

// AuthenticationError reports a missing, malformed, expired or
// signature-invalid token.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return "authentication failed: " + e.Reason + ": " + e.Err.Error()
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// SecurityError reports a tenant-isolation violation: a token without a
// tenant claim, a query without a tenant filter, or a missing scope.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string { return "security violation: " + e.Reason }

// ValidationError reports a malformed request shape.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return "validation failed: " + e.Field + ": " + e.Reason
}

// Authentication returns an *AuthenticationError wrapping cause.
func Authentication(reason string, cause error) error {
	return &AuthenticationError{Reason: reason, Err: cause}
}

// Security returns a *SecurityError.
func Security(reason string) error {
	return &SecurityError{Reason: reason}
}

// Validation returns a *ValidationError.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsAuthentication reports whether err is, or wraps, an *AuthenticationError.
func IsAuthentication(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e)
}

// IsSecurity reports whether err is, or wraps, a *SecurityError.
func IsSecurity(err error) bool {
	var e *SecurityError
	return errors.As(err, &e)
}

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// Reason returns the log-only reason carried by a boundary error, or the
// empty string for any other error.
func Reason(err error) string {
	var (
		ae *AuthenticationError
		se *SecurityError
		ve *ValidationError
	)
	switch {
	case errors.As(err, &ae):
		return ae.Reason
	case errors.As(err, &se):
		return se.Reason
	case errors.As(err, &ve):
		return ve.Reason
	}
	return ""
}

// Statuses are allocated once to avoid per-request allocations on the hot path.
var (
	errUnauthorized = status.Error(codes.Unauthenticated, "unauthorized")
	errForbidden    = status.Error(codes.PermissionDenied, "forbidden")
	errInvalid      = status.Error(codes.InvalidArgument, "invalid request")
	errInternal     = status.Error(codes.Internal, "internal error")
)

// Status converts err into an opaque gRPC status error. Boundary error kinds
// map to fixed messages; errors that already carry a gRPC status pass
// through unchanged; anything else becomes codes.Internal.
func Status(err error) error {
	switch {
	case err == nil:
		return nil
	case IsAuthentication(err):
		return errUnauthorized
	case IsSecurity(err):
		return errForbidden
	case IsValidation(err):
		return errInvalid
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return errInternal
}
