// Package apperror provides a structured way to report channel-core errors
// with specific codes and severity levels, and converts them to and from
// gRPC status errors at the boundary between the core and its callers.
package apperror

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents a specific core error code.
type ErrorCode string

const (
	// Resolver errors (spec §7 kind 3).
	CodeResolverFailed   ErrorCode = "RESOLVER_FAILED"
	CodeInvalidTarget    ErrorCode = "INVALID_TARGET"
	CodeNoResolverScheme ErrorCode = "NO_RESOLVER_SCHEME"

	// LB / picker errors (spec §7 kinds 1, 3, 4).
	CodeNoHealthyBackend    ErrorCode = "NO_HEALTHY_BACKEND"
	CodePolicyConfigInvalid ErrorCode = "POLICY_CONFIG_INVALID"
	CodeNoPolicyBuilder     ErrorCode = "NO_POLICY_BUILDER"
	CodeEmptyEndpointList   ErrorCode = "EMPTY_ENDPOINT_LIST"

	// Transport / subchannel errors (spec §7 kind 2).
	CodeTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"
	CodeConnectFailed        ErrorCode = "CONNECT_FAILED"

	// xDS protocol errors (spec §7 kind 5).
	CodeXDSResourceInvalid   ErrorCode = "XDS_RESOURCE_INVALID"
	CodeXDSResourceNotFound  ErrorCode = "XDS_RESOURCE_NOT_FOUND"
	CodeXDSStreamFailed      ErrorCode = "XDS_STREAM_FAILED"
	CodeXDSTypeURLUnexpected ErrorCode = "XDS_TYPE_URL_UNEXPECTED"

	// Fatal channel errors (spec §7 kind 6).
	CodeChannelShutdown ErrorCode = "CHANNEL_SHUTDOWN"
	CodeCredsMisconfig  ErrorCode = "CREDS_MISCONFIG"
	CodeInvalidChannel  ErrorCode = "INVALID_CHANNEL"

	// Call-scoped (spec §7 kind 1).
	CodeCancelled        ErrorCode = "CANCELLED"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
	CodeUnimplemented    ErrorCode = "UNIMPLEMENTED"
	CodeInternal         ErrorCode = "INTERNAL"
)

// Severity defines the criticality level of an error.
type Severity int

const (
	// SeverityWarning indicates a non-critical issue that can be ignored or automatically resolved.
	SeverityWarning Severity = iota
	// SeverityError indicates a standard error that requires attention.
	SeverityError
	// SeverityCritical indicates a severe error that might require immediate human intervention.
	SeverityCritical
)

// String returns the string representation of the Severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Error is a custom error type that includes an ErrorCode, message,
// additional details, an underlying cause, and a severity level.
type Error struct {
	Code     ErrorCode      // Code is a unique identifier for the type of error.
	Message  string         // Message is a human-readable description of the error.
	Details  map[string]any // Details provides additional structured information about the error.
	Cause    error          // Cause is the underlying error that triggered this application error.
	Severity Severity       // Severity indicates the criticality level of the error.
}

// Error implements the error interface, returning a string representation of the error.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error, allowing for error chain introspection.
func (e *Error) Unwrap() error {
	return e.Cause
}

// GRPCStatus converts the application error into a gRPC status.Status.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.grpcCode(), e.Message)
}

// grpcCode maps an ErrorCode to the canonical gRPC status code it corresponds to.
func (e *Error) grpcCode() codes.Code {
	switch e.Code {
	case CodeInvalidTarget, CodePolicyConfigInvalid, CodeEmptyEndpointList:
		return codes.InvalidArgument
	case CodeNoResolverScheme, CodeNoPolicyBuilder:
		return codes.Unimplemented
	case CodeNoHealthyBackend, CodeTransportUnavailable, CodeConnectFailed, CodeXDSStreamFailed:
		return codes.Unavailable
	case CodeResolverFailed:
		return codes.Unavailable
	case CodeXDSResourceInvalid:
		return codes.InvalidArgument
	case CodeXDSResourceNotFound:
		return codes.NotFound
	case CodeChannelShutdown, CodeCredsMisconfig, CodeInvalidChannel:
		return codes.FailedPrecondition
	case CodeCancelled:
		return codes.Canceled
	case CodeDeadlineExceeded:
		return codes.DeadlineExceeded
	case CodeUnimplemented:
		return codes.Unimplemented
	default:
		return codes.Internal
	}
}

// New creates a new application error with the given code and message.
// The default severity is SeverityError.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Details: make(map[string]any), Severity: SeverityError}
}

// NewWarning creates a new application error with SeverityWarning.
func NewWarning(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Details: make(map[string]any), Severity: SeverityWarning}
}

// NewCritical creates a new application error with SeverityCritical.
func NewCritical(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Details: make(map[string]any), Severity: SeverityCritical}
}

// Wrap creates a new application error that wraps an existing error,
// providing additional context with a code and message.
func Wrap(cause error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause, Details: make(map[string]any), Severity: SeverityError}
}

// WithDetails adds a key-value pair to the error's details map and returns the modified error.
func (e *Error) WithDetails(key string, value any) *Error {
	e.Details[key] = value
	return e
}

// WithSeverity sets the severity level of the error and returns the modified error.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// Is checks if the given error is an application error with a matching ErrorCode.
func Is(err error, code ErrorCode) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code extracts the ErrorCode from an error. If the error is not an *Error,
// it returns CodeInternal.
func Code(err error) ErrorCode {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// ToGRPC converts an application error or any other error into a gRPC error status.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.GRPCStatus().Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

// FromGRPC converts a gRPC error into an *Error. Returns nil for a nil input.
func FromGRPC(err error) *Error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return New(CodeInternal, err.Error())
	}

	var code ErrorCode
	switch st.Code() {
	case codes.InvalidArgument:
		code = CodePolicyConfigInvalid
	case codes.NotFound:
		code = CodeXDSResourceNotFound
	case codes.DeadlineExceeded:
		code = CodeDeadlineExceeded
	case codes.Canceled:
		code = CodeCancelled
	case codes.Unavailable:
		code = CodeTransportUnavailable
	case codes.Unimplemented:
		code = CodeUnimplemented
	case codes.FailedPrecondition:
		code = CodeInvalidChannel
	default:
		code = CodeInternal
	}
	return New(code, st.Message())
}

// IsWarning checks if the given error is an application error with SeverityWarning.
func IsWarning(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Severity == SeverityWarning
	}
	return false
}

// IsCritical checks if the given error is an application error with SeverityCritical.
func IsCritical(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Severity == SeverityCritical
	}
	return false
}

// Predefined errors for common boundary scenarios.
var (
	ErrChannelShutdown = New(CodeChannelShutdown, "channel is shut down")
	ErrNoHealthy       = New(CodeNoHealthyBackend, "no healthy backend available")
	ErrEmptyEndpoints  = New(CodeEmptyEndpointList, "resolver update carried zero endpoints")
)
