package apperror

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestError_Error(t *testing.T) {
	err := New(CodeInvalidTarget, "target has no scheme")
	want := "[INVALID_TARGET] target has no scheme"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %v, want %v", got, want)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(cause, CodeInternal, "wrapped error")

	if unwrapped := err.Unwrap(); unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}
}

func TestError_GRPCStatus(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		expectedCode codes.Code
	}{
		{"invalid target", CodeInvalidTarget, codes.InvalidArgument},
		{"xds not found", CodeXDSResourceNotFound, codes.NotFound},
		{"deadline exceeded", CodeDeadlineExceeded, codes.DeadlineExceeded},
		{"cancelled", CodeCancelled, codes.Canceled},
		{"no healthy backend", CodeNoHealthyBackend, codes.Unavailable},
		{"channel shutdown", CodeChannelShutdown, codes.FailedPrecondition},
		{"internal", CodeInternal, codes.Internal},
		{"xds resource invalid", CodeXDSResourceInvalid, codes.InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "test message")
			st := err.GRPCStatus()
			if st.Code() != tt.expectedCode {
				t.Errorf("GRPCStatus().Code() = %v, want %v", st.Code(), tt.expectedCode)
			}
		})
	}
}

func TestNew(t *testing.T) {
	err := New(CodeInternal, "boom")
	if err.Code != CodeInternal || err.Message != "boom" {
		t.Fatalf("unexpected error: %+v", err)
	}
	if err.Severity != SeverityError {
		t.Errorf("expected default severity SeverityError, got %v", err.Severity)
	}
	if err.Details == nil {
		t.Error("expected Details to be initialized")
	}
}

func TestNewWarningAndCritical(t *testing.T) {
	w := NewWarning(CodeResolverFailed, "resolver hiccup")
	if w.Severity != SeverityWarning || !IsWarning(w) {
		t.Errorf("expected warning severity")
	}

	c := NewCritical(CodeCredsMisconfig, "bad creds")
	if c.Severity != SeverityCritical || !IsCritical(c) {
		t.Errorf("expected critical severity")
	}
}

func TestWithDetailsAndSeverity(t *testing.T) {
	err := New(CodeInternal, "boom").WithDetails("subchannel", "10.0.0.1:443").WithSeverity(SeverityCritical)
	if err.Details["subchannel"] != "10.0.0.1:443" {
		t.Errorf("expected detail to be set")
	}
	if err.Severity != SeverityCritical {
		t.Errorf("expected severity to be updated")
	}
}

func TestIsAndCode(t *testing.T) {
	err := New(CodeXDSResourceInvalid, "bad listener")
	if !Is(err, CodeXDSResourceInvalid) {
		t.Error("Is() should match on code")
	}
	if Is(err, CodeInternal) {
		t.Error("Is() should not match a different code")
	}
	if Code(err) != CodeXDSResourceInvalid {
		t.Errorf("Code() = %v, want %v", Code(err), CodeXDSResourceInvalid)
	}
	if Code(errors.New("plain")) != CodeInternal {
		t.Error("Code() should default to CodeInternal for non-apperror errors")
	}
}

func TestToGRPCAndFromGRPC(t *testing.T) {
	appErr := New(CodeXDSResourceNotFound, "listener L1 not found")
	grpcErr := ToGRPC(appErr)
	st, ok := status.FromError(grpcErr)
	if !ok || st.Code() != codes.NotFound {
		t.Fatalf("ToGRPC produced unexpected status: %v", grpcErr)
	}

	already := status.Error(codes.Unavailable, "down")
	if ToGRPC(already) != already {
		t.Error("ToGRPC should pass through an existing gRPC status error")
	}

	plain := errors.New("boom")
	wrapped := ToGRPC(plain)
	st2, _ := status.FromError(wrapped)
	if st2.Code() != codes.Internal {
		t.Errorf("expected Internal for a non-status error, got %v", st2.Code())
	}

	back := FromGRPC(status.Error(codes.DeadlineExceeded, "too slow"))
	if back.Code != CodeDeadlineExceeded {
		t.Errorf("FromGRPC code = %v, want %v", back.Code, CodeDeadlineExceeded)
	}

	if FromGRPC(nil) != nil {
		t.Error("FromGRPC(nil) should be nil")
	}
}
