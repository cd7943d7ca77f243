package errorsx

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestStatus_MapsKindsToOpaqueCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code codes.Code
		msg  string
	}{
		{"expired", Authentication(ReasonExpired, errors.New("exp in past")), codes.Unauthenticated, "unauthorized"},
		{"invalid", Authentication(ReasonInvalid, nil), codes.Unauthenticated, "unauthorized"},
		{"misconfigured", Authentication(ReasonMisconfigured, nil), codes.Unauthenticated, "unauthorized"},
		{"security", Security(ReasonTenantMissing), codes.PermissionDenied, "forbidden"},
		{"validation", Validation("tenant_id", "empty"), codes.InvalidArgument, "invalid request"},
		{"wrapped", fmt.Errorf("outer: %w", Security(ReasonUnscopedQuery)), codes.PermissionDenied, "forbidden"},
		{"other", errors.New("boom"), codes.Internal, "internal error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, ok := status.FromError(Status(tc.err))
			if !ok {
				t.Fatalf("expected gRPC status, got %v", Status(tc.err))
			}
			if st.Code() != tc.code {
				t.Fatalf("code: got %v, want %v", st.Code(), tc.code)
			}
			if st.Message() != tc.msg {
				t.Fatalf("message: got %q, want %q", st.Message(), tc.msg)
			}
		})
	}
}

func TestStatus_AuthReasonsAreIndistinguishable(t *testing.T) {
	a := Status(Authentication(ReasonExpired, nil))
	b := Status(Authentication(ReasonInvalid, errors.New("bad signature")))
	c := Status(Authentication(ReasonMisconfigured, nil))
	if a.Error() != b.Error() || b.Error() != c.Error() {
		t.Fatalf("external errors differ: %q %q %q", a, b, c)
	}
	if strings.Contains(b.Error(), "signature") {
		t.Fatalf("status leaks cause: %q", b)
	}
}

func TestStatus_PassesThroughStatusErrors(t *testing.T) {
	in := status.Error(codes.ResourceExhausted, "slow down")
	if got := Status(in); got != in {
		t.Fatalf("expected passthrough, got %v", got)
	}
	if Status(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestReason(t *testing.T) {
	if got := Reason(Authentication(ReasonExpired, nil)); got != ReasonExpired {
		t.Fatalf("got %q, want %q", got, ReasonExpired)
	}
	if got := Reason(fmt.Errorf("ctx: %w", Security(ReasonMissingScope))); got != ReasonMissingScope {
		t.Fatalf("got %q, want %q", got, ReasonMissingScope)
	}
	if got := Reason(errors.New("plain")); got != "" {
		t.Fatalf("expected empty reason, got %q", got)
	}
}
