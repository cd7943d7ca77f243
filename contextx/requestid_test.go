package contextx

import (
	"context"
	"testing"
)

func TestRequestIDFromContext(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"missing", t.Context(), ""},
		{"set", WithRequestID(t.Context(), "req-abc-123"), "req-abc-123"},
		{"innermost wins", WithRequestID(WithRequestID(t.Context(), "outer"), "inner"), "inner"},
		{"tenant key is separate", context.WithValue(t.Context(), tenantKey, "req-x"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RequestIDFromContext(tt.ctx); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
