package authorizer

import (
	"testing"

	"github.com/Keksclan/tenantgate/contextx"
	"github.com/Keksclan/tenantgate/errorsx"
	"github.com/Keksclan/tenantgate/policy"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc/metadata"
)

func testResolver() *policy.Resolver {
	return policy.NewResolver(
		policy.Group("health").
			Prefix("/grpc.health.").
			Policy(policy.Policy{Public: true}),
		policy.Group("writes").
			Exact("/patients.Service/Update").
			Policy(policy.Policy{RequiredScopes: []string{"patients:write"}}),
	)
}

func TestAuthFunc_PublicMethodSkipsAuthorization(t *testing.T) {
	v := newValidator(t)
	fn := New(v).AuthFunc(testResolver())

	ctx, err := fn(t.Context(), "/grpc.health.v1.Health/Check", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := contextx.TenantFromContext(ctx); ok {
		t.Fatal("public methods must not carry a tenant")
	}
	if v.calls.Load() != 0 {
		t.Fatal("validator must not run for public methods")
	}
}

func TestAuthFunc_StoresTenant(t *testing.T) {
	fn := New(newValidator(t)).AuthFunc(nil)
	md := metadata.Pairs("authorization", bearer(t, jwt.MapClaims{"tenant_id": "org-1"}))
	ctx := contextx.WithRequestID(t.Context(), "req-5")

	ctx, err := fn(ctx, "/patients.Service/Search", md)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contextx.TenantFromContext(ctx)
	if !ok || tc.TenantID() != "org-1" || tc.RequestID() != "req-5" {
		t.Fatalf("unexpected tenant %+v (ok=%v)", tc, ok)
	}
}

func TestAuthFunc_RejectsWithBoundaryError(t *testing.T) {
	fn := New(newValidator(t)).AuthFunc(testResolver())

	_, err := fn(t.Context(), "/patients.Service/Search", metadata.MD{})
	if !errorsx.IsAuthentication(err) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}

	md := metadata.Pairs("authorization", bearer(t, jwt.MapClaims{"sub": "user-1"}))
	_, err = fn(t.Context(), "/patients.Service/Search", md)
	if !errorsx.IsSecurity(err) {
		t.Fatalf("expected SecurityError for missing tenant, got %v", err)
	}
}

func TestAuthFunc_RequiredScopes(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	fn := New(newValidator(t), WithLogger(zap.New(core))).AuthFunc(testResolver())

	reader := metadata.Pairs("authorization", bearer(t, jwt.MapClaims{"tenant_id": "org-1", "scope": "patients:read"}))
	_, err := fn(t.Context(), "/patients.Service/Update", reader)
	if errorsx.Reason(err) != errorsx.ReasonMissingScope {
		t.Fatalf("expected missing scope, got %v", err)
	}
	if logs.FilterMessage("security event").Len() != 1 {
		t.Fatal("expected missing scope to be logged as a security event")
	}

	writer := metadata.Pairs("authorization", bearer(t, jwt.MapClaims{"tenant_id": "org-1", "scopes": []string{"patients:write"}}))
	if _, err := fn(t.Context(), "/patients.Service/Update", writer); err != nil {
		t.Fatalf("writer should pass: %v", err)
	}

	admin := metadata.Pairs("authorization", bearer(t, jwt.MapClaims{"tenant_id": "org-1", "permissions": []string{"admin"}}))
	if _, err := fn(t.Context(), "/patients.Service/Update", admin); err != nil {
		t.Fatalf("admin should pass: %v", err)
	}
}
