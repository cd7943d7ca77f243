package tenantgate

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Keksclan/tenantgate/authorizer"
	"github.com/Keksclan/tenantgate/authorizesvc"
	"github.com/Keksclan/tenantgate/contextx"
	"github.com/Keksclan/tenantgate/metrics"
	"github.com/Keksclan/tenantgate/policy"
	"github.com/Keksclan/tenantgate/ratelimit"
	"github.com/Keksclan/tenantgate/token"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	devSecret  = "dev-secret"
	methodARN  = "arn:aws:execute-api:eu-west-1:123456789012:abc123/prod/GET/patients"
	whoami     = "/tenantgate.test.Caller/Whoami"
	boom       = "/tenantgate.test.Caller/Boom"
	adminCall = "/tenantgate.test.Caller/Admin"
)

// caller is a test service that reports the caller's tenant.
type caller interface{}

type callerServer struct{}

var callerDesc = grpc.ServiceDesc{
	ServiceName: "tenantgate.test.Caller",
	HandlerType: (*caller)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Whoami", Handler: callerHandler(whoami, func(ctx context.Context) (*wrapperspb.StringValue, error) {
			tc, ok := contextx.TenantFromContext(ctx)
			if !ok {
				return nil, status.Error(codes.FailedPrecondition, "no tenant")
			}
			return wrapperspb.String(tc.TenantID()), nil
		})},
		{MethodName: "Boom", Handler: callerHandler(boom, func(context.Context) (*wrapperspb.StringValue, error) {
			panic("boom")
		})},
		{MethodName: "Admin", Handler: callerHandler(adminCall, func(context.Context) (*wrapperspb.StringValue, error) {
			return wrapperspb.String("admin"), nil
		})},
	},
}

func callerHandler(fullMethod string, fn func(context.Context) (*wrapperspb.StringValue, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(wrapperspb.StringValue)
		if err := dec(req); err != nil {
			return nil, err
		}
		h := func(ctx context.Context, _ any) (any, error) { return fn(ctx) }
		if interceptor == nil {
			return h(ctx, req)
		}
		return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, h)
	}
}

func sign(t *testing.T, c jwt.MapClaims) string {
	t.Helper()
	c["iat"] = time.Now().Unix()
	c["exp"] = time.Now().Add(time.Hour).Unix()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(devSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func newAuthorizer(t *testing.T, m *metrics.Collectors) *authorizer.Authorizer {
	t.Helper()
	v, err := token.NewValidator(token.Config{DevSecret: devSecret})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return authorizer.New(v, authorizer.WithMetrics(m))
}

func testResolver() *policy.Resolver {
	return policy.NewResolver(
		policy.Group("gateway").Exact(authorizesvc.FullMethod).Policy(policy.Policy{Public: true}),
		policy.Group("admin").Exact(adminCall).Policy(policy.Policy{RequiredScopes: []string{"admin"}}),
	)
}

func startServer(t *testing.T, opts ...Option) (*Server, *grpc.ClientConn) {
	t.Helper()
	srv := NewServer(opts...)
	srv.GRPC().RegisterService(&callerDesc, callerServer{})
	if err := srv.RegisterAuthorizeService(); err != nil {
		t.Fatalf("RegisterAuthorizeService: %v", err)
	}

	lis := bufconn.Listen(1024 * 1024)
	t.Cleanup(func() { srv.GRPC().Stop() })
	go func() { _ = srv.GRPC().Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return srv, conn
}

func withBearer(ctx context.Context, tok string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok)
}

func TestNewServerReturnsNonNil(t *testing.T) {
	s := NewServer()
	if s == nil || s.GRPC() == nil {
		t.Fatal("NewServer() returned an unusable server")
	}
}

func TestServer_StagesFollowOrderConstants(t *testing.T) {
	s := NewServer(
		WithUnaryInterceptor(func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, h grpc.UnaryHandler) (any, error) {
			return h(ctx, req)
		}),
		WithTimeouts(nil),
		WithRequestID(),
		WithRecovery(zap.NewNop()),
		WithRecovery(zap.NewNop()),
	)
	want := []string{"recovery", "request_id", "timeout", "custom"}
	if got := s.Stages(); !slices.Equal(got, want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
}

func TestRegisterAuthorizeService_RequiresAuthorizer(t *testing.T) {
	if err := NewServer().RegisterAuthorizeService(); err != ErrNoAuthorizer {
		t.Fatalf("expected ErrNoAuthorizer, got %v", err)
	}
}

func TestServer_TenantReachesHandler(t *testing.T) {
	a := newAuthorizer(t, nil)
	_, conn := startServer(t, append(DefaultOptions(zap.NewNop()), WithAuthorizer(a, testResolver()))...)

	ctx := withBearer(t.Context(), sign(t, jwt.MapClaims{"organization_id": "org-456", "sub": "user-123"}))
	resp := new(wrapperspb.StringValue)
	if err := conn.Invoke(ctx, whoami, wrapperspb.String(""), resp); err != nil {
		t.Fatalf("Whoami: %v", err)
	}
	if resp.GetValue() != "org-456" {
		t.Fatalf("tenant = %q, want org-456", resp.GetValue())
	}
}

func TestServer_BoundaryErrorsAreOpaque(t *testing.T) {
	a := newAuthorizer(t, nil)
	_, conn := startServer(t, append(DefaultOptions(zap.NewNop()), WithAuthorizer(a, testResolver()))...)

	tests := []struct {
		name    string
		ctx     context.Context
		method  string
		code    codes.Code
		message string
	}{
		{"missing token", t.Context(), whoami, codes.Unauthenticated, "unauthorized"},
		{"bad token", withBearer(t.Context(), "nope"), whoami, codes.Unauthenticated, "unauthorized"},
		{"no tenant", withBearer(t.Context(), sign(t, jwt.MapClaims{"sub": "user-123"})), whoami, codes.PermissionDenied, "forbidden"},
		{"missing scope", withBearer(t.Context(), sign(t, jwt.MapClaims{"org_id": "org-1", "scope": "read"})), adminCall, codes.PermissionDenied, "forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := conn.Invoke(tt.ctx, tt.method, wrapperspb.String(""), new(wrapperspb.StringValue))
			st, _ := status.FromError(err)
			if st.Code() != tt.code || st.Message() != tt.message {
				t.Fatalf("got %v %q, want %v %q", st.Code(), st.Message(), tt.code, tt.message)
			}
		})
	}
}

func TestServer_PanicBecomesInternal(t *testing.T) {
	a := newAuthorizer(t, nil)
	_, conn := startServer(t, append(DefaultOptions(zap.NewNop()), WithAuthorizer(a, testResolver()))...)

	ctx := withBearer(t.Context(), sign(t, jwt.MapClaims{"org_id": "org-1"}))
	err := conn.Invoke(ctx, boom, wrapperspb.String(""), new(wrapperspb.StringValue))
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
}

func TestServer_AuthorizeRPCIsPublic(t *testing.T) {
	a := newAuthorizer(t, nil)
	_, conn := startServer(t, WithRequestID(), WithAuthorizer(a, testResolver()))

	req := &authorizesvc.AuthorizeRequest{
		AuthorizationToken: "Bearer " + sign(t, jwt.MapClaims{"tenant_id": "org-9"}),
		MethodARN:          methodARN,
	}
	resp := new(authorizesvc.AuthorizeResponse)
	if err := conn.Invoke(t.Context(), authorizesvc.FullMethod, req, resp); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !resp.Allowed() || resp.Context[authorizer.ContextTenantID] != "org-9" {
		t.Fatalf("unexpected decision: %+v", resp.Decision)
	}
	if resp.Context[authorizer.ContextRequestID] == "" {
		t.Fatal("request id from the interceptor should reach the decision context")
	}
}

func TestServer_AuthorizeRateLimitIsPerTenant(t *testing.T) {
	a := newAuthorizer(t, nil)
	r := testResolver()
	_, conn := startServer(t, WithAuthorizer(a, r), WithTenantRateLimit(ratelimit.NewKeyed(0.001, 1), r))

	authorize := func(tenant string) error {
		req := &authorizesvc.AuthorizeRequest{
			AuthorizationToken: "Bearer " + sign(t, jwt.MapClaims{"org_id": tenant}),
			MethodARN:          methodARN,
		}
		return conn.Invoke(t.Context(), authorizesvc.FullMethod, req, new(authorizesvc.AuthorizeResponse))
	}

	if err := authorize("org-a"); err != nil {
		t.Fatalf("org-a: %v", err)
	}
	if err := authorize("org-b"); err != nil {
		t.Fatalf("org-b must not share org-a's budget: %v", err)
	}
	if err := authorize("org-a"); status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("second org-a call: expected ResourceExhausted, got %v", err)
	}
}

func TestMetricsHandler_ServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	a := newAuthorizer(t, m)
	_, conn := startServer(t, WithAuthorizer(a, testResolver()), WithMetricsGatherer(reg))

	ctx := withBearer(t.Context(), sign(t, jwt.MapClaims{"org_id": "org-1"}))
	if err := conn.Invoke(ctx, whoami, wrapperspb.String(""), new(wrapperspb.StringValue)); err != nil {
		t.Fatalf("Whoami: %v", err)
	}

	srv := NewServer(WithMetricsGatherer(reg))
	hs := httptest.NewServer(srv.MetricsHandler())
	defer hs.Close()
	res, err := hs.Client().Get(hs.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), `tenantgate_decisions_total{effect="allow"} 1`) {
		t.Fatalf("decision counter missing from metrics output:\n%s", body)
	}
}
