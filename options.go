package tenantgate

import (
	"github.com/Keksclan/tenantgate/authorizer"
	"github.com/Keksclan/tenantgate/interceptors"
	"github.com/Keksclan/tenantgate/internal/core"
	"github.com/Keksclan/tenantgate/policy"
	"github.com/Keksclan/tenantgate/ratelimit"
	"github.com/Keksclan/tenantgate/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Option configures a Server.
type Option func(*config)

// WithUnaryInterceptor adds a unary interceptor after the built-in ones.
func WithUnaryInterceptor(i grpc.UnaryServerInterceptor) Option {
	return func(c *config) {
		c.middlewares.Add(core.Stage{Order: OrderCustom, Unary: i})
	}
}

// WithStreamInterceptor adds a stream interceptor after the built-in ones.
func WithStreamInterceptor(i grpc.StreamServerInterceptor) Option {
	return func(c *config) {
		c.middlewares.Add(core.Stage{Order: OrderCustom, Stream: i})
	}
}

// WithServerOption passes o through to grpc.NewServer.
func WithServerOption(o grpc.ServerOption) Option {
	return func(c *config) {
		c.grpcOptions = append(c.grpcOptions, o)
	}
}

// WithRecovery turns handler panics into codes.Internal and logs them.
func WithRecovery(log *zap.Logger) Option {
	return func(c *config) {
		c.middlewares.Add(core.Stage{Name: "recovery", Order: OrderRecovery, Unary: interceptors.RecoveryUnary(log), Stream: interceptors.RecoveryStream(log)})
	}
}

// WithRequestID assigns every call a request id, honouring a well-formed
// x-request-id from the caller.
func WithRequestID() Option {
	return func(c *config) {
		c.middlewares.Add(core.Stage{Name: "request_id", Order: OrderRequestID, Unary: interceptors.RequestIDUnary(), Stream: interceptors.RequestIDStream()})
	}
}

// WithOpenTelemetry opens a server span per call.
func WithOpenTelemetry(cfg tracing.Config) Option {
	return func(c *config) {
		c.middlewares.Add(core.Stage{Name: "tracing", Order: OrderTracing, Unary: tracing.UnaryServerInterceptor(&cfg), Stream: tracing.StreamServerInterceptor(&cfg)})
	}
}

// WithAuthorizer requires a valid tenant token on every method the resolver
// does not mark public, and enforces required scopes. It also makes the
// Authorize RPC available through Server.RegisterAuthorizeService.
func WithAuthorizer(a *authorizer.Authorizer, r *policy.Resolver) Option {
	return func(c *config) {
		c.authorizer = a
		c.resolver = r
		fn := a.AuthFunc(r)
		c.middlewares.Add(core.Stage{Name: "auth", Order: OrderAuth, Unary: interceptors.AuthUnary(fn), Stream: interceptors.AuthStream(fn)})
	}
}

// WithTenantRateLimit limits each tenant independently. Policies with a
// RateLimit rule get their own per-tenant buckets. The Authorize RPC draws
// on l keyed by the tenant its token names.
func WithTenantRateLimit(l *ratelimit.Keyed, r *policy.Resolver) Option {
	return func(c *config) {
		c.limiter = l
		c.middlewares.Add(core.Stage{Name: "rate_limit", Order: OrderRateLimit, Unary: interceptors.TenantRateLimitUnary(l, r), Stream: interceptors.TenantRateLimitStream(l, r)})
	}
}

// WithTimeouts applies each policy's Timeout as a handler deadline.
func WithTimeouts(r *policy.Resolver) Option {
	return func(c *config) {
		c.middlewares.Add(core.Stage{Name: "timeout", Order: OrderTimeout, Unary: interceptors.TimeoutUnary(r)})
	}
}

// WithMetricsGatherer sets the registry served by Server.MetricsHandler.
// The default is prometheus.DefaultGatherer.
func WithMetricsGatherer(g prometheus.Gatherer) Option {
	return func(c *config) {
		c.gatherer = g
	}
}
