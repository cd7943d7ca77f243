package interceptors

import (
	"context"
	"sync"

	"github.com/Keksclan/tenantgate/contextx"
	"github.com/Keksclan/tenantgate/policy"
	"github.com/Keksclan/tenantgate/ratelimit"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errRateLimited is allocated once to avoid per-request allocations on the hot path.
var errRateLimited = status.Error(codes.ResourceExhausted, "rate limit exceeded")

// anonymousKey buckets requests that carry no tenant, such as public methods.
const anonymousKey = "-"

// rateLimitState holds the default per-tenant limiter, an optional policy
// resolver, and per-group limiters created lazily from resolved policies.
type rateLimitState struct {
	global   *ratelimit.Keyed
	resolver *policy.Resolver

	mu     sync.Mutex
	groups map[string]*ratelimit.Keyed
}

func newRateLimitState(l *ratelimit.Keyed, r *policy.Resolver) *rateLimitState {
	return &rateLimitState{global: l, resolver: r, groups: make(map[string]*ratelimit.Keyed)}
}

// limiterFor returns the per-group limiter when the resolver matches
// fullMethod to a group with a RateLimit policy. Public methods without such
// a rule carry no tenant to key on and are not limited here; the Authorize
// RPC limits by the tenant it decides. Everything else uses the default
// limiter.
func (s *rateLimitState) limiterFor(fullMethod string) *ratelimit.Keyed {
	if s.resolver != nil {
		if name, pol, ok := s.resolver.Resolve(fullMethod); ok && pol != nil {
			if pol.RateLimit != nil {
				return s.groupLimiter(name, pol.RateLimit)
			}
			if pol.Public {
				return nil
			}
		}
	}
	return s.global
}

func (s *rateLimitState) groupLimiter(name string, rl *policy.RateLimitRule) *ratelimit.Keyed {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.groups[name]; ok {
		return l
	}
	l := ratelimit.NewKeyed(float64(rl.Rate)/rl.Window.Seconds(), rl.Rate)
	s.groups[name] = l
	return l
}

func (s *rateLimitState) allow(ctx context.Context, fullMethod string) bool {
	l := s.limiterFor(fullMethod)
	if l == nil {
		return true
	}
	key := anonymousKey
	if tc, ok := contextx.TenantFromContext(ctx); ok {
		key = tc.TenantID()
	}
	return l.Allow(key)
}

// TenantRateLimitUnary returns a unary server interceptor that limits each
// tenant independently. It must run after authentication so the tenant is
// in the context. When the resolver matches the method to a group with a
// RateLimit rule, that group's limits apply instead of l's.
func TenantRateLimitUnary(l *ratelimit.Keyed, r *policy.Resolver) grpc.UnaryServerInterceptor {
	st := newRateLimitState(l, r)
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if !st.allow(ctx, info.FullMethod) {
			return nil, errRateLimited
		}
		return handler(ctx, req)
	}
}

// TenantRateLimitStream is the stream counterpart of TenantRateLimitUnary.
func TenantRateLimitStream(l *ratelimit.Keyed, r *policy.Resolver) grpc.StreamServerInterceptor {
	st := newRateLimitState(l, r)
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if !st.allow(ss.Context(), info.FullMethod) {
			return errRateLimited
		}
		return handler(srv, ss)
	}
}
