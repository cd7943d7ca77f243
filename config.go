package tenantgate

import (
	"github.com/Keksclan/tenantgate/authorizer"
	"github.com/Keksclan/tenantgate/internal/core"
	"github.com/Keksclan/tenantgate/policy"
	"github.com/Keksclan/tenantgate/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

// config holds the internal configuration assembled via functional options.
type config struct {
	middlewares core.MiddlewareBuilder
	grpcOptions []grpc.ServerOption

	authorizer *authorizer.Authorizer
	resolver   *policy.Resolver
	limiter    *ratelimit.Keyed
	gatherer   prometheus.Gatherer
}
