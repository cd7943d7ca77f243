package interceptors

import (
	"context"

	"github.com/Keksclan/tenantgate/policy"
	"google.golang.org/grpc"
)

// TimeoutUnary returns a unary server interceptor that applies the resolved
// policy's Timeout to the handler context. A caller deadline that is already
// shorter is left in place.
func TimeoutUnary(r *policy.Resolver) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if d := r.Lookup(info.FullMethod).Timeout; d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return handler(ctx, req)
	}
}
