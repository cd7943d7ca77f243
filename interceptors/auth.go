package interceptors

import (
	"context"

	"github.com/Keksclan/tenantgate/auth"
	"github.com/Keksclan/tenantgate/errorsx"
	"github.com/Keksclan/tenantgate/tracing"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// errUnauthenticated is allocated once to avoid per-request allocations on the hot path.
var errUnauthenticated = status.Error(codes.Unauthenticated, "unauthorized")

// authError converts boundary errors to their opaque status, passes other
// status errors through, and collapses anything else to Unauthenticated so
// no detail of an unexpected failure reaches the caller.
func authError(err error) error {
	if errorsx.IsAuthentication(err) || errorsx.IsSecurity(err) || errorsx.IsValidation(err) {
		return errorsx.Status(err)
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return errUnauthenticated
}

// AuthUnary returns a unary server interceptor that calls the supplied
// AuthFunc before forwarding to the handler.
func AuthUnary(fn auth.AuthFunc) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		newCtx, err := fn(ctx, info.FullMethod, md)
		if err != nil {
			return nil, authError(err)
		}
		tracing.AnnotateTenant(newCtx)
		return handler(newCtx, req)
	}
}

// AuthStream returns a stream server interceptor that calls the supplied
// AuthFunc before forwarding to the handler. The handler sees the context
// returned by fn.
func AuthStream(fn auth.AuthFunc) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx := ss.Context()
		md, _ := metadata.FromIncomingContext(ctx)
		newCtx, err := fn(ctx, info.FullMethod, md)
		if err != nil {
			return authError(err)
		}
		tracing.AnnotateTenant(newCtx)
		return handler(srv, &contextStream{ServerStream: ss, ctx: newCtx})
	}
}

// contextStream overrides Context() so stream handlers see values added by
// earlier interceptors.
type contextStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *contextStream) Context() context.Context { return s.ctx }
