package interceptors

import (
	"context"

	"github.com/Keksclan/tenantgate/contextx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errInternal is allocated once to avoid per-request allocations on the hot path.
var errInternal = status.Error(codes.Internal, "internal error")

func logPanic(log *zap.Logger, ctx context.Context, method string, r any) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.Any("panic", r),
		zap.String("request_id", contextx.RequestIDFromContext(ctx)),
		zap.Stack("stack"),
	}
	if tc, ok := contextx.TenantFromContext(ctx); ok {
		fields = append(fields, zap.String("tenant_id", tc.TenantID()))
	}
	log.Error("handler panicked", fields...)
}

// RecoveryUnary returns a unary server interceptor that recovers from panics
// and returns an Internal gRPC error instead of crashing the process. The
// panic is logged to log; a nil log discards it.
func RecoveryUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	if log == nil {
		log = zap.NewNop()
	}
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logPanic(log, ctx, info.FullMethod, r)
				resp = nil
				err = errInternal
			}
		}()
		return handler(ctx, req)
	}
}

// RecoveryStream returns a stream server interceptor that recovers from panics
// and returns an Internal gRPC error instead of crashing the process.
func RecoveryStream(log *zap.Logger) grpc.StreamServerInterceptor {
	if log == nil {
		log = zap.NewNop()
	}
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		defer func() {
			if r := recover(); r != nil {
				ctx := context.Background()
				if ss != nil {
					ctx = ss.Context()
				}
				logPanic(log, ctx, info.FullMethod, r)
				err = errInternal
			}
		}()
		return handler(srv, ss)
	}
}
