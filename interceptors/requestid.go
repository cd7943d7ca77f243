package interceptors

import (
	"context"
	"unicode"

	"github.com/Keksclan/tenantgate/contextx"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const maxRequestIDLen = 128

// incomingRequestID returns the caller's x-request-id when it is short and
// printable. Anything else is dropped so it cannot pollute logs.
func incomingRequestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(contextx.RequestIDHeader)
	if len(vals) == 0 || vals[0] == "" || len(vals[0]) > maxRequestIDLen {
		return ""
	}
	for _, r := range vals[0] {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return ""
		}
	}
	return vals[0]
}

// ensureRequestID returns the context enriched with a request ID if one is not
// already present. The caller's id is reused when acceptable; otherwise a
// random UUID is generated.
func ensureRequestID(ctx context.Context) context.Context {
	if contextx.RequestIDFromContext(ctx) != "" {
		return ctx
	}
	id := incomingRequestID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	return contextx.WithRequestID(ctx, id)
}

// RequestIDUnary returns a unary server interceptor that ensures a request ID
// is present in the context and echoes it in the response header.
func RequestIDUnary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx = ensureRequestID(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(contextx.RequestIDHeader, contextx.RequestIDFromContext(ctx)))
		return handler(ctx, req)
	}
}

// RequestIDStream returns a stream server interceptor that ensures a request ID
// is present in the stream's context.
func RequestIDStream() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx := ensureRequestID(ss.Context())
		_ = ss.SetHeader(metadata.Pairs(contextx.RequestIDHeader, contextx.RequestIDFromContext(ctx)))
		return handler(srv, &contextStream{ServerStream: ss, ctx: ctx})
	}
}
