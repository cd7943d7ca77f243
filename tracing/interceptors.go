// Package tracing provides OpenTelemetry tracing for the gRPC surface: server
// interceptors, tracer provider setup, and helpers that attach tenant
// identity to the active span.
package tracing

import (
	"context"
	"strings"

	"github.com/Keksclan/tenantgate/contextx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	grpcCodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	grpcStatus "google.golang.org/grpc/status"
)

const instrumentationName = "github.com/Keksclan/tenantgate/tracing"

// Span attribute keys set by this package.
const (
	AttrTenantID  = attribute.Key("tenant.id")
	AttrRequestID = attribute.Key("request.id")
)

// Config holds the OpenTelemetry configuration used by the gRPC tracing
// interceptors.
type Config struct {
	// TracerProvider supplies the Tracer used to create spans. When nil the
	// global otel.GetTracerProvider() is used.
	TracerProvider trace.TracerProvider

	// Propagators extracts trace context from incoming metadata. When nil
	// the global otel.GetTextMapPropagator() is used.
	Propagators propagation.TextMapPropagator
}

func (c *Config) tracer() trace.Tracer {
	tp := c.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(instrumentationName)
}

func (c *Config) propagators() propagation.TextMapPropagator {
	if c.Propagators != nil {
		return c.Propagators
	}
	return otel.GetTextMapPropagator()
}

// start extracts the caller's trace context and opens a server span for
// fullMethod.
func (c *Config) start(ctx context.Context, fullMethod string) (context.Context, trace.Span) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		md = metadata.MD{}
	}
	ctx = c.propagators().Extract(ctx, metadataCarrier(md))
	ctx, span := c.tracer().Start(ctx, fullMethod, trace.WithSpanKind(trace.SpanKindServer))

	service, method := splitFullMethod(fullMethod)
	span.SetAttributes(semconv.RPCSystemGRPC, semconv.RPCService(service), semconv.RPCMethod(method))
	return ctx, span
}

// UnaryServerInterceptor returns a [grpc.UnaryServerInterceptor] that creates
// a span for every unary RPC. If cfg is nil the interceptor is a no-op
// passthrough.
func UnaryServerInterceptor(cfg *Config) grpc.UnaryServerInterceptor {
	if cfg == nil {
		return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			return handler(ctx, req)
		}
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, span := cfg.start(ctx, info.FullMethod)
		defer span.End()

		resp, err := handler(ctx, req)
		recordStatus(span, err)
		return resp, err
	}
}

// StreamServerInterceptor returns a [grpc.StreamServerInterceptor] that
// creates a span for every streaming RPC. If cfg is nil the interceptor is a
// no-op passthrough.
func StreamServerInterceptor(cfg *Config) grpc.StreamServerInterceptor {
	if cfg == nil {
		return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			return handler(srv, ss)
		}
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span := cfg.start(ss.Context(), info.FullMethod)
		defer span.End()

		err := handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
		recordStatus(span, err)
		return err
	}
}

// AnnotateTenant records the tenant and request id carried by ctx on the
// span active in ctx. Only identifiers are recorded, never claims.
func AnnotateTenant(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	if id := contextx.RequestIDFromContext(ctx); id != "" {
		span.SetAttributes(AttrRequestID.String(id))
	}
	if tc, ok := contextx.TenantFromContext(ctx); ok {
		span.SetAttributes(AttrTenantID.String(tc.TenantID()))
	}
}

// metadataCarrier adapts gRPC [metadata.MD] to the OTel
// [propagation.TextMapCarrier] interface.
type metadataCarrier metadata.MD

func (mc metadataCarrier) Get(key string) string {
	vals := metadata.MD(mc).Get(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func (mc metadataCarrier) Set(key, value string) {
	metadata.MD(mc).Set(key, value)
}

func (mc metadataCarrier) Keys() []string {
	md := metadata.MD(mc)
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	return keys
}

// splitFullMethod splits "/service/method" into ("service", "method").
func splitFullMethod(fullMethod string) (string, string) {
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	service, method, ok := strings.Cut(fullMethod, "/")
	if !ok {
		return fullMethod, ""
	}
	return service, method
}

// serverFaults are the codes that mark a server span as failed. Rejections
// such as Unauthenticated or PermissionDenied are the caller's fault and
// leave the span status unset.
var serverFaults = map[grpcCodes.Code]bool{
	grpcCodes.Unknown:          true,
	grpcCodes.DeadlineExceeded: true,
	grpcCodes.Unimplemented:    true,
	grpcCodes.Internal:         true,
	grpcCodes.Unavailable:      true,
	grpcCodes.DataLoss:         true,
}

func recordStatus(span trace.Span, err error) {
	st, _ := grpcStatus.FromError(err)
	span.SetAttributes(semconv.RPCGRPCStatusCodeKey.Int(int(st.Code())))
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case serverFaults[st.Code()]:
		span.RecordError(err)
		span.SetStatus(codes.Error, st.Message())
	}
}

// wrappedStream overrides Context() to carry the traced context.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }
