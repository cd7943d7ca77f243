// Package authorizesvc exposes the Authorizer as the gRPC method
// tenantgate.Authorizer/Authorize, the entry point an API gateway calls
// before routing a request.
//
// Messages are plain Go structs encoded as JSON, so no protobuf code
// generation is required. The package registers a codec under the name
// "proto" that JSON-encodes its own message types and delegates every other
// message to the standard proto codec. Importing the package activates it.
package authorizesvc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Keksclan/tenantgate/authorizer"
	"github.com/Keksclan/tenantgate/contextx"
	"github.com/Keksclan/tenantgate/ratelimit"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcEncoding "google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/proto" // ensure default proto codec is registered first
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// FullMethod is the full gRPC method name of Authorize.
const FullMethod = "/tenantgate.Authorizer/Authorize"

// rejectedKey buckets Authorize calls whose token names no tenant.
const rejectedKey = "-"

var errRateLimited = status.Error(codes.ResourceExhausted, "rate limit exceeded")

// AuthorizeRequest is the gateway's authorization request. The token is
// carried in the body, so the method is normally marked public in the
// server's policy.
type AuthorizeRequest struct {
	AuthorizationToken string `json:"authorization_token"`
	MethodARN          string `json:"method_arn"`
	RequestID          string `json:"request_id,omitempty"`
}

// AuthorizeResponse is the decision document.
type AuthorizeResponse struct {
	authorizer.Decision
}

type jsonMsg interface {
	isJSONMsg()
}

func (*AuthorizeRequest) isJSONMsg()  {}
func (*AuthorizeResponse) isJSONMsg() {}

// Handler serves Authorize.
type Handler interface {
	Authorize(ctx context.Context, req *AuthorizeRequest) (*AuthorizeResponse, error)
}

// HandlerOption configures the Handler returned by NewHandler.
type HandlerOption func(*handler)

// WithTenantLimit limits Authorize calls per decided tenant. The RPC is
// public, so the tenant is only known once the token has been validated.
// Calls whose token is rejected share one bucket.
func WithTenantLimit(l *ratelimit.Keyed) HandlerOption {
	return func(h *handler) { h.limit = l }
}

// NewHandler returns a Handler backed by a. Rejections are rendered as Deny
// documents rather than RPC errors; the reason stays in server logs.
func NewHandler(a *authorizer.Authorizer, opts ...HandlerOption) Handler {
	h := handler{a: a}
	for _, o := range opts {
		o(&h)
	}
	return h
}

type handler struct {
	a     *authorizer.Authorizer
	limit *ratelimit.Keyed
}

func (h handler) Authorize(ctx context.Context, req *AuthorizeRequest) (*AuthorizeResponse, error) {
	rid := req.RequestID
	if rid == "" {
		rid = contextx.RequestIDFromContext(ctx)
	}
	doc, res := h.a.Decide(ctx, authorizer.Request{
		Authorization: req.AuthorizationToken,
		MethodARN:     req.MethodARN,
		RequestID:     rid,
	})
	if h.limit != nil {
		key := rejectedKey
		if res.Allowed() {
			key = res.Tenant().TenantID()
		}
		if !h.limit.Allow(key) {
			return nil, errRateLimited
		}
	}
	return &AuthorizeResponse{Decision: doc}, nil
}

// ServiceDesc is the grpc.ServiceDesc for tenantgate.Authorizer.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "tenantgate.Authorizer",
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Authorize",
			Handler:    authorizeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tenantgate/authorizer.proto",
}

func authorizeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(AuthorizeRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Authorize(ctx, req)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: FullMethod,
	}
	handler := func(ctx context.Context, r any) (any, error) {
		return srv.(Handler).Authorize(ctx, r.(*AuthorizeRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// Register registers h on s.
func Register(s *grpc.Server, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

func init() {
	grpcEncoding.RegisterCodec(codec{})
}

// codec JSON-encodes this package's messages and delegates protobuf
// messages to proto.Marshal and proto.Unmarshal.
type codec struct{}

func (codec) Name() string { return "proto" }

func (codec) Marshal(v any) ([]byte, error) {
	if _, ok := v.(jsonMsg); ok {
		return json.Marshal(v)
	}
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("authorizesvc codec: unsupported message type %T", v)
}

func (codec) Unmarshal(data []byte, v any) error {
	if _, ok := v.(jsonMsg); ok {
		return json.Unmarshal(data, v)
	}
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("authorizesvc codec: unsupported message type %T", v)
}
