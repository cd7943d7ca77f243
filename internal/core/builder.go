package core

import "google.golang.org/grpc"

// BuildServerOptions translates sorted interceptor slices into
// grpc.ServerOption values. The first interceptor in each slice is the
// outermost.
func BuildServerOptions(
	unary []grpc.UnaryServerInterceptor,
	stream []grpc.StreamServerInterceptor,
) []grpc.ServerOption {
	var opts []grpc.ServerOption

	if len(unary) > 0 {
		opts = append(opts, grpc.ChainUnaryInterceptor(unary...))
	}
	if len(stream) > 0 {
		opts = append(opts, grpc.ChainStreamInterceptor(stream...))
	}

	return opts
}
