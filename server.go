// Package tenantgate assembles a gRPC server that admits only requests
// carrying a valid tenant token and hands handlers a validated
// [contextx.TenantContext].
package tenantgate

import (
	"errors"
	"net/http"
	"slices"

	"github.com/Keksclan/tenantgate/authorizesvc"
		"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
)

// ErrNoAuthorizer is returned by RegisterAuthorizeService when the server
// was built without WithAuthorizer.
var ErrNoAuthorizer = errors.New("tenantgate: no authorizer configured")

// Server is a composable wrapper around a [grpc.Server]. Middleware order is
// fixed by the Order* constants, not by the order options are passed.
//
// After construction the underlying gRPC server is available through
// [Server.GRPC] so that service implementations can be registered normally:
//
//	srv := tenantgate.NewServer(
//		tenantgate.WithRecovery(log),
//		tenantgate.WithAuthorizer(a, resolver),
//	)
//	pb.RegisterPatientsServer(srv.GRPC(), &patients{db: db})
type Server struct {
	grpcServer *grpc.Server
	cfg        config
	stages     []string
}

// NewServer creates a Server from opts.
func NewServer(opts ...Option) *Server {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.gatherer == nil {
		cfg.gatherer = prometheus.DefaultGatherer
	}

	mw := cfg.middlewares.Build()
	serverOpts := append(mw.ServerOptions(), cfg.grpcOptions...)

	return &Server{
		grpcServer: grpc.NewServer(serverOpts...),
		cfg:        cfg,
		stages:     mw.Names,
	}
}

// Stages names the interceptor stages outermost first.
func (s *Server) Stages() []string {
	return slices.Clone(s.stages)
}

// GRPC returns the underlying *grpc.Server so callers can register services.
func (s *Server) GRPC() *grpc.Server {
	return s.grpcServer
}

// RegisterAuthorizeService registers tenantgate.Authorizer/Authorize, backed
// by the authorizer passed to WithAuthorizer. The method must be public in
// the resolver since the token travels in the request body.
func (s *Server) RegisterAuthorizeService() error {
	if s.cfg.authorizer == nil {
		return ErrNoAuthorizer
	}
	var opts []authorizesvc.HandlerOption
	if s.cfg.limiter != nil {
		opts = append(opts, authorizesvc.WithTenantLimit(s.cfg.limiter))
	}
	authorizesvc.Register(s.grpcServer, authorizesvc.NewHandler(s.cfg.authorizer, opts...))
	return nil
}

// MetricsHandler returns an http.Handler that serves Prometheus metrics.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.cfg.gatherer, promhttp.HandlerOpts{})
}
