// Command tenantgate serves the tenant authorization boundary over gRPC:
// the Authorize RPC for API gateways, standard gRPC health, and Prometheus
// metrics over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Keksclan/tenantgate"
	"github.com/Keksclan/tenantgate/authorizer"
	"github.com/Keksclan/tenantgate/authorizesvc"
	"github.com/Keksclan/tenantgate/breaker"
	"github.com/Keksclan/tenantgate/cache"
	"github.com/Keksclan/tenantgate/config"
	"github.com/Keksclan/tenantgate/decision"
	"github.com/Keksclan/tenantgate/metrics"
	"github.com/Keksclan/tenantgate/policy"
	"github.com/Keksclan/tenantgate/ratelimit"
	"github.com/Keksclan/tenantgate/retry"
	"github.com/Keksclan/tenantgate/scoped"
	"github.com/Keksclan/tenantgate/secrets"
	"github.com/Keksclan/tenantgate/token"
	"github.com/Keksclan/tenantgate/tracing"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	path := flag.String("config", os.Getenv("TENANTGATE_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tenantgate: %v\n", err)
		os.Exit(2)
	}
	log, err := config.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tenantgate: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("tenantgate stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	shutdownTracing, err := tracing.Setup(ctx, tracing.SetupConfig{
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	store, err := secretStore(cfg.Secrets, log)
	if err != nil {
		return err
	}
	// Fail at startup rather than on the first tokenization.
	if _, err := store.Secret(ctx, cfg.Secrets.SaltKey); err != nil {
		return fmt.Errorf("load pseudonym salt: %w", err)
	}

	docs, closeDocs, err := documentCache(ctx, cfg.Cache, log)
	if err != nil {
		return err
	}
	defer closeDocs()

	validator, err := newValidator(ctx, cfg, store, docs, log)
	if err != nil {
		return err
	}
	log.Info("token validator ready", zap.String("mode", validator.Mode()))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	authz := authorizer.New(validator,
		authorizer.WithDecisionCache(decision.New(
			decision.WithTTL(cfg.Cache.DecisionTTL),
			decision.WithCapacity(cfg.Cache.DecisionCapacity),
		)),
		authorizer.WithLogger(log),
		authorizer.WithMetrics(m),
		authorizer.WithTracerProvider(otel.GetTracerProvider()),
	)

	public := policy.Group("public").
		Exact(authorizesvc.FullMethod).
		Service(healthpb.Health_ServiceDesc.ServiceName)
	for _, method := range cfg.Server.PublicMethods {
		public.Exact(method)
	}
	resolver := policy.NewResolver(public.Policy(policy.Policy{Public: true}))

	opts := append(tenantgate.DefaultOptions(log),
		tenantgate.WithOpenTelemetry(tracing.Config{
			TracerProvider: otel.GetTracerProvider(),
			Propagators:    otel.GetTextMapPropagator(),
		}),
		tenantgate.WithAuthorizer(authz, resolver),
		tenantgate.WithTimeouts(resolver),
		tenantgate.WithMetricsGatherer(reg),
	)
	if cfg.RateLimit.PerTenantRPS > 0 {
		opts = append(opts, tenantgate.WithTenantRateLimit(
			ratelimit.NewKeyed(cfg.RateLimit.PerTenantRPS, cfg.RateLimit.Burst), resolver))
	}
	srv := tenantgate.NewServer(opts...)
	if err := srv.RegisterAuthorizeService(); err != nil {
		return err
	}
	log.Info("interceptor chain", zap.Strings("stages", srv.Stages()))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv.GRPC(), hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Database.DSN != "" {
		g.Go(func() error {
			db, err := openDatabase(gctx, cfg.Database, log)
			if err != nil {
				return err
			}
			hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			<-gctx.Done()
			return db.Close()
		})
	} else {
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}
	log.Info("serving grpc", zap.String("addr", lis.Addr().String()))
	g.Go(func() error { return srv.GRPC().Serve(lis) })

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", srv.MetricsHandler())
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		log.Info("serving metrics", zap.String("addr", cfg.Server.MetricsAddr))
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		hs.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(sctx)
		}
		stopped := make(chan struct{})
		go func() {
			srv.GRPC().GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-sctx.Done():
			srv.GRPC().Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func secretStore(cfg config.SecretsConfig, log *zap.Logger) (secrets.Provider, error) {
	var src secrets.Provider
	switch cfg.Provider {
	case "vault":
		v, err := secrets.NewVault(secrets.VaultConfig{
			Address: cfg.VaultAddr,
			Token:   cfg.VaultToken,
			Path:    cfg.VaultPath,
			Timeout: cfg.VaultTimeout,
		})
		if err != nil {
			return nil, err
		}
		src = v
	default:
		src = secrets.Env{Prefix: cfg.EnvPrefix}
	}
	return secrets.NewCached(src, startupRetry(log, "secrets")), nil
}

func startupRetry(log *zap.Logger, dep string) retry.Config {
	rc := retry.Startup
	rc.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn("startup dependency unavailable, retrying",
			zap.String("dependency", dep),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
	}
	return rc
}

// documentCache holds fetched JWKS documents, shared through Redis when
// configured so replicas do not each hit the identity provider.
func documentCache(ctx context.Context, cfg config.CacheConfig, log *zap.Logger) (cache.Cache, func(), error) {
	l1, err := cache.NewL1(64)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RedisAddr == "" {
		return l1, func() {}, nil
	}
	l2 := cache.NewL2(cache.L2Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   "tenantgate:jwks:",
	})
	if err := l2.Ping(ctx); err != nil {
		// The L1 still works; Redis errors are tolerated per lookup.
		log.Warn("redis unavailable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	return cache.NewTiered(l1, l2), func() { _ = l2.Close() }, nil
}

func newValidator(ctx context.Context, cfg *config.Config, store secrets.Provider, docs cache.Cache, log *zap.Logger) (*token.Validator, error) {
	tc := token.Config{
		JWKSURL:  cfg.Auth.JWKSURL,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	}
	opts := []token.Option{token.WithLogger(log)}

	if cfg.Auth.JWKSURL != "" {
		bc := breaker.DefaultConfig
		if cfg.Auth.JWKSBreakerFails > 0 {
			bc.FailureThreshold = cfg.Auth.JWKSBreakerFails
		}
		bc.OnStateChange = func(from, to breaker.State) {
			log.Warn("jwks breaker state changed", zap.Stringer("from", from), zap.Stringer("to", to))
		}
		ks, err := token.NewKeySet(cfg.Auth.JWKSURL,
			token.WithDocumentCache(docs, cfg.Auth.JWKSCacheTTL),
			token.WithFetchTimeout(cfg.Auth.JWKSTimeout),
			token.WithMinRefreshInterval(cfg.Auth.JWKSMinRefresh),
			token.WithBreaker(breaker.New(bc)),
			token.WithKeySetLogger(log),
			token.WithKeySetTracerProvider(otel.GetTracerProvider()),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, token.WithKeySet(ks))
	} else if cfg.Auth.DevMode {
		secret, err := store.Secret(ctx, cfg.Secrets.DevSecretKey)
		if err != nil {
			return nil, fmt.Errorf("load dev secret: %w", err)
		}
		log.Warn("dev mode: accepting HS256 tokens; never enable in production")
		tc.DevSecret = secret
	}

	return token.NewValidator(tc, opts...)
}

// openDatabase retries until the database answers a ping; health reports
// NOT_SERVING until then.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*sqlx.DB, error) {
	rc := startupRetry(log, "database")
	rc.Retryable = func(err error) bool { return !errors.Is(err, context.Canceled) }
	return retry.Do(ctx, rc, func(ctx context.Context) (*sqlx.DB, error) {
		return scoped.Open(ctx, scoped.DBConfig{
			Driver:       cfg.Driver,
			DSN:          cfg.DSN,
			MaxOpenConns: cfg.MaxOpenConns,
		})
	})
}
