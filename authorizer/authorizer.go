// Package authorizer turns a bearer credential into an allow or deny
// decision and, on allow, the TenantContext handed to downstream handlers.
//
// Every failure collapses into a single rejected Result. The reason for a
// rejection is kept for server-side logs only and never appears in the
// Decision document or in a gRPC status.
package authorizer

import (
	"context"
	"strings"
	"time"

	"github.com/Keksclan/tenantgate/claims"
	"github.com/Keksclan/tenantgate/contextx"
	"github.com/Keksclan/tenantgate/decision"
	"github.com/Keksclan/tenantgate/errorsx"
	"github.com/Keksclan/tenantgate/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/Keksclan/tenantgate/authorizer"

// Validator verifies a raw token and returns its claims. *token.Validator
// satisfies it.
type Validator interface {
	Validate(ctx context.Context, raw string) (map[string]any, error)
}

// Request is one authorization attempt.
type Request struct {
	// Authorization is the credential as received, "Bearer <token>" or a
	// bare token.
	Authorization string
	// MethodARN identifies the invoked API method; it scopes the resource
	// pattern of the Decision.
	MethodARN string
	RequestID string
}

// Result is the outcome of Authorize.
type Result struct {
	allowed bool
	tenant  contextx.TenantContext
	cached  bool
	err     error
}

// Allowed reports whether the request may proceed.
func (r Result) Allowed() bool { return r.allowed }

// Tenant returns the tenant context of an allowed request. It is the zero
// value, and not Valid, for a rejected one.
func (r Result) Tenant() contextx.TenantContext { return r.tenant }

// Cached reports whether the decision was served from the decision cache.
func (r Result) Cached() bool { return r.cached }

// Err returns the boundary error behind a rejection, or nil.
func (r Result) Err() error { return r.err }

// Reason returns the log-only reason for a rejection.
func (r Result) Reason() string { return errorsx.Reason(r.err) }

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithDecisionCache replaces the default decision cache.
func WithDecisionCache(c *decision.Cache) Option {
	return func(a *Authorizer) { a.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Authorizer) { a.log = l }
}

// WithMetrics records decisions on m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(a *Authorizer) { a.metrics = m }
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *Authorizer) { a.tracer = tp.Tracer(instrumentationName) }
}

// Authorizer combines token validation, claim extraction and the decision
// cache. It is safe for concurrent use.
type Authorizer struct {
	validator Validator
	cache     *decision.Cache
	log       *zap.Logger
	metrics   *metrics.Collectors
	tracer    trace.Tracer
}

// New returns an Authorizer validating tokens with v.
func New(v Validator, opts ...Option) *Authorizer {
	a := &Authorizer{
		validator: v,
		log:       zap.NewNop(),
		tracer:    otel.GetTracerProvider().Tracer(instrumentationName),
	}
	for _, o := range opts {
		o(a)
	}
	if a.cache == nil {
		a.cache = decision.New()
	}
	return a
}

// Authorize runs the decision state machine for req. It never returns an
// error; a rejection is a Result with Allowed false.
func (a *Authorizer) Authorize(ctx context.Context, req Request) Result {
	ctx, span := a.tracer.Start(ctx, "authorizer.Authorize")
	defer span.End()

	if req.RequestID == "" {
		req.RequestID = contextx.RequestIDFromContext(ctx)
	}

	start := time.Now()
	res := a.authorize(ctx, req)
	a.metrics.Decision(res.allowed, time.Since(start))

	span.SetAttributes(attribute.Bool("authz.allowed", res.allowed), attribute.Bool("authz.cached", res.cached))
	if res.allowed {
		span.SetAttributes(attribute.String("tenant.id", res.tenant.TenantID()))
		return res
	}
	span.SetStatus(codes.Error, "rejected")
	if !errorsx.IsSecurity(res.err) {
		a.log.Info("authorization rejected",
			zap.String("reason", res.Reason()),
			zap.String("request_id", req.RequestID),
			zap.Error(res.err),
		)
	}
	return res
}

func (a *Authorizer) authorize(ctx context.Context, req Request) Result {
	raw := BearerToken(req.Authorization)
	if raw == "" {
		return reject(errorsx.Authentication(errorsx.ReasonMissing, nil))
	}

	var c map[string]any
	d, hit := a.cache.Get(raw)
	a.metrics.CacheLookup(hit)
	if hit {
		c = d.Claims
	} else {
		var err error
		if c, err = a.validator.Validate(ctx, raw); err != nil {
			return reject(err)
		}
	}

	tenantID, ok := claims.TenantID(c)
	if !ok {
		subject, _ := claims.Subject(c)
		a.securityEvent(metrics.EventTenantMissing, errorsx.ReasonTenantMissing,
			zap.String("request_id", req.RequestID),
			zap.String("subject_id", subject),
		)
		return reject(errorsx.Security(errorsx.ReasonTenantMissing))
	}

	tenantName, _ := claims.TenantName(c)
	subject, _ := claims.Subject(c)
	tc, err := contextx.NewTenantContext(tenantID, contextx.TenantFields{
		TenantName: tenantName,
		Scopes:     claims.Scopes(c),
		SubjectID:  subject,
		RequestID:  req.RequestID,
	})
	if err != nil {
		return reject(err)
	}

	if !hit {
		a.cache.Put(raw, c)
	}
	return Result{allowed: true, tenant: tc, cached: hit}
}

// securityEvent logs a tenant isolation violation at error level and counts
// it. Callers pass identifiers only, never token or claim contents.
func (a *Authorizer) securityEvent(kind, reason string, fields ...zap.Field) {
	a.metrics.SecurityEvent(kind)
	a.log.Error("security event", append([]zap.Field{
		zap.String("kind", kind),
		zap.String("reason", reason),
	}, fields...)...)
}

func reject(err error) Result {
	return Result{err: err}
}

// BearerToken extracts the token from an Authorization value. The
// "Bearer <token>" form is preferred; a bare token is accepted. Any other
// scheme yields "".
func BearerToken(header string) string {
	fields := strings.Fields(header)
	switch {
	case len(fields) == 2 && strings.EqualFold(fields[0], "bearer"):
		return fields[1]
	case len(fields) == 1 && !strings.EqualFold(fields[0], "bearer"):
		return fields[0]
	}
	return ""
}
