// Package scoped runs SQL on behalf of exactly one tenant.
//
// An Executor is bound to a single TenantContext for its lifetime, normally
// one request. Every query it runs has the tenant id bound as the named
// parameter :tenant_id, replacing any value the caller supplied, and a
// query whose text never mentions a tenant column is refused before it
// reaches the driver.
package scoped

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Keksclan/tenantgate/contextx"
	"github.com/Keksclan/tenantgate/errorsx"
	"github.com/Keksclan/tenantgate/metrics"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TenantParam is the named parameter the executor always binds.
const TenantParam = "tenant_id"

const instrumentationName = "github.com/Keksclan/tenantgate/scoped"

// tenantMarkers are the column names accepted as evidence of a tenant
// filter. The check is textual: a marker inside a comment or an unrelated
// column satisfies it. Select adds the predicate mechanically instead.
var tenantMarkers = []string{"tenant_id", "org_id", "organization_id"}

// Queryer is the subset of *sqlx.DB, *sqlx.Tx and *sqlx.Conn the executor
// needs.
type Queryer interface {
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	Rebind(query string) string
}

// Row is one result row keyed by lower-cased column name.
type Row map[string]any

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithMetrics records query outcomes on m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithTimeout bounds every query. The caller's deadline still applies when
// it is shorter.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Executor) { e.tracer = tp.Tracer(instrumentationName) }
}

// Executor runs tenant-scoped queries. It is safe for concurrent use, though
// it is intended to live for a single request.
type Executor struct {
	db      Queryer
	tc      contextx.TenantContext
	log     *zap.Logger
	metrics *metrics.Collectors
	tracer  trace.Tracer
	timeout time.Duration
	queries atomic.Int64
}

// New returns an Executor bound to tc. It fails with a ValidationError when
// tc does not name a tenant.
func New(db Queryer, tc contextx.TenantContext, opts ...Option) (*Executor, error) {
	if db == nil {
		return nil, errors.New("scoped: nil database")
	}
	if !tc.Valid() {
		return nil, errorsx.Validation("tenant_context", "must name a tenant")
	}
	e := &Executor{
		db:     db,
		tc:     tc,
		log:    zap.NewNop(),
		tracer: otel.GetTracerProvider().Tracer(instrumentationName),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// FromContext returns an Executor bound to the tenant stored in ctx. It
// fails with a SecurityError when ctx carries no tenant.
func FromContext(ctx context.Context, db Queryer, opts ...Option) (*Executor, error) {
	tc, ok := contextx.TenantFromContext(ctx)
	if !ok {
		return nil, errorsx.Security(errorsx.ReasonTenantMissing)
	}
	return New(db, tc, opts...)
}

// Tenant returns the tenant the executor is bound to.
func (e *Executor) Tenant() contextx.TenantContext { return e.tc }

// QueryCount returns the number of queries sent to the driver.
func (e *Executor) QueryCount() int64 { return e.queries.Load() }

// HasTenantFilter reports whether query mentions a tenant column, ignoring
// case.
func HasTenantFilter(query string) bool {
	q := strings.ToLower(query)
	for _, m := range tenantMarkers {
		if strings.Contains(q, m) {
			return true
		}
	}
	return false
}

// Execute runs query with params and returns every row. Placeholders use
// the :name form. params is not modified; the executor binds :tenant_id to
// its own tenant regardless of what params holds.
//
// A query without a tenant filter fails with a SecurityError and is not
// sent to the driver. Driver errors are returned unchanged.
func (e *Executor) Execute(ctx context.Context, query string, params map[string]any) ([]Row, error) {
	if !HasTenantFilter(query) {
		e.unscoped(ctx, query)
		return nil, errorsx.Security(errorsx.ReasonUnscopedQuery)
	}

	bound := make(map[string]any, len(params)+1)
	for k, v := range params {
		bound[k] = v
	}
	bound[TenantParam] = e.tc.TenantID()

	q, args, err := sqlx.Named(query, bound)
	if err != nil {
		return nil, fmt.Errorf("scoped: bind parameters: %w", err)
	}
	return e.run(ctx, e.db.Rebind(q), args)
}

// ExecuteOne runs query like Execute and returns the first row, if any.
func (e *Executor) ExecuteOne(ctx context.Context, query string, params map[string]any) (Row, bool, error) {
	rows, err := e.Execute(ctx, query, params)
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}
	return rows[0], true, nil
}

func (e *Executor) run(ctx context.Context, query string, args []any) ([]Row, error) {
	ctx, span := e.tracer.Start(ctx, "scoped.query", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", e.tc.TenantID()))

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	e.queries.Add(1)
	rows, err := e.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, e.driverError(span, err)
	}
	defer rows.Close()

	out := []Row{}
	for rows.Next() {
		m := make(map[string]any)
		if err := rows.MapScan(m); err != nil {
			return nil, e.driverError(span, err)
		}
		out = append(out, normalize(m))
	}
	if err := rows.Err(); err != nil {
		return nil, e.driverError(span, err)
	}

	e.metrics.Query(metrics.QueryOK)
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

// driverError logs err with the tenant attached and returns it unchanged.
func (e *Executor) driverError(span trace.Span, err error) error {
	e.metrics.Query(metrics.QueryError)
	span.RecordError(err)
	span.SetStatus(codes.Error, "query failed")
	e.log.Warn("scoped query failed",
		zap.String("tenant_id", e.tc.TenantID()),
		zap.String("request_id", e.tc.RequestID()),
		zap.Error(err),
	)
	return err
}

func (e *Executor) unscoped(ctx context.Context, query string) {
	e.metrics.Query(metrics.QueryRejected)
	e.metrics.SecurityEvent(metrics.EventUnscopedQuery)
	trace.SpanFromContext(ctx).AddEvent("unscoped query rejected")
	e.log.Error("security event",
		zap.String("kind", metrics.EventUnscopedQuery),
		zap.String("reason", errorsx.ReasonUnscopedQuery),
		zap.String("tenant_id", e.tc.TenantID()),
		zap.String("subject_id", e.tc.SubjectID()),
		zap.String("request_id", e.tc.RequestID()),
		zap.String("query_sha256", queryDigest(query)),
		zap.Int("query_len", len(query)),
	)
}

// queryDigest identifies a rejected query in logs without recording the
// literals it may carry.
func queryDigest(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// normalize lower-cases column names and turns []byte values into strings.
func normalize(m map[string]any) Row {
	row := make(Row, len(m))
	for k, v := range m {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		row[strings.ToLower(k)] = v
	}
	return row
}
