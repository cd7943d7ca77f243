// Package contextx carries per-request identity through a context.Context.
//
// The central type is [TenantContext]: the validated tenant identity that
// every downstream query is scoped to. A TenantContext can only be obtained
// through [NewTenantContext], which refuses an empty tenant id, so any value
// returned by [TenantFromContext] is guaranteed to name a tenant.
package contextx

import (
	"context"
	"slices"
	"strings"

	"github.com/Keksclan/tenantgate/errorsx"
)

// AdminScope grants every other scope.
const AdminScope = "admin"

// TenantFields holds the optional attributes of a TenantContext.
type TenantFields struct {
	TenantName string
	Scopes     []string
	SubjectID  string
	RequestID  string
}

// TenantContext is the validated tenant identity for one request. Fields are
// unexported so the value cannot be altered after construction.
type TenantContext struct {
	tenantID   string
	tenantName string
	scopes     map[string]struct{}
	subjectID  string
	requestID  string
}

// NewTenantContext builds a TenantContext for tenantID. It fails with a
// *errorsx.ValidationError when tenantID is empty or only whitespace.
func NewTenantContext(tenantID string, f TenantFields) (TenantContext, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return TenantContext{}, errorsx.Validation("tenant_id", "must not be empty")
	}
	scopes := make(map[string]struct{}, len(f.Scopes))
	for _, s := range f.Scopes {
		if s = strings.TrimSpace(s); s != "" {
			scopes[s] = struct{}{}
		}
	}
	return TenantContext{
		tenantID:   tenantID,
		tenantName: f.TenantName,
		scopes:     scopes,
		subjectID:  f.SubjectID,
		requestID:  f.RequestID,
	}, nil
}

// TenantID returns the tenant identifier. It is never empty for a value
// produced by NewTenantContext.
func (t TenantContext) TenantID() string { return t.tenantID }

// TenantName returns the display name, which may be empty.
func (t TenantContext) TenantName() string { return t.tenantName }

// SubjectID returns the end-user identifier used for audit logging.
func (t TenantContext) SubjectID() string { return t.subjectID }

// RequestID returns the correlation id.
func (t TenantContext) RequestID() string { return t.requestID }

// Valid reports whether t was produced by NewTenantContext.
func (t TenantContext) Valid() bool { return t.tenantID != "" }

// Scopes returns the granted scopes in sorted order.
func (t TenantContext) Scopes() []string {
	out := make([]string, 0, len(t.scopes))
	for s := range t.scopes {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// HasScope reports whether scope is granted, either directly or through
// AdminScope.
func (t TenantContext) HasScope(scope string) bool {
	if _, ok := t.scopes[AdminScope]; ok {
		return true
	}
	_, ok := t.scopes[scope]
	return ok
}

// HasScopes reports whether every scope in required is granted.
func (t TenantContext) HasScopes(required ...string) bool {
	for _, s := range required {
		if !t.HasScope(s) {
			return false
		}
	}
	return true
}

// WithTenant returns a derived context that carries tc. An invalid tc is not
// stored.
func WithTenant(ctx context.Context, tc TenantContext) context.Context {
	if !tc.Valid() {
		return ctx
	}
	return context.WithValue(ctx, tenantKey, tc)
}

// TenantFromContext extracts the TenantContext stored in ctx.
// The boolean return value indicates whether a tenant was present.
func TenantFromContext(ctx context.Context) (TenantContext, bool) {
	tc, ok := ctx.Value(tenantKey).(TenantContext)
	return tc, ok && tc.Valid()
}
