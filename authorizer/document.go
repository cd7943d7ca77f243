package authorizer

import (
	"context"
	"strings"

	"github.com/Keksclan/tenantgate/contextx"
)

// Effects of a Decision.
const (
	EffectAllow = "Allow"
	EffectDeny  = "Deny"
)

const anonymousPrincipal = "anonymous"

// Context map keys. Every value is a string so the map survives gateways
// that only propagate flat string context.
const (
	ContextTenantID   = "tenant_id"
	ContextTenantName = "tenant_name"
	ContextSubjectID  = "subject_id"
	ContextScopes     = "scopes"
	ContextRequestID  = "request_id"
)

// Decision is the document returned to the API gateway.
type Decision struct {
	PrincipalID     string            `json:"principal_id"`
	Effect          string            `json:"effect"`
	ResourcePattern string            `json:"resource_pattern"`
	Context         map[string]string `json:"context"`
}

// Allowed reports whether the document grants access.
func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

// Decide authorizes req and renders the outcome as a Decision. A request
// that would be allowed but whose MethodARN cannot be scoped to a stage is
// denied, since no resource pattern could be granted.
func (a *Authorizer) Decide(ctx context.Context, req Request) (Decision, Result) {
	res := a.Authorize(ctx, req)
	if !res.Allowed() {
		return denyDocument(req.MethodARN), res
	}
	pattern, ok := ResourcePattern(req.MethodARN)
	if !ok {
		a.log.Warn("method arn cannot be scoped; denying")
		return denyDocument(req.MethodARN), res
	}
	tc := res.Tenant()
	principal := tc.SubjectID()
	if principal == "" {
		principal = tc.TenantID()
	}
	return Decision{
		PrincipalID:     principal,
		Effect:          EffectAllow,
		ResourcePattern: pattern,
		Context:         ContextMap(tc),
	}, res
}

// ContextMap flattens tc into string values. Scopes are sorted and
// comma-joined.
func ContextMap(tc contextx.TenantContext) map[string]string {
	return map[string]string{
		ContextTenantID:   tc.TenantID(),
		ContextTenantName: tc.TenantName(),
		ContextSubjectID:  tc.SubjectID(),
		ContextScopes:     strings.Join(tc.Scopes(), ","),
		ContextRequestID:  tc.RequestID(),
	}
}

func denyDocument(methodARN string) Decision {
	pattern, ok := ResourcePattern(methodARN)
	if !ok {
		pattern = "*"
	}
	return Decision{
		PrincipalID:     anonymousPrincipal,
		Effect:          EffectDeny,
		ResourcePattern: pattern,
		Context:         map[string]string{},
	}
}

// ResourcePattern returns the wildcard covering every method of the stage
// named by methodARN, e.g.
//
//	arn:aws:execute-api:eu-west-1:123456789012:abc123/prod/GET/patients
//
// becomes
//
//	arn:aws:execute-api:eu-west-1:123456789012:abc123/prod/*
//
// It reports false when methodARN does not name an API and a stage.
func ResourcePattern(methodARN string) (string, bool) {
	parts := strings.SplitN(methodARN, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" {
		return "", false
	}
	path := strings.Split(parts[5], "/")
	if len(path) < 2 || path[0] == "" || path[1] == "" || path[0] == "*" || path[1] == "*" {
		return "", false
	}
	return strings.Join(parts[:5], ":") + ":" + path[0] + "/" + path[1] + "/*", true
}
