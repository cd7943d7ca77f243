package authorizer

import (
	"context"

	"github.com/Keksclan/tenantgate/auth"
	"github.com/Keksclan/tenantgate/contextx"
	"github.com/Keksclan/tenantgate/errorsx"
	"github.com/Keksclan/tenantgate/metrics"
	"github.com/Keksclan/tenantgate/policy"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"
)

// AuthFunc adapts the Authorizer to the authentication interceptors. Methods
// whose policy is Public pass through untouched. For every other method the
// credential in the "authorization" metadata is authorized, the policy's
// RequiredScopes are checked, and the TenantContext is stored in the
// returned context. resolver may be nil.
func (a *Authorizer) AuthFunc(resolver *policy.Resolver) auth.AuthFunc {
	return func(ctx context.Context, fullMethod string, md metadata.MD) (context.Context, error) {
		pol := resolver.Lookup(fullMethod)
		if pol.Public {
			return ctx, nil
		}

		res := a.Authorize(ctx, Request{
			Authorization: auth.Credential(md),
			RequestID:     contextx.RequestIDFromContext(ctx),
		})
		if !res.Allowed() {
			return ctx, res.Err()
		}

		tc := res.Tenant()
		if !tc.HasScopes(pol.RequiredScopes...) {
			a.securityEvent(metrics.EventMissingScope, errorsx.ReasonMissingScope,
				zap.String("tenant_id", tc.TenantID()),
				zap.String("subject_id", tc.SubjectID()),
				zap.String("request_id", tc.RequestID()),
				zap.String("method", fullMethod),
				zap.Strings("required", pol.RequiredScopes),
			)
			return ctx, errorsx.Security(errorsx.ReasonMissingScope)
		}
		return contextx.WithTenant(ctx, tc), nil
	}
}
