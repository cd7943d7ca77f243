// Package claims pulls tenant, scope and subject information out of a
// validated claim map. Token issuers have used several naming conventions
// over time, so each lookup walks an ordered list of strategies and stops at
// the first one that yields a value.
package claims

import (
	"slices"
	"strings"
)

// lookup returns a claim value and whether the strategy matched.
type lookup func(claims map[string]any) (string, bool)

// exactKey matches a top-level string claim named key.
func exactKey(key string) lookup {
	return func(claims map[string]any) (string, bool) {
		return stringValue(claims[key])
	}
}

// suffixKey matches the first namespaced claim (e.g.
// "https://example.com/org_id") whose name ends in one of suffixes. Keys
// are visited in sorted order so the result does not depend on map
// iteration.
func suffixKey(suffixes ...string) lookup {
	return func(claims map[string]any) (string, bool) {
		keys := make([]string, 0, len(claims))
		for k := range claims {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			for _, s := range suffixes {
				if !strings.HasSuffix(k, s) {
					continue
				}
				if v, ok := stringValue(claims[k]); ok {
					return v, true
				}
			}
		}
		return "", false
	}
}

var tenantLookups = []lookup{
	exactKey("tenant_id"),
	exactKey("organization_id"),
	exactKey("org_id"),
	exactKey("org"),
	suffixKey("/org_id", "/organization_id"),
}

var tenantNameLookups = []lookup{
	exactKey("tenant_name"),
	exactKey("organization_name"),
	exactKey("org_name"),
}

// TenantID returns the tenant identifier carried by claims. The boolean is
// false when no recognised claim is present; callers must treat that as a
// hard failure and never substitute a default tenant.
func TenantID(claims map[string]any) (string, bool) {
	return first(claims, tenantLookups)
}

// TenantName returns the display name of the tenant, if any.
func TenantName(claims map[string]any) (string, bool) {
	return first(claims, tenantNameLookups)
}

// Subject returns the "sub" claim.
func Subject(claims map[string]any) (string, bool) {
	return stringValue(claims["sub"])
}

func first(claims map[string]any, lookups []lookup) (string, bool) {
	if len(claims) == 0 {
		return "", false
	}
	for _, l := range lookups {
		if v, ok := l(claims); ok {
			return v, true
		}
	}
	return "", false
}

func stringValue(raw any) (string, bool) {
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}
