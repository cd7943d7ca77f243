package claims

import "strings"

// scopeLookup returns the scopes held in one claim and whether the claim
// contributed any.
type scopeLookup func(claims map[string]any) ([]string, bool)

var scopeLookups = []scopeLookup{
	delimited("scope"),
	list("scopes"),
	list("permissions"),
}

// delimited reads a space-delimited string claim.
func delimited(key string) scopeLookup {
	return func(claims map[string]any) ([]string, bool) {
		s, ok := claims[key].(string)
		if !ok {
			return nil, false
		}
		out := strings.Fields(s)
		return out, len(out) > 0
	}
}

// list reads an array claim. A plain string is accepted as a single
// space-delimited value.
func list(key string) scopeLookup {
	return func(claims map[string]any) ([]string, bool) {
		var out []string
		switch v := claims[key].(type) {
		case []string:
			for _, s := range v {
				out = append(out, strings.TrimSpace(s))
			}
		case []any:
			for _, e := range v {
				if s, ok := e.(string); ok {
					out = append(out, strings.TrimSpace(s))
				}
			}
		case string:
			out = strings.Fields(v)
		default:
			return nil, false
		}
		out = dedupe(out)
		return out, len(out) > 0
	}
}

// Scopes returns the granted scopes from the first populated source among
// "scope", "scopes" and "permissions". It returns an empty, non-nil slice
// when none is present.
func Scopes(claims map[string]any) []string {
	for _, l := range scopeLookups {
		if s, ok := l(claims); ok {
			return dedupe(s)
		}
	}
	return []string{}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
