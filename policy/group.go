package policy

import "time"

// RateLimitRule describes a rate-limiting policy for a group of methods.
type RateLimitRule struct {
	// Rate is the maximum number of requests allowed within Window.
	Rate int
	// Window is the time window for the rate limit.
	Window time.Duration
}

// Policy holds the configuration that applies to a matched method group.
// The zero Policy requires a valid tenant token and nothing else.
type Policy struct {
	// Public methods skip authorization entirely and run without a tenant.
	Public bool
	// RequiredScopes must all be granted to the caller's tenant context.
	// The admin scope satisfies any requirement.
	RequiredScopes []string
	RateLimit      *RateLimitRule
	// Timeout bounds the handler, including any scoped queries it runs.
	Timeout time.Duration
}

// matchKind orders rule kinds; a lower value wins.
type matchKind int

const (
	kindExact matchKind = iota
	kindPrefix
	kindRegex
)

type rule struct {
	kind    matchKind
	pattern string
	match   func(fullMethod string) (ok bool, length int)
}

// GroupBuilder constructs a method group with one or more matching rules and
// a policy.
type GroupBuilder struct {
	name   string
	rules  []rule
	policy *Policy
}

// Group starts building a new method group with the given name.
func Group(name string) *GroupBuilder {
	return &GroupBuilder{name: name}
}

// Exact adds an exact-match rule for pattern.
func (g *GroupBuilder) Exact(pattern string) *GroupBuilder {
	g.rules = append(g.rules, exactRule(pattern))
	return g
}

// Prefix adds a prefix-match rule for pattern.
func (g *GroupBuilder) Prefix(pattern string) *GroupBuilder {
	g.rules = append(g.rules, prefixRule(pattern))
	return g
}

// Service matches every method of a fully qualified service name such as
// "grpc.health.v1.Health".
func (g *GroupBuilder) Service(name string) *GroupBuilder {
	g.rules = append(g.rules, prefixRule(servicePrefix(name)))
	return g
}

// Regex adds a regex-match rule for pattern.
// The pattern is compiled immediately; an invalid regex will panic.
func (g *GroupBuilder) Regex(pattern string) *GroupBuilder {
	g.rules = append(g.rules, regexRule(pattern))
	return g
}

// Policy attaches a Policy to the group and returns the finished builder.
func (g *GroupBuilder) Policy(p Policy) *GroupBuilder {
	g.policy = &p
	return g
}
