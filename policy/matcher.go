package policy

import (
	"regexp"
	"strings"
)

func exactRule(method string) rule {
	return rule{kind: kindExact, pattern: method, match: func(m string) (bool, int) {
		return m == method, len(method)
	}}
}

func prefixRule(prefix string) rule {
	return rule{kind: kindPrefix, pattern: prefix, match: func(m string) (bool, int) {
		return strings.HasPrefix(m, prefix), len(prefix)
	}}
}

// regexRule scores a match by the length of the matched text, so an
// anchored pattern outranks a loose one of the same kind.
func regexRule(pattern string) rule {
	re := regexp.MustCompile(pattern)
	return rule{kind: kindRegex, pattern: pattern, match: func(m string) (bool, int) {
		loc := re.FindStringIndex(m)
		if loc == nil {
			return false, 0
		}
		return true, loc[1] - loc[0]
	}}
}

// servicePrefix turns "pkg.Service" into the "/pkg.Service/" method prefix.
func servicePrefix(service string) string {
	return "/" + strings.Trim(service, "/") + "/"
}
