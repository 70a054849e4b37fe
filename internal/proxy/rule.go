package proxy

import (
	"context"
	"net/url"
	"regexp"
	"strings"
)

// Rule reports whether a proxied request should skip interception and be
// forwarded to its host untouched.
type Rule func(context.Context, *url.URL) bool

// NewRegexRule matches the full URL against regex.
func NewRegexRule(regex *regexp.Regexp) Rule {
	return func(_ context.Context, u *url.URL) bool {
		return regex.MatchString(u.String())
	}
}

// NewHostRule matches a host or any of its subdomains. The port is ignored.
func NewHostRule(host string) Rule {
	host = strings.ToLower(strings.TrimPrefix(host, "."))
	return func(_ context.Context, u *url.URL) bool {
		h := strings.ToLower(u.Hostname())
		return h == host || strings.HasSuffix(h, "."+host)
	}
}

// ParseRules builds bypass rules from their textual form: "host:example.com"
// is a host rule, anything else is a regular expression.
func ParseRules(specs []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if host, ok := strings.CutPrefix(s, "host:"); ok {
			rules = append(rules, NewHostRule(host))
			continue
		}
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, NewRegexRule(re))
	}
	return rules, nil
}
