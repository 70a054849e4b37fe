package router

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/shogo82148/go-sfv"
)

// Kind is the request class that selects a strategy.
type Kind int

const (
	KindStatic Kind = iota
	KindNavigation
	KindAPI
)

func (k Kind) String() string {
	switch k {
	case KindNavigation:
		return StrategyNavigation
	case KindAPI:
		return StrategyAPI
	default:
		return StrategyStatic
	}
}

// Classifier maps requests to a Kind. Navigation is decided by request mode
// before any path pattern is consulted.
type Classifier struct {
	api []*regexp.Regexp
}

func NewClassifier(apiPatterns []*regexp.Regexp) *Classifier {
	return &Classifier{api: apiPatterns}
}

func (c *Classifier) Classify(r *http.Request) Kind {
	if IsNavigation(r) {
		return KindNavigation
	}
	if c != nil && c.matchesAPI(r.URL.Path) {
		return KindAPI
	}
	return KindStatic
}

func (c *Classifier) matchesAPI(path string) bool {
	for _, re := range c.api {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// IsNavigation reports a page load: Sec-Fetch-Mode: navigate.
func IsNavigation(r *http.Request) bool {
	return tokenHeader(r.Header, "Sec-Fetch-Mode") == "navigate"
}

// IsImage reports whether the request's destination is an image. Without
// Sec-Fetch-Dest the Accept header decides.
func IsImage(r *http.Request) bool {
	if len(r.Header.Values("Sec-Fetch-Dest")) > 0 {
		return tokenHeader(r.Header, "Sec-Fetch-Dest") == "image"
	}
	return strings.HasPrefix(strings.TrimSpace(r.Header.Get("Accept")), "image/")
}

// tokenHeader decodes a structured-field token item, returning "" when the
// header is absent or malformed.
func tokenHeader(h http.Header, name string) string {
	values := h.Values(name)
	if len(values) == 0 {
		return ""
	}
	item, err := sfv.DecodeItem(values)
	if err != nil {
		return ""
	}
	tok, ok := item.Value.(sfv.Token)
	if !ok {
		return ""
	}
	return string(tok)
}
