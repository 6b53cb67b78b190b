package offline0

import (
	"net/http"
	"net/url"
	"strings"
)

// RouteClass selects the fetch strategy for a request.
type RouteClass int

const (
	ClassDefault RouteClass = iota
	ClassStatic
	ClassCriticalPage
)

func (c RouteClass) String() string {
	switch c {
	case ClassStatic:
		return "static"
	case ClassCriticalPage:
		return "critical"
	default:
		return "default"
	}
}

type MatchKind string

const (
	MatchPrefix   MatchKind = "prefix"
	MatchExact    MatchKind = "exact"
	MatchSuffix   MatchKind = "suffix"
	MatchContains MatchKind = "contains"
)

// Matcher is one declarative route pattern, evaluated against the URL path.
type Matcher struct {
	Kind    MatchKind
	Pattern string
}

func (m Matcher) Match(path string) bool {
	switch m.Kind {
	case MatchPrefix:
		return strings.HasPrefix(path, m.Pattern)
	case MatchExact:
		return path == m.Pattern || (len(path) > 1 && strings.TrimSuffix(path, "/") == m.Pattern)
	case MatchSuffix:
		return strings.HasSuffix(path, m.Pattern)
	case MatchContains:
		return strings.Contains(path, m.Pattern)
	}
	return false
}

// Classifier maps a request onto a RouteClass. It has no side effects; the
// pattern tables are injected.
type Classifier struct {
	Static   []Matcher
	Critical []Matcher
}

// Classify returns ClassDefault for every non-GET request. Static patterns win
// over critical ones when both match.
func (c Classifier) Classify(method, rawURL string) RouteClass {
	if !strings.EqualFold(method, http.MethodGet) {
		return ClassDefault
	}
	path := urlPath(rawURL)
	if matchAny(c.Static, path) {
		return ClassStatic
	}
	if matchAny(c.Critical, path) {
		return ClassCriticalPage
	}
	return ClassDefault
}

func matchAny(ms []Matcher, path string) bool {
	for _, m := range ms {
		if m.Match(path) {
			return true
		}
	}
	return false
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
