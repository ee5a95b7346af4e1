// This file contains the pattern matcher used for both channel topics and
// event names. Patterns are literal segments, ":param" captures, a trailing
// "*" wildcard, or an arbitrary regular expression.
package pondsocket

import (
	"net/url"
	"regexp"
	"strings"
)

// Route holds the outcome of matching a path against a pattern: named
// captures, query values, and the remainder consumed by a wildcard.
type Route struct {
	Params   map[string]string
	Query    map[string][]string
	Wildcard *string
}

func (r *Route) ParseQuery(v interface{}) error {
	return parsePayload(v, r.Query)
}

func (r *Route) ParseParams(v interface{}) error {
	return parsePayload(v, r.Params)
}

type matcher struct {
	pattern string
	rx      *regexp.Regexp
}

func newMatcher(pattern string) *matcher {
	return &matcher{pattern: pattern}
}

func newRegexMatcher(rx *regexp.Regexp) *matcher {
	return &matcher{rx: rx}
}

// match reports whether path satisfies the matcher and returns the extracted
// route data when it does.
func (m *matcher) match(path string) (*Route, bool) {
	if m.rx != nil {
		stripped := strings.SplitN(path, "?", 2)[0]
		if !m.rx.MatchString(stripped) {
			return nil, false
		}
		params := make(map[string]string)
		names := m.rx.SubexpNames()
		groups := m.rx.FindStringSubmatch(stripped)
		for i, name := range names {
			if i > 0 && name != "" && i < len(groups) {
				params[name] = groups[i]
			}
		}
		query := make(map[string][]string)
		if parts := strings.SplitN(path, "?", 2); len(parts) > 1 {
			if values, err := url.ParseQuery(parts[1]); err == nil {
				query = values
			}
		}
		return &Route{Params: params, Query: query}, true
	}
	route, err := parse(m.pattern, path)
	if err != nil {
		return nil, false
	}
	return route, true
}

func parse(pattern, currentPath string) (*Route, error) {
	query := make(map[string][]string)
	params := make(map[string]string)

	var wildcard *string
	matched := false
	if currentPath == "" {
		currentPath = "/"
	}
	pathAndQuery := strings.SplitN(currentPath, "?", 2)

	path := pathAndQuery[0]
	if len(pathAndQuery) > 1 {
		queryValues, err := url.ParseQuery(pathAndQuery[1])
		if err != nil {
			return nil, badRequest("", "invalid query string").withCause(err)
		}
		query = queryValues
	}
	patternSegments := splitPath(pattern)
	pathSegments := splitPath(path)

	wildcardIndex := -1
	for i, seg := range patternSegments {
		if seg == "*" {
			wildcardIndex = i
			break
		}
	}
	if wildcardIndex >= 0 {
		if wildcardIndex < len(pathSegments) {
			remainingPath := strings.Join(pathSegments[wildcardIndex:], "/")
			if decoded, err := url.QueryUnescape(remainingPath); err == nil {
				remainingPath = decoded
			}
			wildcard = &remainingPath
		} else {
			empty := ""
			wildcard = &empty
		}
		if matchSegments(patternSegments[:wildcardIndex], pathSegments[:minInt(wildcardIndex, len(pathSegments))], params) {
			matched = true
		}
	} else if len(patternSegments) == len(pathSegments) {
		if matchSegments(patternSegments, pathSegments, params) {
			matched = true
		}
	}
	if !matched {
		return nil, notFound("", "pattern "+pattern+" does not match path "+currentPath)
	}
	return &Route{
		Query:    query,
		Params:   params,
		Wildcard: wildcard,
	}, nil
}

func matchSegments(patternSegments, pathSegments []string, params map[string]string) bool {
	if len(patternSegments) > len(pathSegments) {
		return false
	}
	for i, patternSeg := range patternSegments {
		pathSeg := pathSegments[i]
		if strings.HasPrefix(patternSeg, ":") {
			name := strings.TrimPrefix(patternSeg, ":")
			if decoded, err := url.QueryUnescape(pathSeg); err == nil {
				pathSeg = decoded
			}
			params[name] = pathSeg
			continue
		}
		if strings.Contains(patternSeg, ":") {
			parts := strings.SplitN(patternSeg, ":", 2)
			prefix := parts[0]
			name := parts[1]
			if !strings.HasPrefix(pathSeg, prefix) {
				return false
			}
			value := strings.TrimPrefix(pathSeg, prefix)
			if decoded, err := url.QueryUnescape(value); err == nil {
				value = decoded
			}
			params[name] = value
			continue
		}
		if patternSeg != pathSeg {
			return false
		}
	}
	return true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")

	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	if path == "" {
		return []string{}
	}
	return strings.Split(path, "/")
}
