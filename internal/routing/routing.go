// Package routing implements the dynamic route table: glob-style path
// matching with method filtering, explicit priority and a
// most-specific-pattern-then-creation-order tie-break.
package routing

import (
	"regexp"
	"sort"
	"strings"

	"github.com/bankotij/Heliox-Proxy/internal/model"
)

var paramRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

type compiledRoute struct {
	route       model.Route
	regex       *regexp.Regexp
	varNames    []string
	specificity int
}

// Table holds the compiled, priority-and-specificity-ordered route set.
// Matching is linear over the pre-sorted slice.
type Table struct {
	routes []compiledRoute
}

// Build compiles routes and orders them for matching: higher Priority
// first, then higher specificity (more literal path segments, fewer
// wildcards), then earlier CreatedOrder.
func Build(routes []model.Route) *Table {
	compiled := make([]compiledRoute, 0, len(routes))
	for _, r := range routes {
		if !r.IsActive {
			continue
		}
		regex, vars := compilePattern(r.PathPattern)
		compiled = append(compiled, compiledRoute{
			route:       r,
			regex:       regex,
			varNames:    vars,
			specificity: specificityOf(r.PathPattern),
		})
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		a, b := compiled[i], compiled[j]
		if a.route.Priority != b.route.Priority {
			return a.route.Priority > b.route.Priority
		}
		if a.specificity != b.specificity {
			return a.specificity > b.specificity
		}
		return a.route.CreatedOrder < b.route.CreatedOrder
	})

	return &Table{routes: compiled}
}

// compilePattern turns "/v1/items/{id}" into an anchored regex capturing
// named path parameters, and "/v1/items/*" into a prefix match that
// captures the remainder under "rest".
func compilePattern(pattern string) (*regexp.Regexp, []string) {
	varNames := []string{}
	withVars := paramRe.ReplaceAllStringFunc(pattern, func(s string) string {
		name := s[1 : len(s)-1]
		varNames = append(varNames, name)
		return `(?P<` + name + `>[^/]+)`
	})

	if strings.HasSuffix(withVars, "/*") {
		withVars = strings.TrimSuffix(withVars, "/*") + `(?:/(?P<rest>.*))?`
		varNames = append(varNames, "rest")
	} else if withVars == "*" {
		withVars = `(?P<rest>.*)`
		varNames = append(varNames, "rest")
	}

	return regexp.MustCompile("^" + withVars + "$"), varNames
}

// specificityOf scores a pattern per path segment: two points for a
// literal, one for a {param}, none for "*". So "/v1/items/{id}" (5)
// outranks "/v1/*" (2) when both match the same request.
func specificityOf(pattern string) int {
	segments := strings.Split(strings.Trim(pattern, "/"), "/")
	score := 0
	for _, seg := range segments {
		switch {
		case seg == "*":
			// wildcard contributes nothing
		case paramRe.MatchString(seg):
			score++
		default:
			score += 2
		}
	}
	return score
}

// Match finds the highest-priority, most-specific active route whose
// method set includes method and whose compiled pattern matches path. It
// returns the matched route, any named path parameters, and whether a
// match was found.
func (t *Table) Match(method, path string) (model.Route, map[string]string, bool) {
	for _, cr := range t.routes {
		if len(cr.route.Methods) > 0 {
			if _, ok := cr.route.Methods[method]; !ok {
				continue
			}
		}
		m := cr.regex.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		params := make(map[string]string, len(cr.varNames))
		for idx, name := range cr.regex.SubexpNames() {
			if idx == 0 || name == "" {
				continue
			}
			params[name] = m[idx]
		}
		return cr.route, params, true
	}
	return model.Route{}, nil, false
}
