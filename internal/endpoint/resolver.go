// Package endpoint maps inbound request shapes to canonical upstream routes.
// Each permitted route shape is described by a static spec; everything else
// is rejected before the request touches the rate limiter, cache, or budget.
package endpoint

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Query parameter values longer than this are rejected. Silent truncation
// would change result semantics, so over-long values are a hard 400.
const maxQueryValueLen = 100

var (
	// slugPattern: lowercase alphanumeric tokens joined by single hyphens,
	// no leading/trailing/double hyphens.
	slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

	// idPattern: positive integer, no leading zero.
	idPattern = regexp.MustCompile(`^[1-9][0-9]*$`)
)

// gamesListParams is the query whitelist for the games listing route.
// Unknown parameters are dropped silently rather than rejected.
var gamesListParams = map[string]struct{}{
	"genres":           {},
	"parent_platforms": {},
	"ordering":         {},
	"search":           {},
	"page":             {},
}

// ResolvedRequest is the output of resolution: a canonical upstream path
// and the filtered query to forward. It is owned by the pipeline invocation
// that produced it and discarded after the response is sent.
type ResolvedRequest struct {
	Path  string
	Query url.Values
}

// Rejection is a structured resolution failure with an HTTP-equivalent
// status and a message naming the violated rule.
type Rejection struct {
	Status  int
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%d: %s", r.Status, r.Message)
}

func badRequest(format string, args ...any) *Rejection {
	return &Rejection{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *Rejection {
	return &Rejection{Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// SplitPath splits a mount-relative request path into its segments,
// dropping empty segments caused by leading/trailing/double slashes.
func SplitPath(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// Resolve maps a path-segment list and a query mapping to a canonical
// upstream route, or rejects the request. Pure function of request shape:
// structural checks (segment count, discriminant) run before content
// checks (patterns, query filtering) so malformed input fails fast with
// the most specific applicable error.
func Resolve(segments []string, query url.Values) (*ResolvedRequest, *Rejection) {
	if len(segments) == 0 || len(segments) > 3 {
		return nil, notFound("unknown endpoint")
	}

	switch segments[0] {
	case "games":
		return resolveGames(segments[1:], query)
	case "genres":
		if len(segments) > 1 {
			return nil, notFound("unknown endpoint %q", strings.Join(segments, "/"))
		}
		return &ResolvedRequest{Path: "genres", Query: url.Values{}}, nil
	case "platforms":
		if len(segments) != 3 || segments[1] != "lists" || segments[2] != "parents" {
			return nil, notFound("unknown endpoint %q", strings.Join(segments, "/"))
		}
		return &ResolvedRequest{Path: "platforms/lists/parents", Query: url.Values{}}, nil
	default:
		return nil, notFound("unknown endpoint %q", segments[0])
	}
}

func resolveGames(rest []string, query url.Values) (*ResolvedRequest, *Rejection) {
	switch len(rest) {
	case 0:
		filtered, rej := filterQuery(query)
		if rej != nil {
			return nil, rej
		}
		return &ResolvedRequest{Path: "games", Query: filtered}, nil

	case 1:
		slug := rest[0]
		if !slugPattern.MatchString(slug) {
			return nil, badRequest("invalid game slug %q", slug)
		}
		return &ResolvedRequest{Path: "games/" + slug, Query: url.Values{}}, nil

	case 2:
		id, kind := rest[0], rest[1]
		if !idPattern.MatchString(id) {
			return nil, badRequest("invalid game id %q", id)
		}
		if kind != "screenshots" && kind != "movies" {
			return nil, badRequest("invalid media kind %q", kind)
		}
		return &ResolvedRequest{Path: "games/" + id + "/" + kind, Query: url.Values{}}, nil

	default:
		return nil, notFound("unknown endpoint")
	}
}

// filterQuery keeps only whitelisted parameters, collapsing each to its
// first value. Over-long values are rejected outright.
func filterQuery(query url.Values) (url.Values, *Rejection) {
	filtered := url.Values{}
	for name, values := range query {
		if _, ok := gamesListParams[name]; !ok {
			continue
		}
		if len(values) == 0 {
			continue
		}
		v := values[0]
		if len(v) > maxQueryValueLen {
			return nil, badRequest("query parameter %q exceeds %d characters", name, maxQueryValueLen)
		}
		filtered.Set(name, v)
	}
	return filtered, nil
}
