package predicate

import "encoding/json"

// Matcher is the capability search callers pass through the core: it
// decides, from a payload's raw bytes alone, whether a candidate should
// survive result collection. The core never parses a query language; it
// only ever calls Matches.
type Matcher interface {
	Matches(payload []byte) bool
}

// JSONFilter adapts a Filter (built from Eq/Range/And/Or/... below) into a
// Matcher by treating payload bytes as a JSON object and running the
// filter against its decoded fields. A payload that isn't valid JSON, or
// doesn't decode to an object, never matches -- a predicate over fields a
// payload doesn't have is a filter that payload fails, not an error.
type JSONFilter struct {
	Filter Filter
}

// NewJSONFilter wraps filter as a Matcher.
func NewJSONFilter(filter Filter) *JSONFilter {
	return &JSONFilter{Filter: filter}
}

func (j *JSONFilter) Matches(payload []byte) bool {
	if j.Filter == nil {
		return true
	}
	if len(payload) == 0 {
		return false
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return false
	}

	return j.Filter.Match(fields)
}

// MatcherFunc adapts a plain function to Matcher, for callers that already
// have their own predicate representation and just want to hand the core a
// closure (spec.md's "capability: matches(payload_bytes) -> bool").
type MatcherFunc func(payload []byte) bool

func (f MatcherFunc) Matches(payload []byte) bool {
	return f(payload)
}
