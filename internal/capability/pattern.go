// Package capability implements the MEW capability pattern matcher: a
// recursive match over a JSON-shaped value tree, not a string-regex engine
// (per the source design notes on capability patterns).
package capability

import (
	"encoding/json"
	"strings"

	"github.com/rjcorwin/mew-protocol-sub006/internal/wire"
)

// Set is an effective capability set: static (space-config) patterns unioned
// with runtime (granted) patterns.
type Set []wire.Capability

// Matches reports whether any pattern in the set matches the given kind and
// payload (the "effective set matches an envelope if any pattern matches").
func (s Set) Matches(kind string, payload json.RawMessage) bool {
	for _, pat := range s {
		if matchPattern(pat, kind, payload) {
			return true
		}
	}
	return false
}

func matchPattern(pat wire.Capability, kind string, payload json.RawMessage) bool {
	if !matchKindSegment(pat.Kind, kind) {
		return false
	}
	if len(pat.Payload) == 0 {
		return true
	}

	var patVal, envVal any
	if err := json.Unmarshal(pat.Payload, &patVal); err != nil {
		return false
	}
	if err := json.Unmarshal(payload, &envVal); err != nil {
		// A pattern requiring payload fields cannot match an envelope whose
		// payload doesn't even decode.
		return false
	}
	return matchValue(patVal, envVal)
}

// matchKindSegment matches a slash-delimited kind against a pattern with the
// same number of segments, where a "*" segment matches any single segment and
// a segment ending in "*" (e.g. "req*") matches any segment with that prefix.
func matchKindSegment(pattern, kind string) bool {
	if pattern == kind {
		return true
	}
	patParts := strings.Split(pattern, "/")
	kindParts := strings.Split(kind, "/")
	if len(patParts) != len(kindParts) {
		return false
	}
	for i, p := range patParts {
		k := kindParts[i]
		if p == k {
			continue
		}
		if p == "*" {
			continue
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(k, strings.TrimSuffix(p, "*")) {
			continue
		}
		return false
	}
	return true
}

// matchValue implements the recursive match: every field named in the
// pattern must be present in the envelope value and satisfy its sub-pattern;
// fields absent from the pattern are unconstrained (extra envelope fields
// are always allowed).
func matchValue(pattern, value any) bool {
	switch p := pattern.(type) {
	case map[string]any:
		v, ok := value.(map[string]any)
		if !ok {
			return false
		}
		for key, subPat := range p {
			subVal, present := v[key]
			if !present {
				return false
			}
			if !matchValue(subPat, subVal) {
				return false
			}
		}
		return true
	case string:
		vs, ok := value.(string)
		if !ok {
			return false
		}
		if p == "*" {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(vs, strings.TrimSuffix(p, "*")) {
			return true
		}
		return p == vs
	case []any:
		va, ok := value.([]any)
		if !ok || len(va) != len(p) {
			return false
		}
		for i := range p {
			if !matchValue(p[i], va[i]) {
				return false
			}
		}
		return true
	default:
		// numbers, booleans, null: match by equality (json.Unmarshal produces
		// float64 for all JSON numbers on both sides, so this is safe).
		return pattern == value
	}
}

// Subset reports whether pattern "a" is implied by pattern "b" -- used by the
// grant protocol's "may not grant what it does not possess" check. a is
// implied by b if b's kind equals a's kind or is broader, and b's payload
// pattern, if any, structurally subsumes a's (b unconstrained means b is at
// least as broad as any a).
func Subset(a wire.Capability, b wire.Capability) bool {
	if !kindSubsumes(b.Kind, a.Kind) {
		return false
	}
	if len(b.Payload) == 0 {
		return true
	}
	if len(a.Payload) == 0 {
		// b constrains payload fields but a does not -- a is broader, not a subset of b.
		return false
	}
	var bVal, aVal any
	if err := json.Unmarshal(b.Payload, &bVal); err != nil {
		return false
	}
	if err := json.Unmarshal(a.Payload, &aVal); err != nil {
		return false
	}
	return valueSubsumes(bVal, aVal)
}

// kindSubsumes reports whether pattern "wide" matches everything "narrow"
// matches (wide is equal to or broader than narrow).
func kindSubsumes(wide, narrow string) bool {
	if wide == narrow {
		return true
	}
	wideParts := strings.Split(wide, "/")
	narrowParts := strings.Split(narrow, "/")
	if len(wideParts) != len(narrowParts) {
		return false
	}
	for i, w := range wideParts {
		n := narrowParts[i]
		if w == n {
			continue
		}
		if w == "*" {
			continue
		}
		if strings.HasSuffix(w, "*") && strings.HasPrefix(n, strings.TrimSuffix(w, "*")) {
			continue
		}
		return false
	}
	return true
}

func valueSubsumes(wide, narrow any) bool {
	switch w := wide.(type) {
	case map[string]any:
		n, ok := narrow.(map[string]any)
		if !ok {
			return false
		}
		for key, wv := range w {
			nv, present := n[key]
			if !present {
				return false
			}
			if !valueSubsumes(wv, nv) {
				return false
			}
		}
		return true
	case string:
		n, ok := narrow.(string)
		if !ok {
			return false
		}
		if w == "*" {
			return true
		}
		if strings.HasSuffix(w, "*") {
			return strings.HasPrefix(n, strings.TrimSuffix(w, "*"))
		}
		return w == n
	default:
		return wide == narrow
	}
}
