package relaykit

import "strings"

const patternSeparator = ":"

// Pattern is a compiled colon-segmented matcher. Segments are literal text,
// "*" (exactly one segment) or "{name}" (exactly one segment, captured).
// A captured segment never contains the separator.
type Pattern struct {
	raw      string
	literal  bool
	segments []patternSegment
	captures []string
}

type patternSegment struct {
	text    string
	wild    bool
	capture string
}

// CompilePattern compiles a pattern. Patterns with no special characters
// short-circuit to plain string equality at match time.
func CompilePattern(pattern string) *Pattern {
	p := &Pattern{raw: pattern}

	if !strings.ContainsAny(pattern, "*{") {
		p.literal = true
		return p
	}

	parts := strings.Split(pattern, patternSeparator)
	p.segments = make([]patternSegment, len(parts))
	for i, part := range parts {
		switch {
		case part == "*":
			p.segments[i] = patternSegment{wild: true}
		case len(part) > 1 && part[0] == '{' && part[len(part)-1] == '}':
			name := part[1 : len(part)-1]
			p.segments[i] = patternSegment{capture: name}
			p.captures = append(p.captures, name)
		default:
			p.segments[i] = patternSegment{text: part}
		}
	}
	return p
}

// Raw returns the pattern source string.
func (p *Pattern) Raw() string {
	return p.raw
}

// Captures returns the capture names in declaration order.
func (p *Pattern) Captures() []string {
	return p.captures
}

// Match reports whether value matches the pattern and returns captured
// segments by name. The map is empty when there is no match or the pattern
// has no captures.
func (p *Pattern) Match(value string) (bool, map[string]string) {
	if p.literal {
		return p.raw == value, nil
	}

	parts := strings.Split(value, patternSeparator)
	if len(parts) != len(p.segments) {
		return false, nil
	}

	var params map[string]string
	for i, seg := range p.segments {
		switch {
		case seg.wild:
			// Matches exactly one segment, never crossing a separator.
		case seg.capture != "":
			if params == nil {
				params = make(map[string]string, len(p.captures))
			}
			params[seg.capture] = parts[i]
		default:
			if seg.text != parts[i] {
				return false, nil
			}
		}
	}
	return true, params
}

// MatchPattern compiles and matches in one call.
func MatchPattern(pattern, value string) (bool, map[string]string) {
	return CompilePattern(pattern).Match(value)
}
