package bus

import (
	"fmt"
	"regexp"
	"strings"
)

// compilePattern translates a subscription pattern into a regexp, once, at
// subscribe time. Grammar over dot-separated segments: "*" matches exactly
// one segment, "#" matches zero or more segments, anything else matches
// literally. Invalid patterns fail here, never at dispatch.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	segs := strings.Split(pattern, ".")
	var b strings.Builder
	b.WriteString("^")

	for i, seg := range segs {
		switch seg {
		case "":
			return nil, fmt.Errorf("pattern %q has an empty segment", pattern)
		case "#":
			if len(segs) == 1 {
				b.WriteString(".*")
			} else if i == 0 {
				b.WriteString(`(?:[^.]+\.)*`)
			} else {
				b.WriteString(`(?:\.[^.]+)*`)
			}
		case "*":
			if needsSeparator(segs, i) {
				b.WriteString(`\.`)
			}
			b.WriteString(`[^.]+`)
		default:
			if strings.ContainsAny(seg, "*#") {
				return nil, fmt.Errorf("pattern %q mixes wildcards into segment %q", pattern, seg)
			}
			if needsSeparator(segs, i) {
				b.WriteString(`\.`)
			}
			b.WriteString(regexp.QuoteMeta(seg))
		}
	}

	b.WriteString("$")
	return regexp.Compile(b.String())
}

// needsSeparator reports whether a literal dot must precede segment i. A
// leading "#" already consumes its trailing separator.
func needsSeparator(segs []string, i int) bool {
	if i == 0 {
		return false
	}
	return !(segs[i-1] == "#" && i-1 == 0)
}
