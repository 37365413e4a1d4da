package transform

import (
	"fmt"
	"regexp"
	"strings"
)

// NoiseFilter drops text-bearing frames whose text matches the
// configured rules. Patterns prefixed with "re:" are regular
// expressions; everything else is a plain substring. The rule set is
// fixed at construction.
type NoiseFilter struct {
	substrings []string
	regexps    []*regexp.Regexp
	matchAll   bool
}

// NewNoiseFilter compiles the rule set. matchMode is "any" (default) or
// "all".
func NewNoiseFilter(patterns []string, matchMode string) (*NoiseFilter, error) {
	f := &NoiseFilter{matchAll: strings.EqualFold(matchMode, "all")}
	for _, p := range patterns {
		if rest, ok := strings.CutPrefix(p, "re:"); ok {
			re, err := regexp.Compile(rest)
			if err != nil {
				return nil, fmt.Errorf("noise pattern %q: %w", p, err)
			}
			f.regexps = append(f.regexps, re)
			continue
		}
		f.substrings = append(f.substrings, p)
	}
	return f, nil
}

// Matches reports whether text should be dropped.
func (f *NoiseFilter) Matches(text string) bool {
	total := len(f.substrings) + len(f.regexps)
	if total == 0 {
		return false
	}

	hits := 0
	for _, s := range f.substrings {
		if strings.Contains(text, s) {
			if !f.matchAll {
				return true
			}
			hits++
		}
	}
	for _, re := range f.regexps {
		if re.MatchString(text) {
			if !f.matchAll {
				return true
			}
			hits++
		}
	}
	return f.matchAll && hits == total
}
