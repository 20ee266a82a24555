// Package pattern provides URL pattern compilation and matching.
//
// Two pattern dialects are supported: glob (the default, with * and ?
// wildcards) and regex (Go RE2 syntax, used as-is and unanchored).
// Matching is pure and total: an invalid pattern never panics or
// returns an error from Matches, it simply does not match.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// MatchType selects the pattern dialect.
type MatchType string

const (
	// MatchGlob interprets the pattern as a glob: * matches any
	// sequence of characters, ? matches a single character, and the
	// whole pattern is anchored to the full URL.
	MatchGlob MatchType = "glob"

	// MatchRegex interprets the pattern as a Go regular expression,
	// unanchored and case-sensitive.
	MatchRegex MatchType = "regex"
)

// Valid reports whether t is a known match type.
func (t MatchType) Valid() bool {
	return t == MatchGlob || t == MatchRegex
}

// cache holds compiled patterns keyed by dialect-prefixed source.
// Rule sets are small and long-lived, so entries are never evicted.
var cache sync.Map // string -> *regexp.Regexp

// Matches reports whether url matches pattern under the given match type.
// It never returns an error: an invalid regex or unknown match type
// yields false.
func Matches(url, pat string, t MatchType) bool {
	re, err := compile(pat, t)
	if err != nil {
		return false
	}
	return re.MatchString(url)
}

// Validate checks that pattern compiles under the given match type.
// Glob patterns always compile; regex patterns must be valid RE2.
func Validate(pat string, t MatchType) error {
	_, err := compile(pat, t)
	return err
}

// Source returns the regex source a pattern compiles to: glob patterns
// are converted and anchored, regex patterns are returned verbatim
// after a compile check.
func Source(pat string, t MatchType) (string, error) {
	re, err := compile(pat, t)
	if err != nil {
		return "", err
	}
	return re.String(), nil
}

func compile(pat string, t MatchType) (*regexp.Regexp, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown match type %q", t)
	}
	key := string(t) + "\x00" + pat
	if cached, ok := cache.Load(key); ok {
		return cached.(*regexp.Regexp), nil
	}

	src := pat
	if t == MatchGlob {
		src = globToRegex(pat)
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, err
	}
	cache.Store(key, re)
	return re, nil
}

// globToRegex converts a glob pattern to an anchored regex source:
// every regex metacharacter except * and ? is escaped, then * maps to
// .* and ? maps to . — so "" matches only the empty string and "*"
// matches everything.
func globToRegex(pat string) string {
	var b strings.Builder
	b.Grow(len(pat) + 4)
	b.WriteString("^")
	for _, r := range pat {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}
