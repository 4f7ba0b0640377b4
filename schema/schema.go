// Package schema maps keys to a governing default value and an optional
// validator through an ordered rule list.
package schema

import "regexp"

// AssertFunc reports whether a candidate value is acceptable for a key.
type AssertFunc func(v any) bool

// Matcher decides whether a schema rule claims a key.
type Matcher interface {
	Match(key string) bool
}

type exactMatcher string

func (m exactMatcher) Match(key string) bool { return string(m) == key }

func (m exactMatcher) String() string { return string(m) }

type patternMatcher struct {
	re *regexp.Regexp
}

func (m patternMatcher) Match(key string) bool { return m.re.MatchString(key) }

func (m patternMatcher) String() string { return m.re.String() }

// Exact matches a single key verbatim.
func Exact(key string) Matcher {
	return exactMatcher(key)
}

// Pattern matches keys against a compiled regular expression.
func Pattern(re *regexp.Regexp) Matcher {
	return patternMatcher{re: re}
}

// PatternString compiles expr and returns a pattern matcher for it.
func PatternString(expr string) (Matcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	return Pattern(re), nil
}

// Schema is one rule: the keys it claims, the default value they start from
// and an optional validator for values flowing in or out of storage.
type Schema struct {
	Matcher Matcher
	Default any
	Assert  AssertFunc
}
