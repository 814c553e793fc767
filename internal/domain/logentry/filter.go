package logentry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// KindFilter selects which stream kinds pass a filter.
type KindFilter string

const (
	KindAll    KindFilter = "all"
	KindStdout KindFilter = KindFilter(Stdout)
	KindStderr KindFilter = KindFilter(Stderr)
)

// ParseKindFilter accepts "all" (or empty) and every stream kind alias known
// to ParseStreamKind.
func ParseKindFilter(s string) (KindFilter, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == string(KindAll) {
		return KindAll, nil
	}
	kind, err := ParseStreamKind(s)
	if err != nil {
		return "", fmt.Errorf("kind filter: %w", err)
	}
	return KindFilter(kind), nil
}

// ErrBadPattern wraps regular expression compile failures.
var ErrBadPattern = errors.New("invalid filter pattern")

// FilterOptions describes which entries a connection wants to see.
// The zero value passes everything.
type FilterOptions struct {
	Kind         KindFilter
	TextContains string // case-insensitive substring; empty = no constraint

	pattern string
	re      *regexp.Regexp
}

// WithPattern returns a copy of f matching entries against pattern.
// An empty pattern clears the regex constraint.
func (f FilterOptions) WithPattern(pattern string) (FilterOptions, error) {
	if pattern == "" {
		f.pattern, f.re = "", nil
		return f, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return f, fmt.Errorf("%w: %v", ErrBadPattern, err)
	}
	f.pattern, f.re = pattern, re
	return f, nil
}

// Pattern returns the source of the regex constraint, if any.
func (f FilterOptions) Pattern() string { return f.pattern }

// PassesFilter reports whether entry satisfies every configured axis of f.
// Text and regex axes see the raw message, escape sequences included, so a
// pattern may target colour codes.
func PassesFilter(entry LogEntry, f FilterOptions) bool {
	if f.Kind != "" && f.Kind != KindAll && string(f.Kind) != string(entry.Kind) {
		return false
	}
	if f.TextContains == "" && f.re == nil {
		return true
	}

	msg := entry.Message
	if f.TextContains != "" && !strings.Contains(strings.ToLower(msg), strings.ToLower(f.TextContains)) {
		return false
	}
	if f.re != nil && !f.re.MatchString(msg) {
		return false
	}
	return true
}
