// Package filter narrows the selected messages with regular expressions on the
// raw header block and body.
package filter

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/imap-aex/model"
)

// ErrModeConflict is returned when include and exclude patterns are mixed.
var ErrModeConflict = errors.New("include and exclude filters are mutually exclusive")

type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Filter decides whether a message is considered at all. A nil *Filter
// allows everything.
type Filter struct {
	include  patternSet
	exclude  patternSet
	describe string
}

type patternSet struct {
	header []*regexp.Regexp
	body   []*regexp.Regexp
}

func (s patternSet) empty() bool {
	return len(s.header) == 0 && len(s.body) == 0
}

// match returns the first pattern matching the header or body text, or "".
func (s patternSet) match(header, body []byte) string {
	for _, re := range s.header {
		if re.Match(header) {
			return "header " + re.String()
		}
	}
	if len(s.body) == 0 {
		return ""
	}
	for _, re := range s.body {
		if re.Match(body) {
			return "body " + re.String()
		}
	}
	return ""
}

// New compiles opts. It returns nil when no pattern is configured.
func New(opts Options) (*Filter, error) {
	var (
		f   Filter
		err error
	)
	if f.include.header, err = compilePatterns(opts.IncludeHeader); err != nil {
		return nil, fmt.Errorf("include-header: %w", err)
	}
	if f.include.body, err = compilePatterns(opts.IncludeBody); err != nil {
		return nil, fmt.Errorf("include-body: %w", err)
	}
	if f.exclude.header, err = compilePatterns(opts.ExcludeHeader); err != nil {
		return nil, fmt.Errorf("exclude-header: %w", err)
	}
	if f.exclude.body, err = compilePatterns(opts.ExcludeBody); err != nil {
		return nil, fmt.Errorf("exclude-body: %w", err)
	}

	switch {
	case !f.include.empty() && !f.exclude.empty():
		return nil, ErrModeConflict
	case !f.include.empty():
		f.describe = "include"
	case !f.exclude.empty():
		f.describe = "exclude"
	default:
		return nil, nil
	}
	return &f, nil
}

// Mode returns "include", "exclude" or "" for a nil filter.
func (f *Filter) Mode() string {
	if f == nil {
		return ""
	}
	return f.describe
}

// Allows reports whether msg passes, and when it does not, why.
func (f *Filter) Allows(msg *model.Message) (bool, string) {
	if f == nil {
		return true, ""
	}
	header, body := SplitRawMessage(msg.Raw)

	if !f.include.empty() {
		if f.include.match(header, body) == "" {
			return false, "no include pattern matched"
		}
		return true, ""
	}
	if hit := f.exclude.match(header, body); hit != "" {
		return false, "excluded by " + hit
	}
	return true, ""
}

// SplitRawMessage splits a raw message at the first empty line.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	var compiled []*regexp.Regexp
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		// header lines are matched individually
		re, err := regexp.Compile("(?m)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
