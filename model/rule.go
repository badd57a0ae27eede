package model

import "regexp"

// PathRule rewrites a folder name. A nil Replacement deletes the match.
type PathRule struct {
	Pattern     *regexp.Regexp
	Replacement *string
}

func (r PathRule) Apply(name string) string {
	if r.Replacement == nil {
		return r.Pattern.ReplaceAllLiteralString(name, "")
	}
	return r.Pattern.ReplaceAllString(name, *r.Replacement)
}

func (r PathRule) String() string {
	if r.Replacement == nil {
		return r.Pattern.String()
	}
	return r.Pattern.String() + "=>" + *r.Replacement
}
