package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dhcgn/imap-aex/session"
)

var dateDefPattern = regexp.MustCompile(`^([<>])?\s*(\d{4})(?:-(\d{1,2}))?(?:-(\d{1,2}))?(?:\s*to\s*(\d{4})(?:-(\d{1,2}))?(?:-(\d{1,2}))?)?$`)

// ParseDate turns a date definition into search bounds. A date is y, y-m or
// y-m-d and names the whole year, month or day:
//
//	2012-12-21          on this day
//	2012                during this year
//	>2012               since the start of this year
//	<2012-12-21         before this day
//	2012-04 to 2012-10  from the start of April to the end of October
func ParseDate(def string) (session.Criteria, error) {
	m := dateDefPattern.FindStringSubmatch(strings.TrimSpace(def))
	if m == nil {
		return session.Criteria{}, fmt.Errorf("invalid date definition %q", def)
	}

	from, fromEnd, err := period(m[2], m[3], m[4])
	if err != nil {
		return session.Criteria{}, fmt.Errorf("date definition %q: %w", def, err)
	}

	if m[5] != "" {
		if m[1] != "" {
			return session.Criteria{}, fmt.Errorf("date definition %q: a range takes no < or > modifier", def)
		}
		_, toEnd, err := period(m[5], m[6], m[7])
		if err != nil {
			return session.Criteria{}, fmt.Errorf("date definition %q: %w", def, err)
		}
		if !toEnd.After(from) {
			return session.Criteria{}, fmt.Errorf("date definition %q: range ends before it starts", def)
		}
		return session.Criteria{Since: from, Before: toEnd}, nil
	}

	switch m[1] {
	case ">":
		return session.Criteria{Since: from}, nil
	case "<":
		return session.Criteria{Before: from}, nil
	}
	return session.Criteria{Since: from, Before: fromEnd}, nil
}

// period returns the first day of the named period and the first day after it.
func period(y, m, d string) (start, end time.Time, err error) {
	year, _ := strconv.Atoi(y)
	if m == "" {
		start = time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(1, 0, 0), nil
	}
	month, _ := strconv.Atoi(m)
	if month < 1 || month > 12 {
		return start, end, fmt.Errorf("month %d out of range", month)
	}
	if d == "" {
		start = time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), nil
	}
	day, _ := strconv.Atoi(d)
	start = time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes 2023-02-30 to March; reject instead
	if start.Day() != day || start.Month() != time.Month(month) {
		return start, end, fmt.Errorf("no day %s-%s-%s", y, m, d)
	}
	return start, start.AddDate(0, 0, 1), nil
}
