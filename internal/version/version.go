// Package version handles patch version identifiers.
//
// A version is a 10-digit string encoding YYYYMMDDHH. Because every identifier
// has the same width and is zero-padded, plain string comparison orders
// versions chronologically.
package version

import (
	"fmt"
	"regexp"
	"slices"
	"time"
)

// Layout is the time layout of a version identifier.
const Layout = "2006010215"

var (
	pattern      = regexp.MustCompile(`^\d{10}$`)
	displayParts = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})(\d{2})$`)
)

// Valid reports whether v is a well-formed version identifier.
func Valid(v string) bool {
	return pattern.MatchString(v)
}

// Validate returns an error describing why v is not a version identifier.
func Validate(v string) error {
	if v == "" {
		return fmt.Errorf("version is empty")
	}
	if !Valid(v) {
		return fmt.Errorf("version %q must be 10 digits (YYYYMMDDHH)", v)
	}
	return nil
}

// Time parses v as an hour in UTC.
func Time(v string) (time.Time, error) {
	if err := Validate(v); err != nil {
		return time.Time{}, err
	}
	return time.Parse(Layout, v)
}

// Display renders v as "YYYY-MM-DD HH:00". Strings that are not 10 digits
// are returned unchanged.
func Display(v string) string {
	m := displayParts.FindStringSubmatch(v)
	if m == nil {
		return v
	}
	return m[1] + "-" + m[2] + "-" + m[3] + " " + m[4] + ":00"
}

// FromTime returns the identifier for the hour containing t in loc.
func FromTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(Layout)
}

// Latest returns the greatest version in vs, or "" if vs is empty.
func Latest(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return slices.Max(vs)
}

// SortedUnique returns vs sorted ascending with duplicates and blank entries
// removed. The input slice is not modified.
func SortedUnique(vs []string) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
