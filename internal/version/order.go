// Package version implements the total order on package version-release
// strings described by spec.md §4.1. The algorithm reproduces, token for
// token, the legacy ordering relied on by installer clients: split on the
// last hyphen into V and R, tokenize each side into alternating numeric and
// alphabetic runs discarding separators, strip leading zeros, then compare
// elementwise with digit-runs sorting after non-digit runs and a
// longer-matching-prefix winning ties.
package version

import (
	"regexp"
	"sort"
)

var (
	runPattern       = regexp.MustCompile(`\d+|[a-zA-Z]+|[^a-zA-Z\d]+`)
	separatorPattern = regexp.MustCompile(`^[^a-zA-Z\d]+$`)
	leadingZeros     = regexp.MustCompile(`^0+(\d)`)
)

// SetupVersion is a parsed V-R version string, ready for ordering against
// other SetupVersion values. It is immutable once constructed.
type SetupVersion struct {
	raw string
	v   []string
	r   []string
}

// Parse tokenizes a version-release string into its V and R sequences.
// There is no error return: every string is a well-formed total-order
// input, including the empty string.
func Parse(s string) SetupVersion {
	v, r := splitVR(s)
	return SetupVersion{
		raw: s,
		v:   tokenize(v),
		r:   tokenize(r),
	}
}

func (sv SetupVersion) String() string { return sv.raw }

// splitVR splits on the final hyphen, if any; a string with no hyphen has
// an empty R, matching Python's rsplit('-', 1) + padding idiom.
func splitVR(s string) (v, r string) {
	idx := -1
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '-' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx+1:]
}

func tokenize(s string) []string {
	matches := runPattern.FindAllString(s, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if separatorPattern.MatchString(m) {
			continue
		}
		out = append(out, leadingZeros.ReplaceAllString(m, "$1"))
	}
	return out
}

func isDigitRun(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// compare implements SetupVersion._compare: elementwise comparison of two
// tokenized sequences.
func compare(a, b []string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		aDigit, bDigit := isDigitRun(a[i]), isDigitRun(b[i])
		if aDigit != bDigit {
			if aDigit {
				return 1
			}
			return -1
		}
		if aDigit {
			if c := compareInt(len(a[i]), len(b[i])); c != 0 {
				return c
			}
		}
		if c := compareStr(a[i], b[i]); c != 0 {
			return c
		}
	}
	return compareInt(len(a), len(b))
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareStr(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Compare returns -1, 0 or 1 as a is less than, equal to, or greater than
// b, comparing V first and then, if V is equal, R.
func Compare(a, b SetupVersion) int {
	if c := compare(a.v, b.v); c != 0 {
		return c
	}
	return compare(a.r, b.r)
}

// Less reports whether a orders strictly before b.
func Less(a, b SetupVersion) bool { return Compare(a, b) < 0 }

// Equal reports whether a and b are order-equivalent (not necessarily
// textually identical: "1.0-01" and "1.0-1" are Equal).
func Equal(a, b SetupVersion) bool { return Compare(a, b) == 0 }

// Sort orders vs in place, ascending.
func Sort(vs []SetupVersion) {
	sort.Slice(vs, func(i, j int) bool { return Less(vs[i], vs[j]) })
}

// Max returns the greatest version in vs. It panics if vs is empty; callers
// in this codebase always guard for the empty-package-has-no-versions case
// themselves (spec.md §4.6 step 7 treats that as a validation error, not a
// panic).
func Max(vs []SetupVersion) SetupVersion {
	best := vs[0]
	for _, v := range vs[1:] {
		if Less(best, v) {
			best = v
		}
	}
	return best
}
