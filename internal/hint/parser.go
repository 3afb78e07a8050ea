package hint

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Hints is the parsed key→value mapping of one hint file. Values are
// stored exactly as normalized by Parse (multi-valued keys already
// split/trim/sort/joined).
type Hints map[string]string

// Result is the outcome of parsing one hint file: the hints themselves
// plus accumulated errors and warnings. A non-empty Errors means the file
// fails (spec.md §4.2: "parse-errors fails the file"); Warnings never do.
type Result struct {
	Hints    Hints
	Errors   []string
	Warnings []string
}

// OK reports whether the file parsed without fatal errors.
func (r *Result) OK() bool { return len(r.Errors) == 0 }

var (
	kvPattern      = regexp.MustCompile(`(?s)^([^:\s]+):\s*(.*)$`)
	messagePattern = regexp.MustCompile(`(?s)^(\S+)\s+(\S.*)`)
	sdescTrailDot  = regexp.MustCompile(`\."$`)
	leadingQuoteWS = regexp.MustCompile(`^"[ \t]`)
)

// Parse parses content (the full bytes of a hint file, already decoded as
// UTF-8 by the caller's scan step — see internal/pkgset) as a hint file of
// the given kind. strict additionally requires homepage (and suggests
// license) on SPVR hints, matching the "strict" mode genini applies to
// freshly-generated source hints.
func Parse(content string, kind Kind, strict bool) *Result {
	r := &Result{Hints: Hints{}}
	var rawRequires string
	var hasRequires bool

	if !utf8.ValidString(content) {
		r.Errors = append(r.Errors, "invalid UTF-8")
		return r
	}

	keys := keysFor(kind)

	for _, it := range lexItems(content) {
		if it.err != "" {
			r.Errors = append(r.Errors, fmt.Sprintf("%s at line %d", it.err, it.line))
		}
		if n := strings.Count(it.text, `"`); n != 0 && n != 2 {
			r.Errors = append(r.Errors, fmt.Sprintf("embedded quote at line %d", it.line))
		}

		m := kvPattern.FindStringSubmatch(it.text)
		if m == nil {
			r.Errors = append(r.Errors, fmt.Sprintf("unknown construct %q at line %d", it.text, it.line))
			continue
		}
		key, value := m[1], m[2]

		if key == "requires" {
			rawRequires = value
			hasRequires = true
		}

		if keys != nil {
			valtype, known := keys[key]
			if !known {
				r.Errors = append(r.Errors, fmt.Sprintf("unknown key %s at line %d", key, it.line))
				continue
			}
			if _, dup := r.Hints[key]; dup {
				r.Errors = append(r.Errors, fmt.Sprintf("duplicate key %s", key))
			}
			if valtype == Val && len(value) == 0 {
				r.Errors = append(r.Errors, fmt.Sprintf("%s has empty value", key))
			}
			if valtype == NoVal && len(value) != 0 {
				r.Errors = append(r.Errors, fmt.Sprintf("%s has non-empty value '%s'", key, value))
			}
			if valtype != MultilineVal && strings.Contains(value, "\n") {
				r.Errors = append(r.Errors, fmt.Sprintf("key %s has multi-line value", key))
			}
		}

		if key == "category" {
			for _, c := range strings.Fields(value) {
				if !Categories[strings.ToLower(c)] {
					r.Errors = append(r.Errors, fmt.Sprintf("unknown category '%s'", c))
				}
			}
		}

		if key == "sdesc" || key == "ldesc" {
			if !(strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`)) {
				r.Errors = append(r.Errors, fmt.Sprintf("%s value '%s' should be quoted", key, value))
			}
			fixed, msgs := typofix(value)
			if len(msgs) > 0 {
				r.Warnings = append(r.Warnings, fmt.Sprintf("%s in %s", strings.Join(msgs, ","), key))
			}
			value = fixed
		}

		if key == "sdesc" {
			if sdescTrailDot.MatchString(value) {
				r.Warnings = append(r.Warnings, "sdesc ends with '.'")
				value = sdescTrailDot.ReplaceAllString(value, `"`)
			}
			if strings.Contains(value, "  ") {
				r.Warnings = append(r.Warnings, "sdesc contains '  '")
				value = strings.ReplaceAll(value, "  ", " ")
			}
		}

		if key == "message" && !messagePattern.MatchString(value) {
			r.Errors = append(r.Errors, "message value must have id and text")
		}

		if key == "license" {
			if norm, err := normalizeSPDX(value); err != nil {
				r.Errors = append(r.Errors, fmt.Sprintf("errors parsing license expression: %s", err))
			} else if norm != value {
				r.Errors = append(r.Errors, fmt.Sprintf("license expression: '%s' normalizes to '%s'", value, norm))
			}
		}

		if leadingQuoteWS.MatchString(value) {
			r.Warnings = append(r.Warnings, fmt.Sprintf("value for key %s starts with quoted whitespace", key))
		}

		r.Hints[key] = value
	}

	if _, hasSkip := r.Hints["skip"]; hasSkip && len(r.Hints) == 1 {
		r.Errors = append(r.Errors, "hint only contains skip: key, please update to a current packaging tool")
	}

	if kind == PVR || kind == SPVR {
		mandatory := []string{"category", "sdesc"}
		if kind == SPVR && strict {
			mandatory = append(mandatory, "homepage")
		}
		for _, k := range mandatory {
			if _, ok := r.Hints[k]; !ok {
				r.Errors = append(r.Errors, fmt.Sprintf("required key '%s' missing", k))
			}
		}

		if kind == SPVR && strict {
			if _, ok := r.Hints["license"]; !ok {
				r.Warnings = append(r.Warnings, "key 'license' missing")
			}
		}
	}

	if ldesc, ok := r.Hints["ldesc"]; ok {
		if sdesc, ok := r.Hints["sdesc"]; ok && len(sdesc) > 2*len(ldesc) {
			r.Warnings = append(r.Warnings, "sdesc is much longer than ldesc")
		}
	}

	if v, ok := r.Hints["requires"]; ok {
		r.Hints["requires"] = splitTrimSortJoin(v, splitFields, " ")
	}
	if v, ok := r.Hints["build-depends"]; ok {
		if strings.Contains(v, ",") {
			r.Hints["build-depends"] = splitTrimSortJoin(v, splitComma, ", ")
		} else {
			r.Hints["build-depends"] = splitTrimSortJoin(v, splitFields, ", ")
		}
	}
	if v, ok := r.Hints["obsoletes"]; ok {
		if strings.Contains(v, ",") {
			r.Hints["obsoletes"] = splitTrimSortJoin(v, splitComma, ", ")
		} else {
			r.Hints["obsoletes"] = splitTrimSortJoin(v, splitFields, ", ")
		}
	}
	if v, ok := r.Hints["replace-versions"]; ok {
		r.Hints["replace-versions"] = splitTrimSortJoin(v, splitFields, " ")
	}

	// requires is transliterated into depends (§4.2), grouping each atom
	// with its trailing "(version constraint)" and comma-joining the
	// result — see original_source/calm/package.py's
	// process_package_constraint_list/read_hints — rather than the plain
	// whitespace split/join requires: itself gets above.
	if hasRequires {
		r.Hints["depends"] = strings.Join(processPackageConstraintList(rawRequires), ", ")
	}

	return r
}

func splitFields(s string) []string { return strings.Fields(s) }
func splitComma(s string) []string  { return strings.Split(s, ",") }

var (
	atomConstraintPattern = regexp.MustCompile(`^(.*)\s+\(.*?\)$`)
	pclTokenPattern       = regexp.MustCompile(`\(.*?\)|\s+`)
)

// processPackageConstraintList splits a requires: value into dependency
// atoms, grouping each package name with its optional trailing
// "(constraint)", deduping by package name (last constraint wins, a later
// bare name clears a prior constraint), and returning the atoms in sorted
// order — a direct translation of package.py's
// process_package_constraint_list.
func processPackageConstraintList(pcl string) []string {
	deplist := map[string]string{}

	if strings.Contains(pcl, ",") {
		for _, r := range strings.Split(pcl, ",") {
			r = strings.TrimSpace(r)
			if r == "" {
				continue
			}
			item := atomConstraintPattern.ReplaceAllString(r, "$1")
			deplist[item] = r
		}
	} else {
		var item string
		for _, r := range splitKeepingParens(pcl) {
			r = strings.TrimSpace(r)
			if r == "" {
				continue
			}
			if strings.HasPrefix(r, "(") {
				if item == "" || strings.Contains(deplist[item], "(") {
					continue
				}
				deplist[item] = item + " " + r
			} else {
				item = r
				deplist[item] = r
			}
		}
	}

	result := make([]string, 0, len(deplist))
	for _, v := range deplist {
		result = append(result, v)
	}
	sort.Strings(result)
	return result
}

// splitKeepingParens splits pcl on runs of whitespace or "(...)" groups,
// keeping the matched delimiters as their own tokens (mirroring Python's
// re.split with a capturing group), so a "(constraint)" immediately
// following a package name survives as a distinct, reattachable token.
func splitKeepingParens(s string) []string {
	var tokens []string
	last := 0
	for _, loc := range pclTokenPattern.FindAllStringIndex(s, -1) {
		if loc[0] > last {
			tokens = append(tokens, s[last:loc[0]])
		}
		tokens = append(tokens, s[loc[0]:loc[1]])
		last = loc[1]
	}
	if last < len(s) {
		tokens = append(tokens, s[last:])
	}
	return tokens
}

func splitTrimSortJoin(s string, split func(string) []string, join string) string {
	parts := split(s)
	trimmed := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			trimmed = append(trimmed, p)
		}
	}
	sort.Strings(trimmed)
	return strings.Join(trimmed, join)
}

var typoWords = [][2]string{
	{" accomodates ", " accommodates "},
	{" consistant ", " consistent "},
	{" examing ", " examining "},
	{" extremly ", " extremely "},
	{" interm ", " interim "},
	{" procesors ", " processors "},
	{" utilitzed ", " utilized "},
	{" utilties ", " utilities "},
}

func typofix(v string) (string, []string) {
	var msgs []string
	for _, pair := range typoWords {
		wrong, right := pair[0], pair[1]
		if strings.Contains(v, wrong) {
			v = strings.ReplaceAll(v, wrong, right)
			msgs = append(msgs, fmt.Sprintf("%s -> %s", strings.TrimSpace(wrong), strings.TrimSpace(right)))
		}
	}
	return v, msgs
}
