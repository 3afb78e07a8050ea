// Package validate implements the Validator described in spec.md §4.6: a
// pipeline of steps run over a merged, per-arch PackageSet view. Each step
// accumulates errors rather than aborting, and the whole pipeline returns
// a single success flag so the caller (the Orchestrator, both for its
// relarea check and for a maintainer's merged uploads) can decide what a
// failure means.
package validate

import (
	"strings"

	"github.com/release-area/calm/internal/calmerr"
	"github.com/release-area/calm/internal/pkgset"
	"github.com/release-area/calm/internal/version"
)

// Exemptions holds the documented exemption lists referenced throughout
// spec.md §4.6 (steps 2, 10, 12). These are configuration, not hardcoded
// historical trivia specific to any one distribution's package set — see
// SPEC_FULL.md's treatment of "documented exemptions" and DESIGN.md.
type Exemptions struct {
	// HistoricalProvides are provides atoms known to have existed in the
	// past even though no live package currently provides them.
	HistoricalProvides map[string]bool
	// ExpiredProvides are provides atoms that are permitted to be
	// referenced but are never resolvable (a documented wind-down).
	ExpiredProvides map[string]bool
	// NonexistentProvidesPatterns are regex-like glob prefixes (matched
	// via strings.HasPrefix for simplicity) exempted from the
	// missing-provides check.
	NonexistentProvidesPatterns []string
	// SelfDependsAllowed lists packages permitted to depend on
	// themselves (step 2).
	SelfDependsAllowed map[string]bool
	// SelfSourced lists binary packages exempted from requiring a
	// same-version source counterpart (step 10).
	SelfSourced map[string]bool
	// SoversionPackages and VersionedRuntimeSubpackages are exempted from
	// the cross-arch best_version uniqueness check (step 12).
	SoversionPackages           map[string]bool
	VersionedRuntimeSubpackages map[string]bool
	// CurrMostRecentExempt disables the mtime/version-order check (step 8)
	// globally when set.
	CurrMostRecentExempt bool
	// MissingDependsCheckDisabled disables the missing-*-package check
	// globally (step 2); a package's own `disable-check` override hint
	// disables it per-package regardless of this flag.
	MissingDependsCheckDisabled bool
}

// Config bundles the Exemptions with the set of recognized architectures
// (common_constants.ARCHES) needed by cross-arch checks.
type Config struct {
	Exemptions Exemptions
	Arches     []string
}

// Result is the annotated outcome of running the pipeline.
type Result struct {
	OK       bool
	Errors   []string
	Warnings []string
}

// Run executes all 14 steps of spec.md §4.6 in order against packages (the
// merged-arch view produced by pkgset.MergedView), mutating the derived
// fields of each Package in place (RDepends, BuildRDepends, ObsoletedBy,
// IsUsedBy, NotForOutput, BestVersion, Importance) and returns whether the
// set as a whole is valid.
func Run(cfg Config, packages map[string]*pkgset.Package) *Result {
	res := &Result{OK: true}
	var ec calmerr.Collector

	validTargets := step1ValidTargets(packages, cfg.Exemptions)
	step2DependsResolve(packages, validTargets, cfg.Exemptions, &ec)
	step3ExternalSourceExists(packages, &ec)
	step4AddMissingObsoletes(packages)
	step5PruneObsoletedDepends(packages)
	step6MarkNotForOutput(packages)
	step7BestVersion(packages, &ec)
	step8CurrMtimeCheck(packages, cfg.Exemptions, &ec)
	step9ReplaceVersions(packages, &ec)
	step10SourceBinaryCoupling(packages, cfg.Exemptions, &ec)
	step11SourceReferenced(packages, &ec)
	step12CrossArchBestVersion(packages, cfg.Exemptions, &ec)
	step13InverseEdges(packages)
	step14Importance(packages)

	for _, e := range ec.Errors {
		res.Errors = append(res.Errors, e.Error())
	}
	res.OK = len(res.Errors) == 0
	return res
}

// step1ValidTargets builds the set of valid require-targets: all package
// names union all `provides` atoms across all versions, plus the
// configured historical/expired provides exemptions (so later steps don't
// need to re-consult the exemption tables for membership).
func step1ValidTargets(packages map[string]*pkgset.Package, ex Exemptions) map[string]bool {
	valid := map[string]bool{}
	for name, p := range packages {
		valid[name] = true
		for _, v := range p.Versions {
			for _, atom := range splitProvidesAtoms(v.Hints["provides"]) {
				valid[atomName(atom)] = true
			}
		}
	}
	for n := range ex.HistoricalProvides {
		valid[n] = true
	}
	for n := range ex.ExpiredProvides {
		valid[n] = true
	}
	return valid
}

// step2DependsResolve walks depends/obsoletes/build-depends for each
// version, verifying every atom resolves, rejecting source packages as
// targets, and reporting self-dependency as an error (except exemptions).
func step2DependsResolve(packages map[string]*pkgset.Package, validTargets map[string]bool, ex Exemptions, ec *calmerr.Collector) {
	for name, p := range packages {
		disableCheck := p.Override["disable-check"] != "" || ex.MissingDependsCheckDisabled
		for vr, v := range p.Versions {
			for _, field := range []string{"depends", "obsoletes", "build-depends"} {
				for _, atom := range splitAtoms(v.Hints[field]) {
					target := atomName(atom)
					if target == "" {
						continue
					}
					if target == name && !ex.SelfDependsAllowed[name] {
						ec.Addf("%s-%s: depends on itself via %s", name, vr, field)
					}
					if other, ok := packages[target]; ok && other.Kind == pkgset.Source {
						ec.Addf("%s-%s: %s names source package %s", name, vr, field, target)
					}
					if !validTargets[target] && !exemptedByPattern(target, ex.NonexistentProvidesPatterns) {
						if !disableCheck {
							ec.Addf("%s-%s: missing %s target %s", name, vr, field, target)
						}
					}
				}
			}
		}
	}
}

func exemptedByPattern(target string, patterns []string) bool {
	for _, pat := range patterns {
		if strings.HasPrefix(target, pat) {
			return true
		}
	}
	return false
}

// step3ExternalSourceExists verifies the external-source hint, when
// present, names an existing package.
func step3ExternalSourceExists(packages map[string]*pkgset.Package, ec *calmerr.Collector) {
	for name, p := range packages {
		for vr, v := range p.Versions {
			src := v.Hints["external-source"]
			if src == "" {
				continue
			}
			if _, ok := packages[pkgset.SourceName(src)]; !ok {
				ec.Addf("%s-%s: external-source %s does not exist", name, vr, src)
			}
		}
	}
}

// step4AddMissingObsoletes synthesizes `obsoletes:` edges from historical
// gap packages: an empty, `_obsolete`-category package whose sole depends
// names its replacement implicitly obsoletes that replacement's old name,
// even when no hint author ever wrote the obsoletes key by hand. Recurses
// through transitive gaps (A obsoleted-by B obsoleted-by C).
func step4AddMissingObsoletes(packages map[string]*pkgset.Package) {
	changed := true
	for changed {
		changed = false
		for name, p := range packages {
			if p.Kind != pkgset.Binary {
				continue
			}
			for vr, v := range p.Versions {
				if v.Tar == nil || !v.Tar.IsEmpty {
					continue
				}
				if !hasCategory(v.Hints, "_obsolete") {
					continue
				}
				deps := splitAtoms(v.Hints["depends"])
				if len(deps) != 1 {
					continue
				}
				target := atomName(deps[0])
				tp, ok := packages[target]
				if !ok {
					continue
				}
				for _, tv := range tp.Versions {
					if !containsAtom(tv.Hints["obsoletes"], name) {
						tv.Hints["obsoletes"] = appendAtom(tv.Hints["obsoletes"], name)
						changed = true
					}
				}
				_ = vr
			}
		}
	}
}

func hasCategory(h map[string]string, cat string) bool {
	for _, c := range strings.Fields(h["category"]) {
		if strings.EqualFold(strings.Trim(c, `"`), cat) {
			return true
		}
	}
	return false
}

// step5PruneObsoletedDepends removes, from each package's depends, any
// package it is obsoleted by — `depends` was synthesized from the legacy
// `requires` key, which legitimately carried obsoletion hints for upgrade
// purposes but must not remain an install-time dependency.
func step5PruneObsoletedDepends(packages map[string]*pkgset.Package) {
	for name, p := range packages {
		for _, v := range p.Versions {
			deps := splitAtoms(v.Hints["depends"])
			var kept []string
			for _, d := range deps {
				target := atomName(d)
				if tp, ok := packages[target]; ok && containsAtom(firstVersionHints(tp)["obsoletes"], name) {
					continue
				}
				kept = append(kept, d)
			}
			v.Hints["depends"] = strings.Join(kept, ", ")
		}
	}
}

func firstVersionHints(p *pkgset.Package) map[string]string {
	for _, v := range p.Versions {
		return v.Hints
	}
	return map[string]string{}
}

// step6MarkNotForOutput marks binary packages whose tars are all empty and
// which have no depends as not_for_output: pure metadata carriers with
// nothing for an installer to fetch or depend through.
func step6MarkNotForOutput(packages map[string]*pkgset.Package) {
	for _, p := range packages {
		if p.Kind != pkgset.Binary {
			continue
		}
		allEmpty := true
		anyDepends := false
		for _, v := range p.Versions {
			if v.Tar != nil && !v.Tar.IsEmpty {
				allEmpty = false
			}
			if v.Hints["depends"] != "" {
				anyDepends = true
			}
		}
		if allEmpty && !anyDepends {
			p.NotForOutput = true
		}
	}
}

// step7BestVersion computes, per package, the highest non-test version if
// any exist, else the highest version overall; a package with no versions
// at all is an error.
func step7BestVersion(packages map[string]*pkgset.Package, ec *calmerr.Collector) {
	for name, p := range packages {
		var nonTest, all []version.SetupVersion
		for vr, v := range p.Versions {
			all = append(all, v.V)
			if !v.Test {
				nonTest = append(nonTest, v.V)
			}
			_ = vr
		}
		if len(all) == 0 {
			ec.Addf("%s: no versions", name)
			continue
		}
		var best version.SetupVersion
		if len(nonTest) > 0 {
			best = version.Max(nonTest)
		} else {
			best = version.Max(all)
		}
		p.BestVersion = best.String()
	}
}

// step8CurrMtimeCheck verifies that among non-test versions, the most
// recently modified one is also the greatest by version order.
func step8CurrMtimeCheck(packages map[string]*pkgset.Package, ex Exemptions, ec *calmerr.Collector) {
	if ex.CurrMostRecentExempt {
		return
	}
	for name, p := range packages {
		if p.Override["disable-check"] == "curr-most-recent" {
			continue
		}
		var newestMtime int64 = -1
		var newestVR string
		var bestVR string
		var best version.SetupVersion
		first := true
		for vr, v := range p.Versions {
			if v.Test {
				continue
			}
			if v.Tar != nil && v.Tar.ModTime > newestMtime {
				newestMtime = v.Tar.ModTime
				newestVR = vr
			}
			if first || version.Less(best, v.V) {
				best = v.V
				bestVR = vr
				first = false
			}
		}
		if newestVR != "" && bestVR != "" && newestVR != bestVR {
			ec.Addf("%s: most recently modified version %s is not the greatest version %s", name, newestVR, bestVR)
		}
	}
}

// step9ReplaceVersions verifies replace-versions entries are strictly less
// than best_version and do not clash with an installable version.
func step9ReplaceVersions(packages map[string]*pkgset.Package, ec *calmerr.Collector) {
	for name, p := range packages {
		rv := p.Override["replace-versions"]
		if rv == "" {
			continue
		}
		best := version.Parse(p.BestVersion)
		for _, vr := range strings.Fields(rv) {
			pv := version.Parse(vr)
			if !version.Less(pv, best) {
				ec.Addf("%s: replace-versions entry %s is not less than best_version %s", name, vr, p.BestVersion)
			}
			if _, exists := p.Versions[vr]; exists {
				ec.Addf("%s: replace-versions entry %s clashes with an installable version", name, vr)
			}
		}
	}
}

// step10SourceBinaryCoupling verifies every binary version has a
// same-version source in its external-source package, except for empty
// install tars and explicitly self-sourced packages.
func step10SourceBinaryCoupling(packages map[string]*pkgset.Package, ex Exemptions, ec *calmerr.Collector) {
	for name, p := range packages {
		if p.Kind != pkgset.Binary || ex.SelfSourced[name] {
			continue
		}
		for vr, v := range p.Versions {
			if v.Tar != nil && v.Tar.IsEmpty {
				continue
			}
			src := v.Hints["external-source"]
			if src == "" {
				src = strings.TrimSuffix(name, "-src")
			}
			sp, ok := packages[pkgset.SourceName(src)]
			if !ok {
				ec.Addf("%s-%s: no source package %s", name, vr, src)
				continue
			}
			sv, ok := sp.Versions[vr]
			if !ok {
				ec.Addf("%s-%s: source package %s has no matching version", name, vr, src)
				continue
			}
			if sv.Tar != nil {
				sv.Tar.IsUsed = true
			}
			if v.Tar != nil {
				v.Tar.IsUsed = true
			}
		}
	}
}

// step11SourceReferenced verifies every non-empty, non-obsolete source
// version is referenced by at least one non-empty binary version (the
// inverse of step 10's linkage, detecting source with no consumer).
func step11SourceReferenced(packages map[string]*pkgset.Package, ec *calmerr.Collector) {
	for name, p := range packages {
		if p.Kind != pkgset.Source || p.Obsolete {
			continue
		}
		for vr, v := range p.Versions {
			if v.Tar == nil || v.Tar.IsEmpty {
				continue
			}
			if !v.Tar.IsUsed {
				ec.Addf("%s-%s: source is not referenced by any binary version", name, vr)
			}
		}
	}
}

// step12CrossArchBestVersion verifies all binary packages sharing a source
// package have the same best_version, with documented exemptions for
// soversion-named packages, versioned language-runtime subpackages, and a
// package's own `unique-version` override.
func step12CrossArchBestVersion(packages map[string]*pkgset.Package, ex Exemptions, ec *calmerr.Collector) {
	bySource := map[string][]string{}
	for name, p := range packages {
		if p.Kind != pkgset.Binary {
			continue
		}
		src := firstVersionHints(p)["external-source"]
		if src == "" {
			src = name
		}
		bySource[src] = append(bySource[src], name)
	}

	for src, names := range bySource {
		var want string
		for _, name := range names {
			p := packages[name]
			if ex.SoversionPackages[name] || ex.VersionedRuntimeSubpackages[name] || p.Override["unique-version"] != "" {
				continue
			}
			if want == "" {
				want = p.BestVersion
				continue
			}
			if p.BestVersion != want {
				ec.Addf("%s: best_version %s disagrees with sibling packages of source %s (want %s)", name, p.BestVersion, src, want)
			}
		}
	}
}

// step13InverseEdges rebuilds rdepends, build_rdepends, obsoleted_by and
// is_used_by from the forward edges computed above. These are never
// persisted across cycles (spec.md §9): every cycle rebuilds them fresh.
func step13InverseEdges(packages map[string]*pkgset.Package) {
	for name, p := range packages {
		for _, v := range p.Versions {
			for _, atom := range splitAtoms(v.Hints["depends"]) {
				if target, ok := packages[atomName(atom)]; ok {
					target.RDepends[name] = true
				}
			}
			for _, atom := range splitAtoms(v.Hints["build-depends"]) {
				if target, ok := packages[atomName(atom)]; ok {
					target.BuildRDepends[name] = true
				}
			}
			for _, atom := range splitAtoms(v.Hints["obsoletes"]) {
				if target, ok := packages[atomName(atom)]; ok {
					target.ObsoletedBy[name] = true
				}
			}
			if src := v.Hints["external-source"]; src != "" {
				if target, ok := packages[pkgset.SourceName(src)]; ok {
					target.IsUsedBy[name] = true
				}
			} else if p.Kind == pkgset.Binary {
				if target, ok := packages[pkgset.SourceName(name)]; ok {
					target.IsUsedBy[name] = true
				}
			}
		}
	}
}

// step14Importance assigns importance: every base-category package gets
// Base, transitively close Base along depends into BaseDep, everything
// else is Other; source packages inherit the minimum importance of their
// binaries.
func step14Importance(packages map[string]*pkgset.Package) {
	for _, p := range packages {
		if p.Kind == pkgset.Binary && hasAnyCategory(p, "base") {
			p.Importance = pkgset.Base
		}
	}
	changed := true
	for changed {
		changed = false
		for name, p := range packages {
			if p.Kind != pkgset.Binary || p.Importance == pkgset.Other {
				continue
			}
			for _, v := range p.Versions {
				for _, atom := range splitAtoms(v.Hints["depends"]) {
					target, ok := packages[atomName(atom)]
					if !ok || target.Kind != pkgset.Binary {
						continue
					}
					if target.Importance == pkgset.Other {
						target.Importance = pkgset.BaseDep
						changed = true
					}
				}
			}
			_ = name
		}
	}
	for name, p := range packages {
		if p.Kind != pkgset.Source {
			continue
		}
		min := pkgset.Base
		found := false
		for binName, bp := range packages {
			if bp.Kind != pkgset.Binary {
				continue
			}
			if firstVersionHints(bp)["external-source"] == strings.TrimSuffix(name, "-src") || binName == strings.TrimSuffix(name, "-src") {
				found = true
				if bp.Importance < min {
					min = bp.Importance
				}
			}
		}
		if found {
			p.Importance = min
		}
	}
}

func hasAnyCategory(p *pkgset.Package, cat string) bool {
	for _, v := range p.Versions {
		if hasCategory(v.Hints, cat) {
			return true
		}
	}
	return false
}

// splitAtoms splits a canonicalized depends/obsoletes/build-depends list —
// always ", "-joined by internal/hint.Parse — on commas only, so a
// "(version constraint)" atom's internal whitespace is kept with its
// package name instead of being torn apart into separate bogus tokens.
func splitAtoms(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	atoms := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			atoms = append(atoms, p)
		}
	}
	return atoms
}

// splitProvidesAtoms splits a provides: list, which is whitespace-joined
// and (per package.py's plain hints.get('provides', '').split()) never
// carries a version constraint, so plain field-splitting is correct.
func splitProvidesAtoms(s string) []string {
	return strings.Fields(s)
}

// atomName strips a trailing "(…)" version constraint from a dependency
// atom, per spec.md §4.6 step 2.
func atomName(atom string) string {
	if i := strings.IndexByte(atom, '('); i >= 0 {
		return strings.TrimSpace(atom[:i])
	}
	return atom
}

func containsAtom(list, name string) bool {
	for _, a := range splitAtoms(list) {
		if atomName(a) == name {
			return true
		}
	}
	return false
}

func appendAtom(list, name string) string {
	if list == "" {
		return name
	}
	return list + ", " + name
}
