// Package retention implements the RetentionEngine of spec.md §4.8: marks
// every (package, version) fresh/conditional/stale and produces a
// MoveList of everything not retained.
package retention

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/release-area/calm/internal/movelist"
	"github.com/release-area/calm/internal/pkgset"
	"github.com/release-area/calm/internal/version"
)

// Freshness is ordered most-dominant-first, matching package.py's
// Freshness IntEnum: min() of two marks picks the more dominant (fresher)
// one.
type Freshness int

const (
	Fresh Freshness = iota + 1
	Conditional
	Stale
)

func minFreshness(a, b Freshness) Freshness {
	if a < b {
		return a
	}
	return b
}

const (
	DefaultKeepCount     = 3
	DefaultKeepCountTest = 2
	DefaultKeepDays      = 0

	// SOAgeThresholdYears is how old a superseded soversion package must
	// be before it is eligible for conditional retention.
	SOAgeThresholdYears = 5
)

// sover package names look like "libfoo2", "libfoo-2_0-1": a "lib" prefix
// followed eventually by a digit run, per common_constants.SOVERSION_PACKAGE_RE.
var soversionPattern = regexp.MustCompile(`^lib.*[0-9]`)

// Config bundles the inputs RetentionEngine needs beyond the PackageSet
// itself.
type Config struct {
	// VaultRequests maps source package name -> set of version-release
	// strings explicitly requested for vaulting out-of-band (spec.md §9
	// "vault-request table").
	VaultRequests map[string]map[string]bool
	// ExpiredProvides is the documented wind-down exemption list (shared
	// with internal/validate's Exemptions.ExpiredProvides).
	ExpiredProvides map[string]bool
}

// Run marks every version of every package in packages and returns a
// MoveList describing everything to vault (spec.md §4.8). packages is
// mutated in place only via the transient per-cycle freshness map
// returned internally; no Package/Version field is touched, since
// freshness is not part of the persisted model (spec.md §9: rebuilt fresh
// every cycle).
func Run(ctx context.Context, packages map[string]*pkgset.Package, cfg Config) *movelist.MoveList {
	fresh := map[*pkgset.Package]map[string]Freshness{}
	markFn := func(p *pkgset.Package, vr string, mark Freshness) {
		if fresh[p] == nil {
			fresh[p] = map[string]Freshness{}
		}
		fresh[p][vr] = mark
	}
	freshnessOf := func(p *pkgset.Package, vr string) Freshness {
		if m, ok := fresh[p][vr]; ok {
			return m
		}
		return Stale
	}

	certainAge := time.Now().AddDate(-SOAgeThresholdYears, 0, 0)

	for name, p := range packages {
		if p.Kind != pkgset.Binary {
			continue
		}
		markBinaryVersions(ctx, name, p, markFn)
		downgradeConditional(ctx, name, p, packages, certainAge, cfg, markFn, freshnessOf)
	}

	for _, p := range packages {
		if p.Kind != pkgset.Source {
			continue
		}
		for vr := range p.Versions {
			mark := Stale
			for ip := range p.IsUsedBy {
				ipkg, ok := packages[ip]
				if !ok {
					continue
				}
				if _, ok := ipkg.Versions[vr]; ok {
					mark = minFreshness(freshnessOf(ipkg, vr), mark)
				}
			}
			if mark == Conditional {
				mark = Stale
			}
			markFn(p, vr, mark)

			for ip := range p.IsUsedBy {
				ipkg, ok := packages[ip]
				if !ok {
					continue
				}
				if _, ok := ipkg.Versions[vr]; ok {
					if freshnessOf(ipkg, vr) == Conditional {
						markFn(ipkg, vr, mark)
					}
				}
			}
		}
	}

	stale := movelist.New()
	for name, p := range packages {
		allStale := map[string]bool{}
		vrs := sortedVRs(p)
		for _, vr := range vrs {
			v := p.Versions[vr]
			if freshnessOf(p, vr) != Fresh {
				allStale[vr] = true
				if v.Tar != nil {
					stale.Add(v.Tar.RelPath, v.Tar.Filename)
				}
				dlog.Debugf(ctx, "package %q version %q is stale", name, vr)
			} else {
				allStale[vr] = false
			}
		}
		for vr, v := range p.Versions {
			if v.HintFilename == "" {
				continue
			}
			ov := v.Hints["original-version"]
			if ov == "" {
				ov = vr
			}
			if boolOr(allStale, vr, true) && boolOr(allStale, ov, true) {
				stale.Add(v.HintRelPath, v.HintFilename)
				dlog.Debugf(ctx, "package %q version %q hint is stale", name, vr)
			}
		}
	}

	return stale
}

func boolOr(m map[string]bool, key string, def bool) bool {
	if v, ok := m[key]; ok {
		return v
	}
	return def
}

func sortedVRs(p *pkgset.Package) []string {
	vrs := make([]string, 0, len(p.Versions))
	for vr := range p.Versions {
		vrs = append(vrs, vr)
	}
	sort.Slice(vrs, func(i, j int) bool {
		return version.Less(p.Versions[vrs[i]].V, p.Versions[vrs[j]].V)
	})
	return vrs
}

// markBinaryVersions applies the unconditional `keep`/`keep-count`/
// `keep-count-test`/`keep-days` marking rules (spec.md §4.8 steps 1-3).
func markBinaryVersions(ctx context.Context, name string, p *pkgset.Package, markFn func(*pkgset.Package, string, Freshness)) {
	for _, v := range strings.Fields(p.Override["keep"]) {
		if _, ok := p.Versions[v]; ok {
			markFn(p, v, Fresh)
		} else {
			dlog.Errorf(ctx, "package %q has non-existent keep: version %q", name, v)
		}
	}

	vrsDesc := sortedVRs(p)
	reverse(vrsDesc)

	keepCount := intOverride(p.Override["keep-count"], DefaultKeepCount)
	for _, vr := range vrsDesc {
		if p.Versions[vr].Test {
			continue
		}
		if keepCount <= 0 {
			break
		}
		markFn(p, vr, Fresh)
		keepCount--
	}

	keepCountTest := intOverride(p.Override["keep-count-test"], DefaultKeepCountTest)
	_, keepSuperseded := p.Override["keep-superseded-test"]
	for _, vr := range vrsDesc {
		if p.Versions[vr].Test {
			if keepCountTest <= 0 {
				break
			}
			markFn(p, vr, Fresh)
			keepCountTest--
		} else if !keepSuperseded {
			break
		}
	}

	keepDays := intOverride(p.Override["keep-days"], DefaultKeepDays)
	cutoff := time.Now().Add(-time.Duration(keepDays) * 24 * time.Hour)
	newer := false
	vrsAsc := sortedVRs(p)
	for _, vr := range vrsAsc {
		tar := p.Versions[vr].Tar
		if !newer && tar != nil && time.Unix(tar.ModTime, 0).After(cutoff) {
			newer = true
		}
		if newer {
			markFn(p, vr, Fresh)
		}
	}
}

func reverse(ss []string) {
	for i, j := 0, len(ss)-1; i < j; i, j = i+1, j-1 {
		ss[i], ss[j] = ss[j], ss[i]
	}
}

func intOverride(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// downgradeConditional overwrites the fresh mark with conditional where
// warranted (spec.md §4.8 step 4), mirroring package.py's mark_fn.
func downgradeConditional(ctx context.Context, name string, p *pkgset.Package, packages map[string]*pkgset.Package, certainAge time.Time, cfg Config, markFn func(*pkgset.Package, string, Freshness), freshnessOf func(*pkgset.Package, string) Freshness) {
	for _, vr := range sortedVRs(p) {
		mark := evalFreshness(ctx, name, p, vr, packages, certainAge, cfg)
		if mark != Fresh {
			markFn(p, vr, mark)
		}
	}
}

func evalFreshness(ctx context.Context, name string, p *pkgset.Package, vr string, packages map[string]*pkgset.Package, certainAge time.Time, cfg Config) Freshness {
	if strings.HasSuffix(name, "-debuginfo") {
		return Conditional
	}

	bv := p.BestVersion
	if bv != "" && soversionPattern.MatchString(name) {
		es := p.Versions[bv].Hints["external-source"]
		anyOutOfSource := false
		for rd := range p.RDepends {
			rdp, ok := packages[rd]
			if !ok {
				continue
			}
			rdEs := ""
			if bv2 := rdp.BestVersion; bv2 != "" {
				if v, ok := rdp.Versions[bv2]; ok {
					rdEs = strings.TrimSuffix(v.Hints["external-source"], "-src")
				}
			}
			if rdEs != es {
				anyOutOfSource = true
			}
		}
		if !anyOutOfSource && es != "" {
			if srcPkg, ok := packages[pkgset.SourceName(es)]; ok && srcPkg.BestVersion != bv {
				if v := p.Versions[vr]; v.Tar != nil && time.Unix(v.Tar.ModTime, 0).Before(certainAge) {
					dlog.Debugf(ctx, "deprecated soversion package %q version %q is over cut-off age", name, vr)
					return Conditional
				}
			}
		}
	}

	deps := strings.Split(p.Versions[vr].Hints["depends"], ", ")
	for _, d := range deps {
		if cfg.ExpiredProvides[strings.TrimSpace(d)] {
			dlog.Debugf(ctx, "package %q version %q not retained as it requires a provide known to be expired", name, vr)
			return Conditional
		}
	}

	if nr, ok := p.Override["noretain"]; ok {
		for _, v := range strings.Fields(nr) {
			if v == vr || v == "all" {
				return Conditional
			}
		}
	}

	srcName := p.Versions[vr].Hints["external-source"]
	if srcName == "" {
		srcName = strings.TrimSuffix(name, "-src")
	}
	if vrs, ok := cfg.VaultRequests[srcName]; ok && vrs[vr] {
		dlog.Infof(ctx, "package %q version %q not retained due to vault request", name, vr)
		return Conditional
	}

	return Fresh
}
