// Package orchestrator implements the top-level pipeline of spec.md
// §4.7/§4.8/§4.9: read the release area, admit each maintainer's uploads,
// evaluate retention, and write the index — grounded on calm.py's
// process/process_relarea/process_maintainer_uploads/remove_stale_packages/
// report_movelist_conflicts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sync/errgroup"

	"github.com/release-area/calm/internal/calmerr"
	"github.com/release-area/calm/internal/config"
	"github.com/release-area/calm/internal/index"
	"github.com/release-area/calm/internal/maintainers"
	"github.com/release-area/calm/internal/movelist"
	"github.com/release-area/calm/internal/pkgset"
	"github.com/release-area/calm/internal/retention"
	"github.com/release-area/calm/internal/upload"
	"github.com/release-area/calm/internal/validate"
)

// ErrMovelistConflict is returned (wrapped with detail) when a file is
// both freshly uploaded and independently marked for vaulting in the same
// cycle — report_movelist_conflicts' "is both uploaded and %s vaulted".
var ErrMovelistConflict = errors.New("movelist conflict")

// Options controls one orchestration cycle.
type Options struct {
	DryRun           bool
	Stale            bool // evaluate RetentionEngine this cycle
	Strict           bool
	MaxConcurrency   int
	RetentionConfig  retention.Config
	ValidateConfig   validate.Config
}

// Cycle is the outcome of one pass: the final merged per-arch package
// views and every error/warning accumulated along the way.
type Cycle struct {
	Packages map[string]map[string]*pkgset.Package
	Errors   *calmerr.Collector
}

// state bundles the mutable per-arch Sets a cycle builds on top of,
// protected by mu since maintainer processing runs concurrently.
type state struct {
	mu       sync.Mutex
	noarch   *pkgset.Set
	src      *pkgset.Set
	arch     map[string]*pkgset.Set
}

// Run executes one full cycle: relarea scan+validate, per-maintainer
// upload admission (concurrent, bounded), retention, and returns the
// final package views for the caller to pass to internal/index.
func Run(ctx context.Context, cfg config.Config, opts Options) (*Cycle, error) {
	ec := &calmerr.Collector{}
	scanOpts := pkgset.ScanOptions{Strict: opts.Strict}

	history, err := loadPersistentExemptions(&opts, cfg)
	if err != nil {
		return nil, err
	}
	if opts.Stale {
		vaultRequests, err := retention.LoadVaultRequests(cfg.Paths.VaultRequests)
		if err != nil {
			return nil, fmt.Errorf("loading vault requests: %w", err)
		}
		opts.RetentionConfig.VaultRequests = vaultRequests
	}

	noarchSet, err := pkgset.ScanTree(ctx, releaseDir(cfg, "noarch"), pkgset.ArchNoarch, scanOpts, ec)
	if err != nil {
		return nil, fmt.Errorf("scanning noarch: %w", err)
	}
	srcSet, err := pkgset.ScanTree(ctx, releaseDir(cfg, "src"), pkgset.ArchSrc, scanOpts, ec)
	if err != nil {
		return nil, fmt.Errorf("scanning src: %w", err)
	}

	st := &state{noarch: noarchSet, src: srcSet, arch: map[string]*pkgset.Set{}}
	for _, arch := range cfg.Arches {
		s, err := pkgset.ScanTree(ctx, releaseDir(cfg, arch), pkgset.Arch(arch), scanOpts, ec)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", arch, err)
		}
		st.arch[arch] = s
	}

	if !validateAll(ctx, cfg, opts, st, ec) {
		return nil, fmt.Errorf("existing package set has errors, not processing uploads")
	}

	if opts.Stale {
		if err := vaultStale(ctx, cfg, opts, st, ec); err != nil {
			return nil, err
		}
	}

	mlist, err := maintainers.Read(ctx, cfg.Paths.Homedir, cfg.Paths.Pkglist, cfg.Orphanmaint)
	if err != nil {
		return nil, fmt.Errorf("reading maintainer list: %w", err)
	}
	allPackages := toBoolSet(maintainers.AllPackages(mlist))

	names := make([]string, 0, len(mlist))
	for n := range mlist {
		names = append(names, n)
	}
	sort.Strings(names)

	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = 8
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, name := range names {
		m := mlist[name]
		g.Go(func() error {
			return processMaintainer(gctx, cfg, opts, m, allPackages, st, ec)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	maintainers.UpdateReminderTimes(ctx, mlist)

	merged := map[string]map[string]*pkgset.Package{}
	for _, arch := range cfg.Arches {
		merged[arch] = pkgset.MergedView(st.arch[arch], st.noarch, st.src, ec)
	}

	recordNameHistory(history, merged)
	if err := history.Save(); err != nil {
		dlog.Errorf(ctx, "saving name history: %s", err)
	}

	return &Cycle{Packages: merged, Errors: ec}, nil
}

// Scan performs only the first half of Run: scan the relarea and validate
// it, without admitting any maintainer uploads or vaulting anything.
// Grounded on the same relarea-scan/process_relarea half calm.py's
// process() runs before process_uploads — useful for a read-only
// "calm scan"/"calm validate" invocation.
func Scan(ctx context.Context, cfg config.Config, opts Options) (*Cycle, error) {
	ec := &calmerr.Collector{}
	scanOpts := pkgset.ScanOptions{Strict: opts.Strict}

	if _, err := loadPersistentExemptions(&opts, cfg); err != nil {
		return nil, err
	}

	noarchSet, err := pkgset.ScanTree(ctx, releaseDir(cfg, "noarch"), pkgset.ArchNoarch, scanOpts, ec)
	if err != nil {
		return nil, fmt.Errorf("scanning noarch: %w", err)
	}
	srcSet, err := pkgset.ScanTree(ctx, releaseDir(cfg, "src"), pkgset.ArchSrc, scanOpts, ec)
	if err != nil {
		return nil, fmt.Errorf("scanning src: %w", err)
	}

	st := &state{noarch: noarchSet, src: srcSet, arch: map[string]*pkgset.Set{}}
	for _, arch := range cfg.Arches {
		s, err := pkgset.ScanTree(ctx, releaseDir(cfg, arch), pkgset.Arch(arch), scanOpts, ec)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", arch, err)
		}
		st.arch[arch] = s
	}

	validateAll(ctx, cfg, opts, st, ec)

	merged := map[string]map[string]*pkgset.Package{}
	for _, arch := range cfg.Arches {
		merged[arch] = pkgset.MergedView(st.arch[arch], st.noarch, st.src, ec)
	}
	return &Cycle{Packages: merged, Errors: ec}, nil
}

func validateAll(ctx context.Context, cfg config.Config, opts Options, st *state, ec *calmerr.Collector) bool {
	ok := true
	for _, arch := range cfg.Arches {
		view := pkgset.MergedView(st.arch[arch], st.noarch, st.src, ec)
		res := validate.Run(opts.ValidateConfig, view)
		for _, e := range res.Errors {
			ec.Addf("%s", e)
		}
		if !res.OK {
			dlog.Errorf(ctx, "%s package set has errors", arch)
			ok = false
		}
	}
	return ok
}

// vaultStale runs RetentionEngine over every arch's merged view and moves
// whatever it marks stale into the vault, deduplicating noarch/src moves
// the way remove_stale_packages' dedup() closure does (a noarch or src
// package is shared by every arch's merged view, so without dedup every
// arch would independently queue the same file for vaulting).
func vaultStale(ctx context.Context, cfg config.Config, opts Options, st *state, ec *calmerr.Collector) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	moved := map[string]bool{}
	for i, arch := range cfg.Arches {
		view := pkgset.MergedView(st.arch[arch], st.noarch, st.src, ec)
		stale := retention.Run(ctx, view, opts.RetentionConfig)
		if stale.Empty() {
			continue
		}

		for _, relpath := range stale.Dirs() {
			for _, filename := range stale.Files(relpath) {
				key := relpath + "/" + filename
				if i > 0 && moved[key] {
					continue
				}
				moved[key] = true
				st.arch[arch].Delete(relpath, filename)
				st.noarch.Delete(relpath, filename)
				st.src.Delete(relpath, filename)
			}
		}

		dlog.Infof(ctx, "vaulting %d old package file(s) for arch %s", stale.Len(), arch)
		if err := stale.Move(ctx, releaseDir(cfg, arch), vaultDir(cfg, arch), opts.DryRun); err != nil {
			return fmt.Errorf("vaulting stale %s packages: %w", arch, err)
		}
	}

	return nil
}

// processMaintainer mirrors process_maintainer_uploads: scan every arch's
// upload subtree, merge what's admitted into the shared package sets,
// re-validate, optionally re-evaluate retention, check for movelist
// conflicts, then physically move files.
func processMaintainer(ctx context.Context, cfg config.Config, opts Options, m *maintainers.Maintainer, allPackages map[string]bool, st *state, ec *calmerr.Collector) error {
	um := m.ToUploadMaintainer()
	uploadOpts := upload.Options{
		RelArea:      cfg.Paths.Relarea,
		TrustedMaint: toBoolSet(splitSlash(cfg.Trustedmaint)),
		DryRun:       opts.DryRun,
		Strict:       opts.Strict,
	}

	scanArches := append(append([]string{}, cfg.Arches...), "noarch", "src")
	results := map[string]*upload.Result{}
	anyError := false
	for _, arch := range scanArches {
		res := upload.Scan(ctx, cfg.Paths.Homedir, um, allPackages, arch, uploadOpts)
		results[arch] = res
		upload.Remove(ctx, res.RemoveAlways, opts.DryRun)
		if res.Error {
			anyError = true
		}
	}
	m.SyncFromUpload(um)

	if anyError {
		ec.AddAttributed(m.Name, "", fmt.Errorf("error while reading uploaded packages from maintainer %s", m.Name))
		return nil
	}

	anyWork := false
	for _, res := range results {
		if !res.ToRelarea.Empty() || !res.ToVault.Empty() {
			anyWork = true
		}
	}
	if !anyWork {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	archPackages := map[string]map[string]*pkgset.Package{}
	for _, arch := range cfg.Arches {
		archPackages[arch] = st.arch[arch].Packages
	}
	for _, arch := range scanArches {
		upload.AuthCheck(um, uploadOpts.TrustedMaint, results[arch], archPackages)
		if results[arch].Error {
			ec.AddAttributed(m.Name, "", fmt.Errorf("maintainer %s is not authorized for an existing path of an uploaded package", m.Name))
			return nil
		}
	}

	newArchSets := map[string]*pkgset.Set{}
	for _, arch := range cfg.Arches {
		overlayNoarch := &pkgset.Set{Arch: pkgset.ArchNoarch, Packages: rebasePackages(results["noarch"].Packages, "noarch")}
		overlaySrc := &pkgset.Set{Arch: pkgset.ArchSrc, Packages: rebasePackages(results["src"].Packages, "src")}
		overlayArch := &pkgset.Set{Arch: pkgset.Arch(arch), Packages: rebasePackages(results[arch].Packages, arch)}

		merged, err := pkgset.Merge(ctx, st.arch[arch], overlayArch, overlayNoarch, overlaySrc)
		if err != nil {
			ec.AddAttributed(m.Name, "", fmt.Errorf("merging uploaded %s packages for %s: %w", arch, m.Name, err))
			return nil
		}
		newArchSets[arch] = merged
	}

	valid := true
	for _, arch := range cfg.Arches {
		view := pkgset.MergedView(newArchSets[arch], st.noarch, st.src, ec)
		res := validate.Run(opts.ValidateConfig, view)
		for _, e := range res.Errors {
			ec.AddAttributed(m.Name, "", errors.New(e))
		}
		if !res.OK {
			valid = false
		}
	}
	if !valid {
		ec.AddAttributed(m.Name, "", fmt.Errorf("error while validating merged packages for %s", m.Name))
		return nil
	}

	var staleByArch map[string]*movelist.MoveList
	if opts.Stale {
		staleByArch = map[string]*movelist.MoveList{}
		for _, arch := range cfg.Arches {
			view := pkgset.MergedView(newArchSets[arch], st.noarch, st.src, ec)
			staleByArch[arch] = retention.Run(ctx, view, opts.RetentionConfig)
		}
	}

	for _, arch := range append(append([]string{}, cfg.Arches...), "noarch", "src") {
		res, ok := results[arch]
		if !ok {
			continue
		}
		if conflictReport(ctx, res.ToRelarea, res.ToVault, "manually") {
			ec.AddAttributed(m.Name, "", fmt.Errorf("%w: movelist conflict for %s", ErrMovelistConflict, m.Name))
			return nil
		}
		if opts.Stale {
			for _, arch2 := range cfg.Arches {
				if conflictReport(ctx, res.ToRelarea, staleByArch[arch2], "automatically") {
					ec.AddAttributed(m.Name, "", fmt.Errorf("%w: movelist conflict for %s", ErrMovelistConflict, m.Name))
					return nil
				}
			}
		}
	}

	for _, arch := range cfg.Arches {
		st.arch[arch] = newArchSets[arch]
	}

	for _, arch := range append(append([]string{}, cfg.Arches...), "noarch", "src") {
		res := results[arch]
		target := setFor(st, arch)
		if !res.ToVault.Empty() {
			dlog.Infof(ctx, "vaulting %d package(s) for arch %s, by request", res.ToVault.Len(), arch)
		}
		// remove-requests name an already-released file, relative to the
		// relarea root, not the maintainer's own homedir.
		if err := res.ToVault.Move(ctx, cfg.Paths.Relarea, cfg.Paths.Vault, opts.DryRun); err != nil {
			return fmt.Errorf("vaulting requested %s files: %w", arch, err)
		}
		res.ToVault.Map(func(p, f string) {
			if target != nil {
				target.Delete(rebasePath(p, arch), f)
			}
		})
		upload.Remove(ctx, res.RemoveSuccess, opts.DryRun)
		if !res.ToRelarea.Empty() {
			dlog.Infof(ctx, "adding %d package(s) for arch %s", res.ToRelarea.Len(), arch)
		}
		if err := res.ToRelarea.Move(ctx, m.Homedir(), cfg.Paths.Relarea, opts.DryRun); err != nil {
			return fmt.Errorf("moving admitted %s files to the release area: %w", arch, err)
		}
	}

	if opts.Stale {
		for _, arch := range cfg.Arches {
			stale := staleByArch[arch]
			if stale.Empty() {
				continue
			}
			dlog.Infof(ctx, "vaulting %d old package(s) for arch %s", stale.Len(), arch)
			if err := stale.Move(ctx, releaseDir(cfg, arch), vaultDir(cfg, arch), opts.DryRun); err != nil {
				return fmt.Errorf("vaulting stale %s files after upload: %w", arch, err)
			}
		}
	}

	dlog.Debugf(ctx, "maintainer %s: admitted uploads processed", m.Name)
	return nil
}

// loadPersistentExemptions reads the historic-names table (spec.md §5/§9)
// and merges it into opts.ValidateConfig.Exemptions.HistoricalProvides, so
// a dependency on a package that existed in the past (even if currently
// removed/vaulted) is not erroneously flagged by the Validator's valid-
// requires-set step. The loaded history is returned so Run can append this
// cycle's names to it and persist the result afterward; Scan only reads.
func loadPersistentExemptions(opts *Options, cfg config.Config) (*pkgset.NameHistory, error) {
	history, err := pkgset.LoadNameHistory(cfg.Paths.NameHistory)
	if err != nil {
		return nil, fmt.Errorf("loading name history: %w", err)
	}
	if opts.ValidateConfig.Exemptions.HistoricalProvides == nil {
		opts.ValidateConfig.Exemptions.HistoricalProvides = map[string]bool{}
	}
	for n := range history.Names() {
		opts.ValidateConfig.Exemptions.HistoricalProvides[n] = true
	}
	return history, nil
}

// recordNameHistory records every package name and provides atom visible
// in this cycle's merged view into history, so a future cycle's valid-
// requires-set check still recognizes a name after the package providing
// it is removed or vaulted.
func recordNameHistory(history *pkgset.NameHistory, merged map[string]map[string]*pkgset.Package) {
	for _, archPackages := range merged {
		for name, p := range archPackages {
			history.Record(name)
			for _, v := range p.Versions {
				history.Record(strings.Fields(v.Hints["provides"])...)
			}
		}
	}
}

// releaseDir is the on-disk root a given namespace's packages live directly
// under: <relarea>/<arch>/release/<pkgpath>/. upload.Scan's own dest
// computation (opts.RelArea joined with a relpath that already carries the
// "<arch>/release/" prefix) is what fixes this layout; releaseDir and
// vaultDir exist so ScanTree and the stale-vaulting moves agree with it.
func releaseDir(cfg config.Config, arch string) string {
	return filepath.Join(cfg.Paths.Relarea, arch, "release")
}

func vaultDir(cfg config.Config, arch string) string {
	return filepath.Join(cfg.Paths.Vault, arch, "release")
}

// rebasePackages strips the "<arch>/release/" prefix upload.Scan stamps onto
// Package.Path (relative to the maintainer's homedir) so the result agrees
// with ScanTree's bare-pkgpath convention before it's merged into a Set.
func rebasePackages(pkgs map[string]*pkgset.Package, arch string) map[string]*pkgset.Package {
	out := make(map[string]*pkgset.Package, len(pkgs))
	for name, p := range pkgs {
		np := *p
		np.Path = rebasePath(p.Path, arch)
		out[name] = &np
	}
	return out
}

func rebasePath(path, arch string) string {
	prefix := filepath.Join(arch, "release")
	if path == prefix {
		return ""
	}
	return strings.TrimPrefix(path, prefix+string(filepath.Separator))
}

func setFor(st *state, arch string) *pkgset.Set {
	switch arch {
	case "noarch":
		return st.noarch
	case "src":
		return st.src
	default:
		return st.arch[arch]
	}
}

func conflictReport(ctx context.Context, a, b *movelist.MoveList, reason string) bool {
	n := movelist.Intersect(a, b)
	if n.Empty() {
		return false
	}
	n.Map(func(p, f string) {
		dlog.Errorf(ctx, "%s/%s is both uploaded and %s vaulted", p, f, reason)
	})
	return true
}

func toBoolSet(ss []string) map[string]bool {
	out := map[string]bool{}
	for _, s := range ss {
		out[s] = true
	}
	return out
}

func splitSlash(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// WriteIndexes renders setup.ini and repo.json for every arch in
// cycle.Packages, per spec.md §4.9.
func WriteIndexes(ctx context.Context, cfg config.Config, cycle *Cycle, release, setupVersion string) error {
	now := time.Now()
	for _, arch := range sortedKeys(cycle.Packages) {
		iniPath := filepath.Join(cfg.Paths.Htdocs, arch, "setup.ini")
		changed, err := index.Write(ctx, iniPath, cycle.Packages[arch], index.Options{
			Arch:         arch,
			Release:      release,
			SetupVersion: setupVersion,
			SigningKeys:  cfg.Keys,
		}, now)
		if err != nil {
			return fmt.Errorf("writing setup.ini for %s: %w", arch, err)
		}
		if changed {
			dlog.Infof(ctx, "wrote new setup.ini for %s", arch)
		}
	}

	jsonPath := filepath.Join(cfg.Paths.Htdocs, "repo.json")
	if _, err := index.WriteRepoJSON(ctx, jsonPath, cycle.Packages, false); err != nil {
		return fmt.Errorf("writing repo.json: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]map[string]*pkgset.Package) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
