// Package upload implements the UploadScanner of spec.md §4.7: a per-
// maintainer, per-arch walk of a staging subtree that promotes ready
// files into move/vault plans without touching the release area itself.
package upload

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/release-area/calm/internal/hint"
	"github.com/release-area/calm/internal/movelist"
	"github.com/release-area/calm/internal/pkgset"
	"github.com/release-area/calm/internal/version"
)

const (
	// ReminderInterval throttles repeated "ignored as there is no !ready"
	// warnings to once a week.
	ReminderInterval = 7 * 24 * time.Hour
	// ReminderGrace withholds a reminder until an orphaned upload is at
	// least an hour old, so a maintainer mid-upload isn't warned at them.
	ReminderGrace = time.Hour
)

// Maintainer is the subset of a maintainer record UploadScanner consults.
// The reminder timestamp fields are read and conditionally updated by
// Scan; the caller persists them afterward (internal/maintainers).
type Maintainer struct {
	Name                      string
	Packages                  map[string]bool
	ReminderTime              time.Time
	RemindersIssued           bool
	RemindersTimestampChecked bool
}

// Result is the ScanResult of spec.md §4.7.
type Result struct {
	Error         bool
	Packages      map[string]*pkgset.Package
	ToRelarea     *movelist.MoveList
	ToVault       *movelist.MoveList
	RemoveAlways  []string
	RemoveSuccess []string
}

// Options bundles the scan's environment.
type Options struct {
	RelArea        string
	TrustedMaint   map[string]bool
	ArchivedArches map[string]bool
	DryRun         bool
	Strict         bool
}

var sftpTempPattern = regexp.MustCompile(`\.SftpXFR\.\d+$`)

// archiveStem extracts the "<pkg>-<V>-<R>" stem of a package tar filename,
// delegating the actual extension/src parsing to pkgset.ParseFileName.
func archiveStem(name string) (pvr string, isSrc bool, ok bool) {
	pf, ok := pkgset.ParseFileName(name)
	if !ok || pf.IsHint {
		return "", false, false
	}
	return pf.Pkg + "-" + pf.VR(), pf.IsSrc, true
}

// mtimeFrame tracks the (path-prefix, ready-mtime) stack used to determine
// which !ready marker governs a given subdirectory, mirroring the
// Python scanner's list-used-as-a-stack walk.
type mtimeFrame struct {
	prefix string
	mtime  time.Time
}

// Scan walks homedir = scanDir/maintainer.Name and returns a Result
// describing what should be promoted, vaulted, or removed. allPackages is
// the set of every known top-level package name (across every arch,
// including source); arch selects the staging subtree (e.g. "x86_64",
// "noarch", "src").
func Scan(ctx context.Context, scanDir string, m *Maintainer, allPackages map[string]bool, arch string, opts Options) *Result {
	homedir := filepath.Join(scanDir, m.Name)
	basedir := filepath.Join(homedir, arch)

	res := &Result{
		Packages:  map[string]*pkgset.Package{},
		ToRelarea: movelist.New(),
		ToVault:   movelist.New(),
	}

	frames := []mtimeFrame{{prefix: "", mtime: time.Time{}}}
	ignored := 0

	dlog.Debugf(ctx, "reading uploads from %s", basedir)

	for _, ready := range []string{
		filepath.Join(basedir, "!ready"),
		filepath.Join(basedir, "release", "!ready"),
	} {
		if info, err := os.Stat(ready); err == nil {
			frames = append(frames, mtimeFrame{prefix: "", mtime: info.ModTime()})
			res.RemoveAlways = append(res.RemoveAlways, ready)
		}
	}

	releaseRoot := filepath.Join(basedir, "release")
	_ = filepath.WalkDir(releaseRoot, func(dirpath string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		relpath, _ := filepath.Rel(homedir, dirpath)

		entries, err := os.ReadDir(dirpath)
		if err != nil {
			return nil
		}
		var files []string
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if strings.HasSuffix(e.Name(), ".bak") {
				continue
			}
			files = append(files, e.Name())
		}
		sort.Strings(files)

		if len(files) == 0 || relpath == filepath.Join(arch, "release") {
			return nil
		}

		dlog.Debugf(ctx, "reading uploads from %s", dirpath)

		var frameMtime time.Time
		if contains(files, "!ready") {
			readyPath := filepath.Join(dirpath, "!ready")
			info, statErr := os.Stat(readyPath)
			if statErr == nil {
				frameMtime = info.ModTime()
			}
			frames = append(frames, mtimeFrame{prefix: relpath + "/", mtime: frameMtime})
			res.RemoveAlways = append(res.RemoveAlways, readyPath)
			files = removeName(files, "!ready")
			dlog.Debugf(ctx, "processing files below %q with mtime older than %s", relpath, frameMtime)
		} else {
			for {
				top := frames[len(frames)-1]
				if strings.HasPrefix(relpath, top.prefix) {
					frameMtime = top.mtime
					break
				}
				frames = frames[:len(frames)-1]
			}
		}

		var kept []string
		for _, f := range files {
			fn := filepath.Join(dirpath, f)
			info, statErr := os.Stat(fn)
			if statErr != nil {
				continue
			}
			fileMtime := info.ModTime()
			if fileMtime.After(frameMtime) {
				if frameMtime.IsZero() {
					m.RemindersTimestampChecked = true
					dlog.Debugf(ctx, "ignoring %s as there is no !ready", fn)
					if fileMtime.Before(time.Now().Add(-ReminderGrace)) {
						ignored++
					}
				} else {
					dlog.Warnf(ctx, "ignoring %s as it is newer than !ready", fn)
				}
				continue
			}
			kept = append(kept, f)
		}
		files = kept
		if len(files) == 0 {
			return nil
		}

		parts := strings.SplitN(relpath, string(filepath.Separator), 3)
		if len(parts) < 3 {
			return nil
		}
		pkgpath := parts[2]
		superpkg := strings.SplitN(pkgpath, string(filepath.Separator), 2)[0]

		if !allPackages[superpkg] {
			dlog.Errorf(ctx, "package %q is not in the package list", superpkg)
			return nil
		}
		if !m.Packages[superpkg] && !opts.TrustedMaint[m.Name] {
			dlog.Warnf(ctx, "package %q is not in the package list for maintainer %q", superpkg, m.Name)
			return nil
		}

		files = fixupLegacyHint(ctx, dirpath, files, res)
		files = fixupMissingSrcHint(ctx, dirpath, files, res)

		files = filterAndClassify(ctx, dirpath, relpath, files, arch, opts, res)
		if len(files) == 0 {
			return nil
		}

		if err := readPackageDir(homedir, dirpath, files, opts.Strict, res); err != nil {
			res.Error = true
		}
		return nil
	})

	if opts.DryRun {
		m.RemindersTimestampChecked = true
	}
	if ignored > 0 && time.Now().After(m.ReminderTime.Add(ReminderInterval)) {
		dlog.Warnf(ctx, "ignored %d files in %s as there is no !ready", ignored, arch)
		if !opts.DryRun {
			m.RemindersIssued = true
		}
	}

	return res
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func removeName(ss []string, s string) []string {
	out := ss[:0:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// fixupLegacyHint renames a single legacy setup.hint to <pvr>.hint when
// every tar in the directory (binary or -src) shares one <pvr> stem, per
// spec.md §4.7.
func fixupLegacyHint(ctx context.Context, dirpath string, files []string, res *Result) []string {
	if !contains(files, "setup.hint") {
		return files
	}
	dlog.Warnf(ctx, "'setup.hint' seen, please update to a current packaging tool")

	var pvr string
	ambiguous := false
	for _, f := range files {
		stem, _, ok := archiveStem(f)
		if !ok {
			continue
		}
		if pvr != "" && pvr != stem {
			ambiguous = true
		}
		pvr = stem
	}

	if ambiguous || pvr == "" {
		res.Error = true
		dlog.Errorf(ctx, "'setup.hint' seen in %s, and couldn't determine what version it applies to", dirpath)
		return files
	}

	oldPath := filepath.Join(dirpath, "setup.hint")
	newName := pvr + ".hint"
	newPath := filepath.Join(dirpath, newName)
	dlog.Warnf(ctx, "renaming 'setup.hint' to '%s'", newName)
	if err := os.Rename(oldPath, newPath); err != nil {
		dlog.Errorf(ctx, "renaming setup.hint: %s", err)
		res.Error = true
		return files
	}
	files = removeName(files, "setup.hint")
	files = append(files, newName)
	sort.Strings(files)
	return files
}

// fixupMissingSrcHint synthesizes <pvr>-src.hint by copying <pvr>.hint
// when a source tar is present but its dedicated hint is missing.
func fixupMissingSrcHint(ctx context.Context, dirpath string, files []string, res *Result) []string {
	for _, f := range files {
		stem, isSrc, ok := archiveStem(f)
		if !ok || !isSrc {
			continue
		}
		oldName := stem + ".hint"
		newName := stem + "-src.hint"
		if !contains(files, oldName) || contains(files, newName) {
			continue
		}
		dlog.Warnf(ctx, "copying '%s' to '%s'", oldName, newName)
		data, err := os.ReadFile(filepath.Join(dirpath, oldName))
		if err != nil {
			dlog.Errorf(ctx, "reading %s: %s", oldName, err)
			continue
		}
		if err := os.WriteFile(filepath.Join(dirpath, newName), data, 0644); err != nil {
			dlog.Errorf(ctx, "writing %s: %s", newName, err)
			continue
		}
		files = append(files, newName)

		binaryName := strings.Replace(f, "-src", "", 1)
		if !contains(files, binaryName) {
			dlog.Infof(ctx, "discarding '%s'", oldName)
			files = removeName(files, oldName)
			res.RemoveAlways = append(res.RemoveAlways, filepath.Join(dirpath, oldName))
		}
	}
	sort.Strings(files)
	return files
}

// filterAndClassify applies the per-file admission rules of spec.md §4.7:
// remove-requests, sentinel-filtered in-progress uploads, archive
// validity, archived-arch discard, and identical/different release-area
// comparison.
func filterAndClassify(ctx context.Context, dirpath, relpath string, files []string, arch string, opts Options, res *Result) []string {
	var kept []string
	for _, f := range files {
		fn := filepath.Join(dirpath, f)

		if f == "!mail" || f == "!email" {
			continue
		}
		if sftpTempPattern.MatchString(f) {
			dlog.Debugf(ctx, "ignoring temporary upload file %s", fn)
			continue
		}
		if strings.HasPrefix(f, "-") {
			name := strings.TrimPrefix(f, "-")
			if strings.ContainsAny(name, "*?") {
				dlog.Errorf(ctx, "remove file %s name contains metacharacters, which are no longer supported", fn)
				res.Error = true
				continue
			}
			info, err := os.Stat(fn)
			if err != nil || info.Size() != 0 {
				dlog.Errorf(ctx, "remove file %s is not empty", fn)
				res.Error = true
				continue
			}
			res.ToVault.Add(relpath, name)
			res.RemoveSuccess = append(res.RemoveSuccess, fn)
			continue
		}

		if isArchive(f) && !validArchive(fn) {
			dlog.Errorf(ctx, "rejecting unreadable archive %s", fn)
			continue
		}

		if opts.ArchivedArches[arch] {
			dlog.Warnf(ctx, "discarding %s, %s architecture is archived and read-only", fn, arch)
			res.RemoveAlways = append(res.RemoveAlways, fn)
			continue
		}

		dest := filepath.Join(opts.RelArea, relpath, f)
		if destInfo, err := os.Stat(dest); err == nil && !destInfo.IsDir() {
			if !strings.HasSuffix(f, ".hint") {
				same, _ := filesIdentical(dest, fn)
				if same {
					dlog.Infof(ctx, "discarding, identical %s is already in release area", fn)
					res.RemoveSuccess = append(res.RemoveSuccess, fn)
				} else {
					dlog.Errorf(ctx, "discarding, different %s is already in release area (perhaps you should rebuild with a different version-release identifier?)", fn)
					res.RemoveAlways = append(res.RemoveAlways, fn)
					res.Error = true
				}
				continue
			}
			// hint files are always considered for replacement
			res.ToRelarea.Add(relpath, f)
			kept = append(kept, f)
			continue
		}

		res.ToRelarea.Add(relpath, f)
		kept = append(kept, f)
	}
	return kept
}

func isArchive(name string) bool {
	for _, ext := range pkgset.Compressions {
		if strings.HasSuffix(name, ".tar."+ext) {
			return true
		}
	}
	return false
}

// validArchive enumerates every member of the archive, rejecting it if the
// tar stream can't be fully read — equivalent to the Python scanner's
// "extract all of an archive's contents to validate it".
func validArchive(path string) bool {
	r, err := pkgset.OpenArchive(path)
	if err != nil {
		return false
	}
	defer r.Close()

	tr := tar.NewReader(r)
	for {
		_, err := tr.Next()
		if err == io.EOF {
			return true
		}
		if err != nil {
			return false
		}
	}
}

// filesIdentical does a full byte-for-byte comparison, matching the
// Python scanner's filecmp.cmp(..., shallow=False).
func filesIdentical(a, b string) (bool, error) {
	infoA, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	infoB, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	if infoA.Size() != infoB.Size() {
		return false, nil
	}

	fa, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, err
	}
	defer fb.Close()

	const chunk = 64 * 1024
	bufA := make([]byte, chunk)
	bufB := make([]byte, chunk)
	for {
		na, erra := fa.Read(bufA)
		nb, errb := fb.Read(bufB)
		if na != nb || string(bufA[:na]) != string(bufB[:nb]) {
			return false, nil
		}
		if erra == io.EOF || errb == io.EOF {
			return true, nil
		}
		if erra != nil {
			return false, erra
		}
		if errb != nil {
			return false, errb
		}
	}
}

// readPackageDir parses every remaining file in dirpath with pkgset's hint
// parser and records the fragment's packages into res.Packages, setting
// res.Error on any parse error.
func readPackageDir(homedir, dirpath string, files []string, strict bool, res *Result) error {
	relToHome, err := filepath.Rel(homedir, dirpath)
	if err != nil {
		return err
	}
	for _, f := range files {
		pf, ok := pkgset.ParseFileName(f)
		if !ok || !pf.IsHint {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dirpath, f))
		if err != nil {
			return err
		}
		kind := hint.PVR
		if pf.IsSrc {
			kind = hint.SPVR
		}
		result := hint.Parse(string(raw), kind, strict)
		name := pf.Pkg
		if pf.IsSrc {
			name = pkgset.SourceName(pf.Pkg)
		}
		p, ok := res.Packages[name]
		if !ok {
			kind := pkgset.Binary
			if pf.IsSrc {
				kind = pkgset.Source
			}
			p = pkgset.NewPackage(name, relToHome, kind)
			res.Packages[name] = p
		}
		v, ok := p.Versions[pf.VR()]
		if !ok {
			v = &pkgset.Version{V: version.Parse(pf.VR())}
			p.Versions[pf.VR()] = v
		}
		v.Hints = result.Hints
		_, v.Test = result.Hints["test"]
		v.HintRelPath = relToHome
		v.HintFilename = f
		if !result.OK() {
			return &parseError{file: f, errs: result.Errors}
		}
	}
	return nil
}

type parseError struct {
	file string
	errs []string
}

func (e *parseError) Error() string {
	return e.file + ": " + strings.Join(e.errs, "; ")
}

// Remove deletes every path in paths, tolerating already-gone files (a
// concurrent cycle, or a prior partial run, may have removed it already).
func Remove(ctx context.Context, paths []string, dryRun bool) {
	for _, f := range paths {
		dlog.Debugf(ctx, "rm %s", f)
		if dryRun {
			continue
		}
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			dlog.Errorf(ctx, "%s can't be deleted: %s", f, err)
		}
	}
}

// AuthCheck implements spec.md §4.7's authorization rule: uploading a new
// path for an existing package additionally requires the maintainer to
// already be authorized for every existing path (source package) that
// package is known under.
func AuthCheck(m *Maintainer, trustedMaint map[string]bool, res *Result, archPackages map[string]map[string]*pkgset.Package) {
	if trustedMaint[m.Name] {
		return
	}
	for name := range res.Packages {
		for _, pkgs := range archPackages {
			existing, ok := pkgs[name]
			if !ok {
				continue
			}
			if !m.Packages[existing.Path] {
				res.Error = true
			}
		}
	}
}
