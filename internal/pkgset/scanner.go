package pkgset

import (
	"archive/tar"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"github.com/release-area/calm/internal/calmerr"
	"github.com/release-area/calm/internal/hint"
	"github.com/release-area/calm/internal/version"
)

// pvrPattern matches "<pkg>-<V>-<R>" once any trailing "-src" marker and
// the file extension have already been stripped off by ParseFileName. V
// must begin with a digit; R is drawn from [0-9A-Za-z._+]+. Neither V nor
// R may contain a hyphen, so pkg always ends at the second-to-last hyphen
// of the string: the longest package name and the shortest
// version-release, and no match at all if the segment after that hyphen
// does not begin with a digit.
var pvrPattern = regexp.MustCompile(`^(.+)-(\d[A-Za-z0-9._+]*)-([0-9A-Za-z._+]+)$`)

const (
	emptySizeThreshold    = 32
	nonEmptySizeThreshold = 1024
)

// parsedFileName is one release-area or staging-area file decoded against
// pvrPattern.
type parsedFileName struct {
	Pkg    string
	V      string
	R      string
	IsSrc  bool
	IsHint bool
	Ext    string // "" for hint files
}

// ParseFileName decodes filename per spec.md §6's archive-naming grammar.
// ok is false for anything that doesn't match (unknown extension, no
// version, stray file) — callers log a rejection and continue scanning,
// per spec.md §4.4's untouched→classified→{kept,rejected} state machine.
func ParseFileName(filename string) (parsedFileName, bool) {
	base := filename
	var pf parsedFileName

	switch {
	case strings.HasSuffix(base, ".hint"):
		pf.IsHint = true
		base = strings.TrimSuffix(base, ".hint")
	default:
		matched := false
		for _, ext := range Compressions {
			suffix := ".tar." + ext
			if strings.HasSuffix(base, suffix) {
				pf.Ext = ext
				base = strings.TrimSuffix(base, suffix)
				matched = true
				break
			}
		}
		if !matched {
			return parsedFileName{}, false
		}
	}

	if strings.HasSuffix(base, "-src") {
		pf.IsSrc = true
		base = strings.TrimSuffix(base, "-src")
	}

	m := pvrPattern.FindStringSubmatch(base)
	if m == nil {
		return parsedFileName{}, false
	}
	pf.Pkg, pf.V, pf.R = m[1], m[2], m[3]
	return pf, true
}

// VR returns the "V-R" key used to index Package.Versions.
func (pf parsedFileName) VR() string { return pf.V + "-" + pf.R }

// ScanOptions controls RepoScanner behavior.
type ScanOptions struct {
	Strict bool // require strict SPVR hints (homepage mandatory)
}

// ScanDir scans one leaf release-area directory (spec.md §4.4: files
// directly under <arch>/release/<pkgpath>/) and returns the packages it
// contains, keyed by package name (a pkgpath directory may hold several
// package name prefixes when a source package produces more than one
// binary subpackage sharing the directory). Errors accumulate in ec and
// scanning continues past a bad file; a directory-level problem (unable to
// list it) is returned as an error.
func ScanDir(ctx context.Context, dir, pkgpath string, opts ScanOptions, ec *calmerr.Collector) (map[string]*Package, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", dir)
	}

	cache := loadSHA512Cache(dir)
	cacheInfo, _ := os.Stat(filepath.Join(dir, sha512CacheName))
	cacheDirty := false

	packages := map[string]*Package{}
	getPackage := func(name string, kind Kind) *Package {
		key := name
		if p, ok := packages[key]; ok {
			return p
		}
		p := NewPackage(name, pkgpath, kind)
		packages[key] = p
		return p
	}

	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == sha512CacheName {
			continue
		}
		name := entry.Name()
		pf, ok := ParseFileName(name)
		if !ok {
			ec.Addf("%s: unexpected file %s", dir, name)
			continue
		}

		info, err := entry.Info()
		if err != nil {
			ec.Addf("%s/%s: %s", dir, name, err)
			continue
		}

		kind := Binary
		pkgName := pf.Pkg
		if pf.IsSrc {
			kind = Source
			pkgName = SourceName(pf.Pkg)
		}
		pkg := getPackage(pkgName, kind)
		v := pkg.Versions[pf.VR()]
		if v == nil {
			v = &Version{V: version.Parse(pf.VR())}
			pkg.Versions[pf.VR()] = v
		}

		if pf.IsHint {
			if v.Hints != nil {
				ec.Addf("%s: duplicate hint for %s", dir, pf.VR())
				continue
			}
			raw, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				ec.Addf("%s/%s: %s", dir, name, err)
				continue
			}
			schemaKind := hint.PVR
			if kind == Source {
				schemaKind = hint.SPVR
			}
			res := hint.Parse(string(raw), schemaKind, opts.Strict)
			for _, e := range res.Errors {
				ec.AddAttributed("", pf.Pkg, fmt.Errorf("%s: %s", name, e))
			}
			for _, w := range res.Warnings {
				dlog.Warnf(ctx, "%s/%s: %s", dir, name, w)
			}
			v.Hints = res.Hints
			_, v.Test = res.Hints["test"]
			v.HintRelPath = pkgpath
			v.HintFilename = name
			continue
		}

		if v.Tar != nil {
			ec.Addf("%s: duplicate tar of kind for %s", dir, pf.VR())
			continue
		}

		sum, cached := cache[name]
		if !cached || fileChangedSince(info, cacheInfo) {
			sum, err = sha512File(filepath.Join(dir, name))
			if err != nil {
				ec.Addf("%s/%s: %s", dir, name, err)
				continue
			}
			cacheDirty = true
		}

		isEmpty := classifyEmpty(filepath.Join(dir, name), info.Size())

		v.Tar = &Tar{
			RelPath:  pkgpath,
			Filename: name,
			Size:     info.Size(),
			ModTime:  info.ModTime().Unix(),
			SHA512:   sum,
			IsEmpty:  isEmpty,
		}
	}

	if cacheDirty {
		if err := writeSHA512Cache(dir, packages); err != nil {
			dlog.Warnf(ctx, "writing sha512 cache in %s: %s", dir, err)
		}
	}

	return packages, nil
}

// ScanTree walks every directory under root (following the os.walk +
// per-directory read idiom of package.py's read_packages), calling
// ScanDir on each one with a pkgpath relative to root, and merges the
// per-directory package maps into one Set for arch. A package name
// appearing in more than one directory (unexpected; release-area
// directories are normally disjoint per package) has its versions
// unioned into the first directory's Package rather than erroring, since
// read_packages' own merge({}, ...) is itself forgiving about this.
func ScanTree(ctx context.Context, root string, arch Arch, opts ScanOptions, ec *calmerr.Collector) (*Set, error) {
	set := NewSet(arch)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return set, nil
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			rel = ""
		}

		pkgs, serr := ScanDir(ctx, path, rel, opts, ec)
		if serr != nil {
			return serr
		}
		for name, p := range pkgs {
			existing, ok := set.Packages[name]
			if !ok {
				set.Put(p)
				continue
			}
			for vr, v := range p.Versions {
				existing.Versions[vr] = v
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning %s", root)
	}
	return set, nil
}

// classifyEmpty implements the size-based shortcut from spec.md §4.4: a
// file of 32 bytes or fewer is treated as empty without opening it; one
// larger than 1024 bytes is optimistically treated as non-empty; anything
// in between is actually opened and tested for zero tar members. A read
// error on the boundary case makes the file count as empty; the error is
// neither logged nor recorded, and the file is not otherwise marked
// invalid.
func classifyEmpty(path string, size int64) bool {
	if size <= emptySizeThreshold {
		return true
	}
	if size > nonEmptySizeThreshold {
		return false
	}
	empty, err := tarIsEmpty(path)
	if err != nil {
		return true
	}
	return empty
}

func tarIsEmpty(path string) (bool, error) {
	rc, err := OpenArchive(path)
	if err != nil {
		return false, err
	}
	defer rc.Close()
	tr := tar.NewReader(rc)
	_, err = tr.Next()
	if err == io.EOF {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

const sha512CacheName = "sha512.sum"

// loadSHA512Cache reads a standard sha512sum-format cache file, returning
// filename→hex digest. It is consulted only when the cache file's mtime is
// at least as new as the file it describes (spec.md §4.4); ScanDir
// applies this per file via fileChangedSince.
func loadSHA512Cache(dir string) map[string]string {
	cache := map[string]string{}
	data, err := os.ReadFile(filepath.Join(dir, sha512CacheName))
	if err != nil {
		return cache
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		cache[fields[1]] = fields[0]
	}
	return cache
}

// fileChangedSince reports whether the file described by info was modified
// after the cache file described by cacheInfo. The cache format (plain
// sha512sum lines) carries no per-entry timestamp of its own, so the cache
// file's own mtime decides; a nil cacheInfo (no cache file) counts as
// changed.
func fileChangedSince(info, cacheInfo fs.FileInfo) bool {
	return cacheInfo == nil || info.ModTime().After(cacheInfo.ModTime())
}

func sha512File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha512.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeSHA512Cache(dir string, packages map[string]*Package) error {
	var b strings.Builder
	for _, p := range packages {
		for _, v := range p.Versions {
			if v.Tar == nil {
				continue
			}
			fmt.Fprintf(&b, "%s  %s\n", v.Tar.SHA512, v.Tar.Filename)
		}
	}
	tmp := filepath.Join(dir, sha512CacheName+".tmp")
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, sha512CacheName))
}
