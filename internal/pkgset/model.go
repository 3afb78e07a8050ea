// Package pkgset implements the in-memory package model described in
// spec.md §3/§4.4/§4.5: Package, Tar and the per-arch PackageSet that
// RepoScanner and UploadScanner populate and Validator/RetentionEngine/
// IndexWriter consume. A PackageSet is rebuilt from scratch every cycle;
// nothing here persists a pointer graph across cycles (spec.md §9).
package pkgset

import (
	"github.com/release-area/calm/internal/hint"
	"github.com/release-area/calm/internal/version"
)

// Kind distinguishes binary packages from their synthetic "-src" source
// counterparts.
type Kind int

const (
	Binary Kind = iota
	Source
)

// Importance is assigned by Validator step 14.
type Importance int

const (
	Other Importance = iota
	BaseDep
	Base
)

// Tar is a single on-disk archive for one (package, version, arch). It is
// read-only once RepoScanner or UploadScanner has populated it.
type Tar struct {
	RelPath    string // directory the file lives in, relative to an arch root
	Filename   string
	Size       int64
	ModTime    int64 // unix seconds
	SHA512     string
	IsEmpty    bool
	IsUsed     bool // referenced by a same-version counterpart (source<->binary)
	Sourceless bool // binary explicitly has no corresponding source
}

// Version is one version-release's worth of per-version data: its tar (if
// any) and its parsed hint file.
type Version struct {
	V     version.SetupVersion
	Tar   *Tar // nil if a version has a hint but no tar (unusual, but legal mid-cycle)
	Hints hint.Hints
	Test  bool // the hint file carried a `test` key

	// HintRelPath/HintFilename locate the .hint file on disk, so
	// RetentionEngine can move it alongside its tar when the version
	// goes stale.
	HintRelPath  string
	HintFilename string
}

// Package holds everything known about one package name within one arch
// namespace.
type Package struct {
	Name string
	Path string // canonical path under the release area, shared across arches
	Kind Kind

	Versions map[string]*Version // key: version-release string, e.g. "1.0-1"
	Override hint.Hints

	// Derived by Validator; rebuilt fresh every cycle.
	RDepends      map[string]bool
	BuildRDepends map[string]bool
	ObsoletedBy   map[string]bool
	IsUsedBy      map[string]bool

	NotForOutput bool
	Obsolete     bool
	Orphaned     bool

	BestVersion string // version-release key into Versions
	Importance  Importance
}

// NewPackage returns an empty Package ready for a scanner to populate.
func NewPackage(name, path string, kind Kind) *Package {
	return &Package{
		Name:          name,
		Path:          path,
		Kind:          kind,
		Versions:      map[string]*Version{},
		Override:      hint.Hints{},
		RDepends:      map[string]bool{},
		BuildRDepends: map[string]bool{},
		ObsoletedBy:   map[string]bool{},
		IsUsedBy:      map[string]bool{},
	}
}

// SourceName returns name with the synthetic "-src" suffix appended, the
// identifier under which a binary package's source counterpart is stored.
func SourceName(name string) string { return name + "-src" }

// VersionList returns the parsed versions of p in ascending order.
func (p *Package) VersionList() []version.SetupVersion {
	vs := make([]version.SetupVersion, 0, len(p.Versions))
	for _, v := range p.Versions {
		vs = append(vs, v.V)
	}
	version.Sort(vs)
	return vs
}

// Get looks up a version by its V-R string.
func (p *Package) Get(vr string) (*Version, bool) {
	v, ok := p.Versions[vr]
	return v, ok
}
