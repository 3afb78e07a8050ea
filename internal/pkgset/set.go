package pkgset

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"
	"github.com/release-area/calm/internal/calmerr"
)

// Arch names the four namespaces a Set spans, matching spec.md §3/§4.5.
type Arch string

const (
	ArchNoarch Arch = "noarch"
	ArchSrc    Arch = "src"
)

// Set is a PackageSet: for one arch, a mapping package-name → Package.
type Set struct {
	Arch     Arch
	Packages map[string]*Package
}

// NewSet returns an empty Set for the given arch.
func NewSet(arch Arch) *Set {
	return &Set{Arch: arch, Packages: map[string]*Package{}}
}

// Get looks up a package by name.
func (s *Set) Get(name string) (*Package, bool) {
	p, ok := s.Packages[name]
	return p, ok
}

// Put inserts or replaces a package.
func (s *Set) Put(p *Package) { s.Packages[p.Name] = p }

// Delete removes a single (path, filename) version from whichever package
// owns it; if the package is left with no versions at all, the package
// itself is removed (spec.md §4.5 delete()).
func (s *Set) Delete(path, filename string) {
	for name, p := range s.Packages {
		if p.Path != path {
			continue
		}
		for vr, v := range p.Versions {
			if v.Tar != nil && v.Tar.Filename == filename {
				delete(p.Versions, vr)
			}
		}
		if len(p.Versions) == 0 {
			delete(s.Packages, name)
		}
	}
}

// Merge combines a base set with any number of overlay sets, in order, per
// spec.md §4.5: a package present in only one operand is copied as-is;
// packages present in multiple operands must agree on Path (a mismatch is
// fatal); a version-release key they share may carry a tar on at most one
// side (two tars is fatal); for a shared key the tar is kept from whichever
// side has it, the right-hand (later) operand's hints replace the left's
// (the left's are kept if the right has none), and a warning is logged on
// divergence. Override hints are updated key by key, right-wins.
func Merge(ctx context.Context, base *Set, overlays ...*Set) (*Set, error) {
	out := NewSet(base.Arch)
	for name, p := range base.Packages {
		out.Packages[name] = clonePackage(p)
	}

	for _, overlay := range overlays {
		for name, p := range overlay.Packages {
			existing, ok := out.Packages[name]
			if !ok {
				out.Packages[name] = clonePackage(p)
				continue
			}
			if existing.Path != p.Path {
				return nil, fmt.Errorf("package %s: path collision %q vs %q", name, existing.Path, p.Path)
			}
			for vr, v := range p.Versions {
				if ev, dup := existing.Versions[vr]; dup {
					if ev.Tar != nil && v.Tar != nil {
						return nil, fmt.Errorf("package %s version %s: duplicate tarfile on merge", name, vr)
					}
					if !hintsEqual(ev.Hints, v.Hints) {
						dlog.Warnf(ctx, "package %s version %s: hint divergence on merge, right side wins", name, vr)
					}
					nv := *v
					if nv.Tar == nil {
						nv.Tar = ev.Tar
					}
					if nv.Hints == nil {
						nv.Hints, nv.Test, nv.HintRelPath, nv.HintFilename = ev.Hints, ev.Test, ev.HintRelPath, ev.HintFilename
					}
					v = &nv
				}
				existing.Versions[vr] = v
			}
			for k, v := range p.Override {
				existing.Override[k] = v
			}
		}
	}
	return out, nil
}

func hintsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func clonePackage(p *Package) *Package {
	cp := NewPackage(p.Name, p.Path, p.Kind)
	for k, v := range p.Override {
		cp.Override[k] = v
	}
	for vr, v := range p.Versions {
		cp.Versions[vr] = v
	}
	return cp
}

// MergedView overlays an arch-specific set with the noarch and src sets,
// producing a single lookup table as described in spec.md §3 ("a merged
// per-arch view is produced by overlaying arch-specific, noarch, and src
// namespaces"). Name collisions across namespaces are a caller error
// (spec.md treats package identity as the merge key, not the namespace it
// came from) and are reported via the collector rather than silently
// overwritten.
func MergedView(archSet, noarchSet, srcSet *Set, ec *calmerr.Collector) map[string]*Package {
	merged := map[string]*Package{}
	add := func(s *Set) {
		if s == nil {
			return
		}
		for name, p := range s.Packages {
			if _, dup := merged[name]; dup {
				ec.Addf("package %s appears in more than one arch namespace", name)
				continue
			}
			merged[name] = p
		}
	}
	add(archSet)
	add(noarchSet)
	add(srcSet)
	return merged
}
