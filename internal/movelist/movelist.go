// Package movelist implements the (relative directory → set of filenames)
// relocation plan described in spec.md §4.3: a MoveList accumulates files
// destined to move (or copy) from one base directory to another, then
// applies the relocation in one pass, creating destination directories as
// needed and logging each file. Non-existent sources are logged as errors
// but never abort the relocation.
package movelist

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
)

// MoveList maps a relative directory path to the set of filenames within
// it that are part of the plan. The zero value is an empty, usable
// MoveList.
type MoveList struct {
	files map[string]map[string]bool
}

// New returns an empty MoveList.
func New() *MoveList {
	return &MoveList{files: map[string]map[string]bool{}}
}

// Add records relpath/filename as part of the plan.
func (m *MoveList) Add(relpath, filename string) {
	if m.files == nil {
		m.files = map[string]map[string]bool{}
	}
	if m.files[relpath] == nil {
		m.files[relpath] = map[string]bool{}
	}
	m.files[relpath][filename] = true
}

// Remove drops every file recorded under relpath.
func (m *MoveList) Remove(relpath string) {
	delete(m.files, relpath)
}

// Len returns the number of distinct relative directories present.
func (m *MoveList) Len() int { return len(m.files) }

// Empty reports whether the MoveList carries no entries at all (spec.md
// §4.3: "empty movelists are falsy").
func (m *MoveList) Empty() bool { return len(m.files) == 0 }

// Dirs returns the relative directories present, sorted.
func (m *MoveList) Dirs() []string {
	dirs := make([]string, 0, len(m.files))
	for d := range m.files {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// Files returns the filenames recorded under relpath, sorted.
func (m *MoveList) Files(relpath string) []string {
	names := make([]string, 0, len(m.files[relpath]))
	for f := range m.files[relpath] {
		names = append(names, f)
	}
	sort.Strings(names)
	return names
}

// Map applies fn to every (relpath, filename) pair in the list.
func (m *MoveList) Map(fn func(relpath, filename string)) {
	for _, p := range m.Dirs() {
		for _, f := range m.Files(p) {
			fn(p, f)
		}
	}
}

// Intersect computes the pairwise intersection of a and b: a relpath
// survives only if both sides name it, and then only the filenames common
// to both survive.
func Intersect(a, b *MoveList) *MoveList {
	out := New()
	for p, af := range a.files {
		bf, ok := b.files[p]
		if !ok {
			continue
		}
		for f := range af {
			if bf[f] {
				out.Add(p, f)
			}
		}
	}
	return out
}

// relocate is the shared implementation behind Move and Copy: apply op (rename or copy) to every file, creating destination
// directories first, logging progress through ctx's logger, and
// continuing past missing sources instead of aborting.
func (m *MoveList) relocate(ctx context.Context, fromDir, toDir string, dryRun bool, op func(src, dst string) error, verb string) error {
	for _, p := range m.Dirs() {
		destDir := filepath.Join(toDir, p)
		dlog.Debugf(ctx, "mkdir %s", destDir)
		if !dryRun {
			if err := os.MkdirAll(destDir, 0755); err != nil {
				return errors.Wrapf(err, "creating %s", destDir)
			}
		}
		srcDir := filepath.Join(fromDir, p)
		dlog.Debugf(ctx, "%s from %q to %q", verb, srcDir, destDir)
		for _, f := range m.Files(p) {
			src := filepath.Join(srcDir, f)
			dst := filepath.Join(destDir, f)
			if _, err := os.Stat(src); err != nil {
				dlog.Errorf(ctx, "%s can't be %sd as it doesn't exist", f, verb)
				continue
			}
			dlog.Infof(ctx, "%s", filepath.Join(p, f))
			if dryRun {
				continue
			}
			if err := op(src, dst); err != nil {
				return errors.Wrapf(err, "%s %s to %s", verb, src, dst)
			}
		}
	}
	return nil
}

// Move renames every file in the list from fromDir to toDir.
func (m *MoveList) Move(ctx context.Context, fromDir, toDir string, dryRun bool) error {
	return m.relocate(ctx, fromDir, toDir, dryRun, os.Rename, "move")
}

// Copy duplicates every file in the list from fromDir to toDir, leaving
// the source in place.
func (m *MoveList) Copy(ctx context.Context, fromDir, toDir string, dryRun bool) error {
	return m.relocate(ctx, fromDir, toDir, dryRun, copyFile, "copy")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
