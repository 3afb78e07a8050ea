// Package index implements the IndexWriter of spec.md §4.9: emits the
// textual setup.ini describing every installable binary package, plus a
// compressed JSON repository summary.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/release-area/calm/internal/pkgset"
	"github.com/release-area/calm/internal/version"
)

// Options controls one Write call.
type Options struct {
	Arch          string
	Release       string // optional `release:` header value
	SetupVersion  string // optional setup-version compatibility tokens
	SigningKeys   []string
	Compressions  []string // extensions to emit alongside the plaintext; default bz2/xz/zst
	DryRun        bool
}

// sortKey implements package.py's sort_key: '!'-prefixed names sort
// first, '_'-prefixed names sort last, everything else case-insensitively.
func sortKey(name string) string {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "!") {
		return "\x00" + lower
	}
	if strings.HasPrefix(lower, "_") {
		return "\xff" + lower
	}
	return lower
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// WriteSetupIni renders setup.ini for one arch's merged package view into
// buf, per spec.md §4.9's section-ordering rules.
func WriteSetupIni(buf *bytes.Buffer, packages map[string]*pkgset.Package, opts Options, now time.Time) {
	fmt.Fprintf(buf, "# This file was automatically generated at %s.\n", now.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintln(buf, "#")
	fmt.Fprintln(buf, "# If you edit it, your edits will be discarded next time the file is")
	fmt.Fprintln(buf, "# generated.")
	fmt.Fprintln(buf, "#")
	fmt.Fprintln(buf, "# See https://sourceware.org/cygwin-apps/setup.ini.html for a description")
	fmt.Fprintln(buf, "# of the format.")

	if opts.Release != "" {
		fmt.Fprintf(buf, "release: %s\n", opts.Release)
	}
	fmt.Fprintf(buf, "arch: %s\n", opts.Arch)
	fmt.Fprintf(buf, "setup-timestamp: %d\n", now.Unix())

	if opts.SetupVersion != "" {
		fmt.Fprintln(buf, "include-setup: setup <2.878 not supported")
		fmt.Fprintln(buf, "setup-minimum-version: 2.903")
		fmt.Fprintf(buf, "setup-version: %s\n", opts.SetupVersion)
	}

	names := make([]string, 0, len(packages))
	for name, p := range packages {
		if p.Kind == pkgset.Source || p.NotForOutput {
			continue
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return sortKey(names[i]) < sortKey(names[j]) })

	for _, name := range names {
		writePackageSection(buf, name, packages)
	}
}

func writePackageSection(buf *bytes.Buffer, name string, packages map[string]*pkgset.Package) {
	p := packages[name]
	bv := p.BestVersion
	bestV, ok := p.Versions[bv]
	if !ok {
		return
	}

	fmt.Fprintf(buf, "\n@ %s\n", name)
	fmt.Fprintf(buf, "sdesc: %s\n", bestV.Hints["sdesc"])
	if ldesc, ok := bestV.Hints["ldesc"]; ok {
		fmt.Fprintf(buf, "ldesc: %s\n", ldesc)
	}

	category := bestV.Hints["category"]
	if p.Orphaned {
		category += " unmaintained"
	}
	var titled []string
	for _, c := range strings.Fields(category) {
		titled = append(titled, upperFirst(c))
	}
	fmt.Fprintf(buf, "category: %s\n", strings.Join(titled, " "))

	if msg, ok := bestV.Hints["message"]; ok {
		fmt.Fprintf(buf, "message: %s\n", msg)
	}
	if rv, ok := p.Override["replace-versions"]; ok {
		fmt.Fprintf(buf, "replace-versions: %s\n", rv)
	}

	for _, section := range buildSections(name, p, packages) {
		if section.Tag != "curr" {
			fmt.Fprintf(buf, "[%s]\n", section.Tag)
		}
		fmt.Fprintf(buf, "version: %s\n", section.VR)

		v, hasVersion := p.Versions[section.VR]
		isEmpty := false
		if hasVersion && v.Tar != nil {
			writeTarLine(buf, "install", v.Tar)
			isEmpty = v.Tar.IsEmpty
		}

		srcName := ""
		if hasVersion {
			srcName = v.Hints["external-source"]
		}
		if srcName == "" {
			srcName = strings.TrimSuffix(name, "-src")
		}
		srcPkg, hasSrc := packages[pkgset.SourceName(srcName)]
		if hasSrc {
			if sv, ok := srcPkg.Versions[section.VR]; ok && sv.Tar != nil {
				writeTarLine(buf, "source", sv.Tar)
			} else if !isEmpty {
				// no matching source version; silently omit, matching
				// the upstream behavior of warning only (not erroring)
			}
		}

		if hasVersion {
			for _, key := range []string{"depends", "obsoletes", "provides", "conflicts"} {
				if val, ok := v.Hints[key]; ok && val != "" {
					outKey := key
					if key == "depends" {
						outKey = "depends2"
					}
					fmt.Fprintf(buf, "%s: %s\n", outKey, val)
				}
			}
		}

		if hasSrc {
			if sv, ok := srcPkg.Versions[section.VR]; ok {
				if bd := sv.Hints["build-depends"]; bd != "" {
					filtered := filterPureAtoms(bd)
					if len(filtered) > 0 {
						fmt.Fprintf(buf, "build-depends: %s\n", strings.Join(filtered, ", "))
					}
				}
			}
		}
	}
}

func writeTarLine(buf *bytes.Buffer, category string, t *pkgset.Tar) {
	fmt.Fprintf(buf, "%s: %s %d %s\n", category, filepath.Join(t.RelPath, t.Filename), t.Size, t.SHA512)
}

func filterPureAtoms(bd string) []string {
	var out []string
	for _, atom := range strings.Split(bd, ", ") {
		if !strings.Contains(atom, "(") {
			out = append(out, atom)
		}
	}
	return out
}

type section struct {
	VR  string
	Tag string
}

// buildSections reproduces the curr/prev/test ordering of spec.md §4.9:
// curr first (header omitted), then other versions descending, then prev,
// then test (which must come last so it wins when setup reads the file).
func buildSections(name string, p *pkgset.Package, packages map[string]*pkgset.Package) []section {
	var nonTestDesc, testDesc []string
	for vr, v := range p.Versions {
		if v.Test {
			testDesc = append(testDesc, vr)
		} else {
			nonTestDesc = append(nonTestDesc, vr)
		}
	}
	sortDesc := func(vrs []string) {
		sort.Slice(vrs, func(i, j int) bool {
			return version.Less(p.Versions[vrs[j]].V, p.Versions[vrs[i]].V)
		})
	}
	sortDesc(nonTestDesc)
	sortDesc(testDesc)

	var currVR, prevVR, testVR string
	if len(nonTestDesc) >= 1 {
		currVR = nonTestDesc[0]
	}
	if len(nonTestDesc) >= 2 {
		prevVR = nonTestDesc[1]
	}
	if len(testDesc) >= 1 {
		testVR = testDesc[0]
	}

	all := map[string]bool{}
	for vr := range p.Versions {
		all[vr] = true
	}
	if sibling, ok := packages[name+"-src"]; ok {
		for vr := range sibling.Versions {
			all[vr] = true
		}
	}
	allVRs := make([]string, 0, len(all))
	for vr := range all {
		allVRs = append(allVRs, vr)
	}
	sort.Slice(allVRs, func(i, j int) bool {
		return version.Less(version.Parse(allVRs[j]), version.Parse(allVRs[i]))
	})

	var out []section
	if currVR != "" {
		out = append(out, section{VR: currVR, Tag: "curr"})
	}
	for _, vr := range allVRs {
		if vr == currVR || vr == prevVR || vr == testVR {
			continue
		}
		tag := "prev"
		if v, ok := p.Versions[vr]; ok && v.Test {
			tag = "test"
		}
		out = append(out, section{VR: vr, Tag: tag})
	}
	if prevVR != "" {
		out = append(out, section{VR: prevVR, Tag: "prev"})
	}
	if testVR != "" {
		out = append(out, section{VR: testVR, Tag: "test"})
	}
	return out
}

// RepoSummary is the JSON repository summary of spec.md §4.9.
type RepoSummary struct {
	Name        string              `json:"name"`
	Versions    map[string][]string `json:"versions"`
	Summary     string              `json:"summary"`
	Arches      []string            `json:"arches"`
	Subpackages []SubpackageSummary `json:"subpackages"`
	Homepage    string              `json:"homepage,omitempty"`
	License     string              `json:"license,omitempty"`
	BuildDeps   string              `json:"build-depends,omitempty"`
}

type SubpackageSummary struct {
	Name       string   `json:"name"`
	Categories []string `json:"categories"`
	Depends    []string `json:"depends,omitempty"`
	Provides   []string `json:"provides,omitempty"`
	Obsoletes  []string `json:"obsoletes,omitempty"`
}

// BuildRepoSummary merges the per-arch views named in archPackages (keyed
// by arch name) into one sorted JSON-ready summary of every source
// package, per write_repo_json.
func BuildRepoSummary(archPackages map[string]map[string]*pkgset.Package) []RepoSummary {
	lookup := func(name string) (*pkgset.Package, []string) {
		var p *pkgset.Package
		var arches []string
		for arch, pkgs := range archPackages {
			if found, ok := pkgs[name]; ok {
				p = found
				arches = append(arches, arch)
			}
		}
		sort.Strings(arches)
		return p, arches
	}

	names := map[string]bool{}
	for _, pkgs := range archPackages {
		for name := range pkgs {
			names[name] = true
		}
	}

	var out []RepoSummary
	var sortedNames []string
	for n := range names {
		sortedNames = append(sortedNames, n)
	}
	sort.Strings(sortedNames)

	for _, name := range sortedNames {
		p, arches := lookup(name)
		if p == nil || p.Kind != pkgset.Source || p.BestVersion == "" {
			continue
		}
		bv := p.Versions[p.BestVersion]

		versions := map[string][]string{}
		var vrs []string
		for vr := range p.Versions {
			vrs = append(vrs, vr)
		}
		sort.Slice(vrs, func(i, j int) bool {
			return version.Less(p.Versions[vrs[i]].V, p.Versions[vrs[j]].V)
		})
		for _, vr := range vrs {
			key := "stable"
			if p.Versions[vr].Test {
				key = "test"
			}
			versions[key] = append(versions[key], vr)
		}

		d := RepoSummary{
			Name:     p.Name,
			Versions: versions,
			Summary:  strings.Trim(bv.Hints["sdesc"], `"`),
			Arches:   arches,
		}

		var subNames []string
		for sp := range p.IsUsedBy {
			subNames = append(subNames, sp)
		}
		sort.Strings(subNames)
		for _, sp := range subNames {
			subPkg, _ := lookup(sp)
			if subPkg == nil || subPkg.BestVersion == "" {
				continue
			}
			hints := subPkg.Versions[subPkg.BestVersion].Hints
			s := SubpackageSummary{Name: sp, Categories: strings.Fields(hints["category"])}
			if v := hints["depends"]; v != "" {
				s.Depends = splitTrim(v)
			}
			if v := hints["provides"]; v != "" {
				s.Provides = splitTrim(v)
			}
			if v := hints["obsoletes"]; v != "" {
				s.Obsoletes = splitTrim(v)
			}
			d.Subpackages = append(d.Subpackages, s)
		}

		d.Homepage = bv.Hints["homepage"]
		d.License = bv.Hints["license"]
		d.BuildDeps = bv.Hints["build-depends"]

		out = append(out, d)
	}
	return out
}

func splitTrim(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// WriteRepoJSON renders the merged-arch repository summary to jsonPath,
// skipping the write if the live file already matches (write_repo_json's
// own write-if-changed behavior, per spec.md §4.9).
func WriteRepoJSON(ctx context.Context, jsonPath string, archPackages map[string]map[string]*pkgset.Package, dryRun bool) (bool, error) {
	summaries := BuildRepoSummary(archPackages)
	body, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return false, errors.Wrap(err, "marshaling repo summary")
	}
	body = append(body, '\n')

	old, err := os.ReadFile(jsonPath)
	if err == nil && bytes.Equal(old, body) {
		dlog.Debugf(ctx, "repo.json unchanged")
		return false, nil
	}
	if dryRun {
		return true, nil
	}
	if _, err := writeAtomic(jsonPath, body, false); err != nil {
		return false, err
	}
	return true, nil
}

// Write renders setup.ini for arch against the current live index at
// iniPath, discarding the render if it is identical (ignoring the
// timestamp/comment lines) to what's already there, else atomically
// replacing it and invoking the external compressors/signer for each
// compressed variant plus the plaintext. Returns whether the index
// changed.
func Write(ctx context.Context, iniPath string, packages map[string]*pkgset.Package, opts Options, now time.Time) (bool, error) {
	var buf bytes.Buffer
	WriteSetupIni(&buf, packages, opts, now)

	if !opts.DryRun {
		if err := os.Chmod(iniPath, 0644); err != nil && !os.IsNotExist(err) {
			dlog.Debugf(ctx, "chmod %s: %s", iniPath, err)
		}
	}

	changed, err := writeIfChanged(ctx, iniPath, buf.Bytes(), opts.DryRun)
	if err != nil {
		return false, err
	}
	if !changed {
		dlog.Debugf(ctx, "setup.ini for %s unchanged", opts.Arch)
		return false, nil
	}
	if opts.DryRun {
		return true, nil
	}

	dlog.Infof(ctx, "updated setup.ini for arch %q", opts.Arch)

	basedir := filepath.Dir(iniPath)
	compressions := opts.Compressions
	if len(compressions) == 0 {
		compressions = []string{"bz2", "xz", "zst"}
	}
	if err := compressAndSign(ctx, iniPath, basedir, compressions, opts.SigningKeys); err != nil {
		return true, err
	}
	return true, nil
}

// writeIfChanged compares newBody against the file at path, ignoring
// lines beginning with "setup-timestamp" or "#" (ignore-timestamp-and-
// comments diff, per spec.md §4.9), writing newBody over path only if a
// meaningful difference is found.
func writeIfChanged(ctx context.Context, path string, newBody []byte, dryRun bool) (bool, error) {
	old, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			dlog.Warnf(ctx, "no existing %s", path)
			return writeAtomic(path, newBody, dryRun)
		}
		return false, errors.Wrapf(err, "reading %s", path)
	}
	if significantLines(old) == significantLines(newBody) {
		return false, nil
	}
	return writeAtomic(path, newBody, dryRun)
}

func significantLines(b []byte) string {
	var kept []string
	for _, line := range strings.Split(string(b), "\n") {
		if strings.HasPrefix(line, "setup-timestamp") || strings.HasPrefix(line, "#") {
			continue
		}
		kept = append(kept, strings.TrimRight(line, " \t"))
	}
	return strings.Join(kept, "\n")
}

func writeAtomic(path string, body []byte, dryRun bool) (bool, error) {
	if dryRun {
		return true, nil
	}
	if _, err := os.Stat(path); err == nil {
		_ = copyFileContents(path, path+".bak")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0644); err != nil {
		return false, errors.Wrapf(err, "writing %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return false, errors.Wrapf(err, "renaming %s to %s", tmp, path)
	}
	return true, nil
}

func copyFileContents(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// compressAndSign shells out to bzip2/xz/zstd to produce setup.<ext> next
// to setup.ini, then invokes gpg to detach-sign each compressed variant
// and the plaintext — there is no pack library for any of these, and the
// teacher's own xz-shell-out idiom (common/tar.go) is the precedent for
// reaching for the command-line tool instead.
func compressAndSign(ctx context.Context, iniPath, basedir string, compressions []string, keys []string) error {
	in, err := os.ReadFile(iniPath)
	if err != nil {
		return errors.Wrapf(err, "reading %s", iniPath)
	}

	targets := []string{"setup.ini"}
	for _, ext := range compressions {
		outPath := filepath.Join(basedir, "setup."+ext)
		os.Remove(outPath + ".sig")

		var cmdLine []string
		switch ext {
		case "bz2":
			cmdLine = []string{"bzip2"}
		case "xz":
			cmdLine = []string{"xz", "-6e"}
		case "zst":
			cmdLine = []string{"zstd", "-q", "-f", "--ultra", "-20"}
		default:
			continue
		}
		if err := runCompressor(cmdLine, in, outPath); err != nil {
			dlog.Errorf(ctx, "compressing %s: %s", outPath, err)
			continue
		}
		targets = append(targets, "setup."+ext)
	}

	for _, t := range targets {
		path := filepath.Join(basedir, t)
		if err := sign(path, keys); err != nil {
			dlog.Errorf(ctx, "signing %s: %s", path, err)
		}
	}
	return nil
}

func runCompressor(cmdLine []string, input []byte, outPath string) error {
	cmd := exec.Command(cmdLine[0], cmdLine[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	out, err := cmd.Output()
	if err != nil {
		return errors.Wrapf(err, "running %s", strings.Join(cmdLine, " "))
	}
	return os.WriteFile(outPath, out, 0644)
}

func sign(path string, keys []string) error {
	args := []string{}
	for _, k := range keys {
		args = append(args, "-u", k)
	}
	args = append(args, "--batch", "--yes", "-b", path)
	cmd := exec.Command("gpg", args...)
	return cmd.Run()
}
