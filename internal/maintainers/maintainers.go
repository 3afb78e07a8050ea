// Package maintainers implements the maintainer list of spec.md §4.7's
// upstream half: who maintains which packages, their contact email, and
// the per-maintainer reminder-timestamp marker file.
package maintainers

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/datawire/dlib/dlog"

	"github.com/release-area/calm/internal/upload"
)

// Maintainer is one entry in the maintainer list: a home directory under
// the homedirs root, zero or more contact addresses, and the packages
// they maintain.
type Maintainer struct {
	Name     string
	Email    []string
	Packages []string

	homedir      string
	reminderPath string
	ReminderTime time.Time

	RemindersIssued           bool
	RemindersTimestampChecked bool
}

// List is the full maintainer set, keyed by name.
type List map[string]*Maintainer

func find(list List, name, homedirsRoot string) *Maintainer {
	if m, ok := list[name]; ok {
		return m
	}
	m := &Maintainer{Name: name, homedir: filepath.Join(homedirsRoot, name)}
	reminderFile := filepath.Join(m.homedir, "!reminder-timestamp")
	if fi, err := os.Stat(reminderFile); err == nil {
		m.ReminderTime = fi.ModTime()
	}
	m.reminderPath = reminderFile
	list[name] = m
	return m
}

// ReadDirectories scans homedirsRoot for maintainer home directories,
// picking up each one's `!email`/`!mail` contact file (one address per
// line, '#'-prefixed and blank lines ignored).
func ReadDirectories(ctx context.Context, list List, homedirsRoot string) (List, error) {
	entries, err := os.ReadDir(homedirsRoot)
	if err != nil {
		return list, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := find(list, e.Name(), homedirsRoot)
		for _, fname := range []string{"!email", "!mail"} {
			path := filepath.Join(m.homedir, fname)
			f, err := os.Open(path)
			if err != nil {
				continue
			}
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				m.Email = append(m.Email, line)
			}
			f.Close()
		}
		if len(m.Email) == 0 {
			dlog.Errorf(ctx, "no email address known for maintainer %q", m.Name)
		}
	}
	return list, nil
}

var pkgLineRE = regexp.MustCompile(`^(\S+)\s+(.+)$`)
var statusRE = regexp.MustCompile(`^([A-Z]+)\b.*$`)
var orphanedPrevRE = regexp.MustCompile(`^ORPHANED\s\((.*)\)`)

// ReadPackageList parses a cygwin-pkg-maint-style "<package> <maintainer
// or status>" list, joining joint maintainers separated by '/' and
// rerouting ORPHANED packages to orphanMaint (if non-empty) or the
// literal maintainer name "ORPHANED".
func ReadPackageList(ctx context.Context, list List, pkglistPath, homedirsRoot, orphanMaint string) (List, error) {
	f, err := os.Open(pkglistPath)
	if err != nil {
		return list, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		match := pkgLineRE.FindStringSubmatch(line)
		if match == nil {
			dlog.Errorf(ctx, "unrecognized line in %s:%d: %q", pkglistPath, lineNo, line)
			continue
		}
		pkg, rest := match[1], match[2]

		maintField := rest
		if sm := statusRE.FindStringSubmatch(rest); sm != nil {
			status := sm[1]
			switch status {
			case "OBSOLETE":
				continue
			case "ORPHANED":
				m := orphanMaint
				if m == "" {
					m = "ORPHANED"
				}
				if pm := orphanedPrevRE.FindStringSubmatch(rest); pm != nil {
					m = m + "/" + pm[1]
				}
				maintField = m
			default:
				dlog.Errorf(ctx, "unknown package status %q in line %s:%d: %q", status, pkglistPath, lineNo, line)
				continue
			}
		}

		for _, name := range strings.Split(maintField, "/") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if !isASCII(name) {
				dlog.Errorf(ctx, "non-ascii maintainer name %q in line %s:%d, skipped", rest, pkglistPath, lineNo)
				continue
			}
			m := find(list, name, homedirsRoot)
			m.Packages = append(m.Packages, pkg)
		}
	}
	return list, nil
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// Read builds the complete maintainer list: home directories first (for
// contact info), then the package-maintainer mapping.
func Read(ctx context.Context, homedirsRoot, pkglistPath, orphanMaint string) (List, error) {
	list := List{}
	list, err := ReadDirectories(ctx, list, homedirsRoot)
	if err != nil {
		return nil, err
	}
	return ReadPackageList(ctx, list, pkglistPath, homedirsRoot, orphanMaint)
}

// Invert returns, for every package name, the maintainers responsible
// for it.
func Invert(list List) map[string][]string {
	out := map[string][]string{}
	for _, m := range list {
		for _, p := range m.Packages {
			out[p] = append(out[p], m.Name)
		}
	}
	return out
}

// AllPackages returns every package named by any maintainer, deduplicated
// and sorted.
func AllPackages(list List) []string {
	seen := map[string]bool{}
	for _, m := range list {
		for _, p := range m.Packages {
			seen[p] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// UpdateReminderTimes touches or clears each maintainer's
// `!reminder-timestamp` marker file, reflecting whether a reminder was
// actually issued this cycle.
func UpdateReminderTimes(ctx context.Context, list List) {
	for _, m := range list {
		if m.RemindersIssued {
			dlog.Debugf(ctx, "updating reminder time for %s", m.Name)
			now := time.Now()
			if err := os.Chtimes(m.reminderPath, now, now); err != nil {
				f, cerr := os.Create(m.reminderPath)
				if cerr == nil {
					f.Close()
				}
			}
		} else if !m.RemindersTimestampChecked && !m.ReminderTime.IsZero() {
			dlog.Debugf(ctx, "resetting reminder time for %s", m.Name)
			if err := os.Remove(m.reminderPath); err != nil && !os.IsNotExist(err) {
				dlog.Warnf(ctx, "removing %s: %s", m.reminderPath, err)
			}
		}
	}
}

// ToUploadMaintainer adapts m into the upload.Maintainer shape Scan
// expects, copying Name, Packages, ReminderTime, RemindersIssued and
// RemindersTimestampChecked forward; SyncFromUpload copies the scan's
// verdict back.
func (m *Maintainer) ToUploadMaintainer() *upload.Maintainer {
	pkgs := map[string]bool{}
	for _, p := range m.Packages {
		pkgs[p] = true
	}
	return &upload.Maintainer{
		Name:                      m.Name,
		Packages:                  pkgs,
		ReminderTime:              m.ReminderTime,
		RemindersIssued:           m.RemindersIssued,
		RemindersTimestampChecked: m.RemindersTimestampChecked,
	}
}

// SyncFromUpload copies scan-verdict fields back from um (after a Scan
// call) onto m, so a subsequent UpdateReminderTimes call reflects what
// actually happened this cycle.
func (m *Maintainer) SyncFromUpload(um *upload.Maintainer) {
	m.RemindersIssued = um.RemindersIssued
	m.RemindersTimestampChecked = um.RemindersTimestampChecked
}

// Homedir returns the maintainer's upload home directory.
func (m *Maintainer) Homedir() string { return m.homedir }
