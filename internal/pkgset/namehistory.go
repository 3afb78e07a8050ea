package pkgset

import (
	"bufio"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// NameHistory is the small persisted set of package and provided-names
// ever seen, named in spec.md §5/§9 as "the historic-names table". It
// guards Validator step 1 against flagging a dependency on a package that
// existed in the past (even if currently vaulted or renamed) as invalid.
//
// It is backed by a flat newline-delimited file rather than a database:
// nothing in the retrieved corpus imports a SQL or embedded-KV library, so
// a line-oriented store matches the teacher's own preference for plain
// text formats (TOML config, line-oriented hint files) over a binary
// store. See DESIGN.md.
type NameHistory struct {
	path  string
	names map[string]bool
}

// LoadNameHistory reads path if it exists, or returns an empty history if
// it does not (first run).
func LoadNameHistory(path string) (*NameHistory, error) {
	h := &NameHistory{path: path, names: map[string]bool{}}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return h, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening name history %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			h.names[line] = true
		}
	}
	return h, errors.Wrap(scanner.Err(), "reading name history")
}

// Record adds names to the history (idempotent).
func (h *NameHistory) Record(names ...string) {
	for _, n := range names {
		h.names[n] = true
	}
}

// Has reports whether name was ever seen.
func (h *NameHistory) Has(name string) bool { return h.names[name] }

// Names returns a snapshot of every name recorded so far, for wiring into
// internal/validate.Exemptions.HistoricalProvides.
func (h *NameHistory) Names() map[string]bool {
	out := make(map[string]bool, len(h.names))
	for n := range h.names {
		out[n] = true
	}
	return out
}

// Save writes the history back to disk, sorted for a stable diff.
func (h *NameHistory) Save() error {
	names := make([]string, 0, len(h.names))
	for n := range h.names {
		names = append(names, n)
	}
	sort.Strings(names)

	tmp := h.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "creating %s", tmp)
	}
	w := bufio.NewWriter(f)
	for _, n := range names {
		if _, err := w.WriteString(n + "\n"); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, h.path)
}
