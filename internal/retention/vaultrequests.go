package retention

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// LoadVaultRequests reads the persisted vault-request table described in
// spec.md §9 ("calm/vault.py"): a flat "source-package version-release"
// per line file letting a maintainer flag a specific old version for
// forced vaulting outside the normal keep-count/keep-days rules. A
// missing file means no requests are pending.
func LoadVaultRequests(path string) (map[string]map[string]bool, error) {
	out := map[string]map[string]bool{}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening vault requests %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		pkg, vr := fields[0], fields[1]
		if out[pkg] == nil {
			out[pkg] = map[string]bool{}
		}
		out[pkg][vr] = true
	}
	return out, errors.Wrap(scanner.Err(), "reading vault requests")
}
