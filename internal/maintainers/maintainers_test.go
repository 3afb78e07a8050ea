package maintainers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestReadDirectoriesCollectsEmail(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "alice", "!email"), "# comment\nalice@example.com\n\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bob"), 0755))

	list, err := ReadDirectories(ctx, List{}, root)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com"}, list["alice"].Email)
	assert.Empty(t, list["bob"].Email)
}

func TestReadPackageListSkipsObsoleteAndJoinsMaintainers(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	root := t.TempDir()
	pkglist := filepath.Join(root, "cygwin-pkg-maint")
	writeFile(t, pkglist, strings.Join([]string{
		"foo alice",
		"bar alice/bob",
		"baz OBSOLETE",
		"qux ORPHANED",
	}, "\n")+"\n")

	list, err := ReadPackageList(ctx, List{}, pkglist, root, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"foo", "bar"}, list["alice"].Packages)
	assert.ElementsMatch(t, []string{"bar"}, list["bob"].Packages)
	assert.ElementsMatch(t, []string{"qux"}, list["ORPHANED"].Packages)
	assert.NotContains(t, list, "baz")
}

func TestReadPackageListRoutesOrphanedToDefaultMaintainer(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	root := t.TempDir()
	pkglist := filepath.Join(root, "cygwin-pkg-maint")
	writeFile(t, pkglist, "foo ORPHANED (alice)\n")

	list, err := ReadPackageList(ctx, List{}, pkglist, root, "orphan-team")
	require.NoError(t, err)
	assert.Contains(t, list, "orphan-team")
	assert.ElementsMatch(t, []string{"foo"}, list["orphan-team"].Packages)
	assert.ElementsMatch(t, []string{"foo"}, list["alice"].Packages)
}

func TestInvertAndAllPackages(t *testing.T) {
	list := List{
		"alice": {Name: "alice", Packages: []string{"foo", "bar"}},
		"bob":   {Name: "bob", Packages: []string{"bar"}},
	}
	inv := Invert(list)
	assert.ElementsMatch(t, []string{"alice"}, inv["foo"])
	assert.ElementsMatch(t, []string{"alice", "bob"}, inv["bar"])
	assert.Equal(t, []string{"bar", "foo"}, AllPackages(list))
}

func TestToUploadMaintainerRoundTrips(t *testing.T) {
	m := &Maintainer{Name: "alice", Packages: []string{"foo"}}
	um := m.ToUploadMaintainer()
	assert.True(t, um.Packages["foo"])
	um.RemindersIssued = true
	m.SyncFromUpload(um)
	assert.True(t, m.RemindersIssued)
}
