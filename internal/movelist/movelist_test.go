package movelist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyIsFalsy(t *testing.T) {
	m := New()
	assert.True(t, m.Empty())
	m.Add("foo", "foo-1.0-1.tar.xz")
	assert.False(t, m.Empty())
}

func TestAddRemove(t *testing.T) {
	m := New()
	m.Add("foo", "a")
	m.Add("foo", "b")
	m.Remove("foo")
	assert.True(t, m.Empty())
}

func TestIntersect(t *testing.T) {
	a, b := New(), New()
	a.Add("foo", "x")
	a.Add("foo", "y")
	a.Add("bar", "z")
	b.Add("foo", "y")
	b.Add("baz", "w")

	i := Intersect(a, b)
	assert.Equal(t, []string{"foo"}, i.Dirs())
	assert.Equal(t, []string{"y"}, i.Files("foo"))
}

func TestMoveRelocatesFiles(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "foo"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "foo", "foo-1.0-1.tar.xz"), []byte("data"), 0644))

	m := New()
	m.Add("foo", "foo-1.0-1.tar.xz")
	require.NoError(t, m.Move(context.Background(), src, dst, false))

	assert.NoFileExists(t, filepath.Join(src, "foo", "foo-1.0-1.tar.xz"))
	assert.FileExists(t, filepath.Join(dst, "foo", "foo-1.0-1.tar.xz"))
	_ = ctx
}

func TestMoveMissingSourceDoesNotAbort(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	src := t.TempDir()
	dst := t.TempDir()
	m := New()
	m.Add("foo", "nonexistent.tar.xz")
	assert.NoError(t, m.Move(ctx, src, dst, false))
}

func TestDryRunDoesNotMove(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "foo"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "foo", "f"), []byte("d"), 0644))

	m := New()
	m.Add("foo", "f")
	require.NoError(t, m.Move(ctx, src, dst, true))
	assert.FileExists(t, filepath.Join(src, "foo", "f"))
	assert.NoFileExists(t, filepath.Join(dst, "foo", "f"))
}
