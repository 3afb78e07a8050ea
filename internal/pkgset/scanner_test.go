package pkgset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFileNameBinaryTar(t *testing.T) {
	pf, ok := ParseFileName("libfoo1-1.2.3-1.tar.xz")
	require.True(t, ok)
	assert.Equal(t, "libfoo1", pf.Pkg)
	assert.Equal(t, "1.2.3", pf.V)
	assert.Equal(t, "1", pf.R)
	assert.False(t, pf.IsSrc)
	assert.Equal(t, "xz", pf.Ext)
}

func TestParseFileNameSourceTar(t *testing.T) {
	pf, ok := ParseFileName("foo-1.0-1-src.tar.bz2")
	require.True(t, ok)
	assert.Equal(t, "foo", pf.Pkg)
	assert.True(t, pf.IsSrc)
	assert.Equal(t, "bz2", pf.Ext)
}

func TestParseFileNameHint(t *testing.T) {
	pf, ok := ParseFileName("foo-1.0-1.hint")
	require.True(t, ok)
	assert.True(t, pf.IsHint)
	assert.Equal(t, "", pf.Ext)
}

func TestParseFileNameRejectsUnknownExtension(t *testing.T) {
	_, ok := ParseFileName("foo-1.0-1.tar.rar")
	assert.False(t, ok)
}

func TestParseFileNameRejectsStray(t *testing.T) {
	_, ok := ParseFileName("README")
	assert.False(t, ok)
}

func TestClassifyEmptyBySizeShortcuts(t *testing.T) {
	assert.True(t, classifyEmpty("/does/not/exist", 10))
	assert.False(t, classifyEmpty("/does/not/exist", 2000))
}
